package main

import (
	"encoding/json"
	"os"
)

// Config is the leafyd process configuration, populated from CLI flags and
// optionally overridden by a JSON file: CLI flags set the defaults, and -c's
// file (if given) is decoded directly over the same struct.
type Config struct {
	ClientPort uint16 `json:"client-port"`
	DnodeAddr  string `json:"dnode-addr"`
	DnodePort  uint16 `json:"dnode-port"`
	SamplePort uint16 `json:"sample-port"`

	PSK             string `json:"psk"`
	PSKRequired     bool   `json:"psk-required"`
	CompressSamples bool   `json:"compress-samples"`
	ForwardAddr     string `json:"forward-addr"`
	ForwardPort     uint16 `json:"forward-port"`

	Log        string `json:"log"`
	SnmpLog    string `json:"snmplog"`
	SnmpPeriod int    `json:"snmpperiod"`

	DontDaemonize bool `json:"dont-daemonize"`
}

func parseJSONConfig(config *Config, path string) error {
	file, err := os.Open(path)
	if err != nil {
		return err
	}
	defer file.Close()

	return json.NewDecoder(file).Decode(config)
}
