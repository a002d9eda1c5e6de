package main

import (
	"os"
	"path/filepath"
	"testing"
)

func TestParseJSONConfigSuccess(t *testing.T) {
	path := writeTempConfig(t, `{"client-port":7000,"dnode-addr":"10.0.0.5","dnode-port":7001,"sample-port":7002,"psk":"secret","psk-required":true,"compress-samples":true,"snmpperiod":30}`)

	var cfg Config
	if err := parseJSONConfig(&cfg, path); err != nil {
		t.Fatalf("parseJSONConfig returned error: %v", err)
	}

	if cfg.ClientPort != 7000 || cfg.DnodeAddr != "10.0.0.5" || cfg.DnodePort != 7001 || cfg.SamplePort != 7002 {
		t.Fatalf("unexpected addresses/ports: %+v", cfg)
	}
	if cfg.PSK != "secret" || !cfg.PSKRequired {
		t.Fatalf("unexpected psk fields: %+v", cfg)
	}
	if !cfg.CompressSamples || cfg.SnmpPeriod != 30 {
		t.Fatalf("unexpected remaining fields: %+v", cfg)
	}
}

func TestParseJSONConfigMissingFile(t *testing.T) {
	var cfg Config
	missing := filepath.Join(t.TempDir(), "missing.json")
	if err := parseJSONConfig(&cfg, missing); err == nil {
		t.Fatalf("parseJSONConfig expected error for missing file")
	}
}

func writeTempConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("failed to write temp config: %v", err)
	}
	return path
}
