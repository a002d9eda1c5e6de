// The MIT License (MIT)
//
// # Copyright (c) 2016 xtaci
//
// Permission is hereby granted, free of charge, to any person obtaining a copy
// of this software and associated documentation files (the "Software"), to deal
// in the Software without restriction, including without limitation the rights
// to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
// copies of the Software, and to permit persons to whom the Software is
// furnished to do so, subject to the following conditions:
//
// The above copyright notice and this permission notice shall be included in all
// copies or substantial portions of the Software.
//
// THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
// IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
// FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
// AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
// LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
// OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN THE
// SOFTWARE.

// Command leafyd is the control-plane intermediary between a client and a
// data node: it owns the packet codec, the control session state machine,
// and the transaction engine, and relays Request/Response traffic and
// board-sample datagrams between the two.
package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/urfave/cli"

	"github.com/leaflabs/leafyd/internal/control"
	"github.com/leaflabs/leafyd/internal/logging"
	"github.com/leaflabs/leafyd/internal/relay"
	"github.com/leaflabs/leafyd/internal/telemetry"
)

// VERSION is populated via build flags when packaging official binaries.
var VERSION = "SELFBUILD"

func checkError(err error) {
	if err != nil {
		fmt.Fprintf(os.Stderr, "%+v\n", err)
		os.Exit(-1)
	}
}

func main() {
	myApp := cli.NewApp()
	myApp.Name = "leafyd"
	myApp.Usage = "control-plane intermediary between a client and a data node"
	myApp.Version = VERSION
	myApp.Flags = []cli.Flag{
		cli.IntFlag{
			Name:  "client-port",
			Value: 7362,
			Usage: "TCP port to listen on for the client control connection",
		},
		cli.StringFlag{
			Name:  "dnode-addr",
			Value: "127.0.0.1",
			Usage: "address of the data node control connection",
		},
		cli.IntFlag{
			Name:  "dnode-port",
			Value: 7363,
			Usage: "TCP port of the data node control connection",
		},
		cli.IntFlag{
			Name:  "sample-port",
			Value: 7364,
			Usage: "UDP port to bind for the data node's board-sample ingress",
		},
		cli.StringFlag{
			Name:   "psk",
			Value:  "",
			Usage:  "pre-shared key gating new client connections; empty disables the handshake",
			EnvVar: "LEAFYD_PSK",
		},
		cli.BoolFlag{
			Name:  "psk-required",
			Usage: "refuse to start if -psk was not supplied",
		},
		cli.BoolFlag{
			Name:  "compress-samples",
			Usage: "snappy-compress forwarded board samples",
		},
		cli.StringFlag{
			Name:  "forward-addr",
			Value: "",
			Usage: "if set, forward board samples as UDP datagrams to this address",
		},
		cli.IntFlag{
			Name:  "forward-port",
			Value: 0,
			Usage: "UDP port paired with -forward-addr",
		},
		cli.StringFlag{
			Name:  "log",
			Value: "",
			Usage: "specify a log file to output, default goes to stderr",
		},
		cli.StringFlag{
			Name:  "snmplog",
			Value: "",
			Usage: "collect telemetry counters to a CSV file, aware of Go's time format, like ./telemetry-20060102.log",
		},
		cli.IntFlag{
			Name:  "snmpperiod",
			Value: 60,
			Usage: "telemetry collection period, in seconds",
		},
		cli.BoolFlag{
			Name:  "N,dont-daemonize",
			Usage: "run in the foreground instead of detaching (no-op on platforms without daemonization support; present for CLI-surface parity)",
		},
		cli.StringFlag{
			Name:  "c",
			Value: "",
			Usage: "config from json file, which will override the flags from the shell",
		},
	}
	myApp.Action = run

	if err := myApp.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "%+v\n", err)
		os.Exit(-1)
	}
}

func run(c *cli.Context) error {
	config := Config{
		ClientPort:      uint16(c.Int("client-port")),
		DnodeAddr:       c.String("dnode-addr"),
		DnodePort:       uint16(c.Int("dnode-port")),
		SamplePort:      uint16(c.Int("sample-port")),
		PSK:             c.String("psk"),
		PSKRequired:     c.Bool("psk-required"),
		CompressSamples: c.Bool("compress-samples"),
		ForwardAddr:     c.String("forward-addr"),
		ForwardPort:     uint16(c.Int("forward-port")),
		Log:             c.String("log"),
		SnmpLog:         c.String("snmplog"),
		SnmpPeriod:      c.Int("snmpperiod"),
		DontDaemonize:   c.Bool("dont-daemonize"),
	}

	if c.String("c") != "" {
		checkError(parseJSONConfig(&config, c.String("c")))
	}

	if config.PSKRequired && config.PSK == "" {
		checkError(fmt.Errorf("psk-required is set but no -psk was supplied"))
	}

	closeLog, err := logging.Init(config.Log)
	checkError(err)
	defer closeLog()

	logging.Info("leafyd %s starting", VERSION)
	logging.Info("client port: %d", config.ClientPort)
	logging.Info("data node: %s:%d", config.DnodeAddr, config.DnodePort)
	logging.Info("sample port: %d", config.SamplePort)
	logging.Info("psk required: %v", config.PSKRequired)
	logging.Info("compress samples: %v", config.CompressSamples)

	counters := &telemetry.Counters{}
	stopTelemetry := telemetry.StartCSVLogger(config.SnmpLog, time.Duration(config.SnmpPeriod)*time.Second, counters)
	defer stopTelemetry()

	clientOps, dnodeOps := relay.New()

	sess, err := control.New(control.Config{
		ClientPort:      config.ClientPort,
		DnodeAddr:       config.DnodeAddr,
		DnodePort:       config.DnodePort,
		SamplePort:      config.SamplePort,
		ClientOps:       clientOps,
		DnodeOps:        dnodeOps,
		PSK:             []byte(config.PSK),
		CompressSamples: config.CompressSamples,
		Telemetry:       counters,
	})
	if err != nil {
		logging.Err("can't start control session: %v", err)
		return err
	}
	defer sess.Close()

	if config.ForwardAddr != "" {
		if err := sess.AttachForward(config.ForwardAddr, config.ForwardPort); err != nil {
			logging.Err("can't attach sample forward endpoint: %v", err)
			return err
		}
		logging.Info("forwarding samples to %s:%d", config.ForwardAddr, config.ForwardPort)
	}

	logging.Info("leafyd is running")

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	logging.Info("shutting down")
	return nil
}
