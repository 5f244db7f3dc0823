// go-zbsniff
// Copyright (c) 2025 The go-zbsniff Contributors.
// SPDX-License-Identifier: LGPL-3.0-or-later
//
// This file is part of go-zbsniff.
//
// go-zbsniff is free software; you can redistribute it and/or
// modify it under the terms of the GNU Lesser General Public
// License as published by the Free Software Foundation; either
// version 3 of the License, or (at your option) any later version.
//
// go-zbsniff is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the GNU
// Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with go-zbsniff; if not, write to the Free Software Foundation,
// Inc., 51 Franklin Street, Fifth Floor, Boston, MA  02110-1301, USA.

// Command zbsniff runs and talks to Zigbee sniff/transmit bridges.
//
//	zbsniff bridge  --port /dev/ttyAMA0 --radio mrf24j40 --spi SPI0.0
//	zbsniff monitor --port /dev/ttyACM0 --pcap capture.pcap --key 0011...eeff
//	zbsniff replay  --port /dev/ttyACM0 --in capture.pcap --repeat 5
//	zbsniff replay  --port /dev/ttyACM0 --jam 30s
//	zbsniff status  --port /dev/ttyACM0
//	zbsniff detect  --probe
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/zbsniff/go-zbsniff"
)

type command struct {
	run   func(ctx context.Context, args []string) error
	name  string
	usage string
}

var commands = []command{
	{name: "bridge", usage: "run a bridge between a local radio and a serial port", run: runBridge},
	{name: "monitor", usage: "read capture records from a bridge and store them", run: runMonitor},
	{name: "replay", usage: "switch a bridge to TX and inject frames", run: runReplay},
	{name: "status", usage: "print a bridge's mode, queue and drop counter", run: runStatus},
	{name: "detect", usage: "list attached sniffer hardware", run: runDetect},
}

// common holds the flags every subcommand accepts
type common struct {
	debug      bool
	sessionLog bool
}

func (c *common) register(fs *flag.FlagSet) {
	fs.BoolVar(&c.debug, "debug", false, "Enable debug output")
	fs.BoolVar(&c.sessionLog, "log-session", false, "Also write debug output to zbsniff_<time>.log")
}

// apply turns on logging; the returned func closes the session log
func (c *common) apply() (func(), error) {
	if c.debug {
		zbsniff.SetDebugEnabled(true)
	}
	if !c.sessionLog {
		return func() {}, nil
	}
	path, err := zbsniff.InitSessionLog()
	if err != nil {
		return nil, err
	}
	_, _ = fmt.Fprintf(os.Stderr, "Session log: %s\n", path)
	return func() { _ = zbsniff.CloseSessionLog() }, nil
}

func usage(w io.Writer) {
	_, _ = fmt.Fprintln(w, "Usage: zbsniff <command> [flags]")
	_, _ = fmt.Fprintln(w)
	for _, c := range commands {
		_, _ = fmt.Fprintf(w, "  %-8s %s\n", c.name, c.usage)
	}
	_, _ = fmt.Fprintln(w)
	_, _ = fmt.Fprintln(w, "Run 'zbsniff <command> -h' for the flags of a command.")
}

func lookup(name string) (command, bool) {
	for _, c := range commands {
		if c.name == name {
			return c, true
		}
	}
	return command{}, false
}

func main() {
	os.Exit(mainWithExitCode(os.Args[1:]))
}

func mainWithExitCode(args []string) int {
	if len(args) == 0 {
		usage(os.Stderr)
		return 2
	}
	if args[0] == "-h" || args[0] == "--help" || args[0] == "help" {
		usage(os.Stdout)
		return 0
	}
	cmd, ok := lookup(args[0])
	if !ok {
		_, _ = fmt.Fprintf(os.Stderr, "Unknown command %q\n\n", args[0])
		usage(os.Stderr)
		return 2
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		_, _ = fmt.Fprint(os.Stderr, "\nShutting down gracefully...\n")
		cancel()
	}()

	if err := cmd.run(ctx, args[1:]); err != nil {
		switch {
		case errors.Is(err, context.Canceled):
			return 0
		case errors.Is(err, flag.ErrHelp):
			return 0
		}
		_, _ = fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	return 0
}
