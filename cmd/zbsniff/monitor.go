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

package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/zbsniff/go-zbsniff"
	"github.com/zbsniff/go-zbsniff/monitor"
	"github.com/zbsniff/go-zbsniff/transport/uart"
)

type monitorConfig struct {
	common
	port      string
	key       string
	jsonPath  string
	pcapPath  string
	zmq       string
	topic     string
	statusInt time.Duration
	baud      int
	noSniff   bool
	quiet     bool
}

func parseMonitorFlags(args []string) (*monitorConfig, error) {
	cfg := &monitorConfig{}
	fs := flag.NewFlagSet("monitor", flag.ContinueOnError)
	cfg.register(fs)
	fs.StringVar(&cfg.port, "port", "", "Bridge serial port (auto-detect if empty)")
	fs.IntVar(&cfg.baud, "baud", uart.DefaultBaudRate, "Serial baud rate")
	fs.StringVar(&cfg.key, "key", "", "Zigbee network key (32 hex digits) for decryption")
	fs.StringVar(&cfg.jsonPath, "json", "", "Write JSON lines to this file ('-' for stdout)")
	fs.StringVar(&cfg.pcapPath, "pcap", "", "Write a pcap file (802.15.4 with FCS)")
	fs.StringVar(&cfg.zmq, "zmq", "", "Publish records on this ZeroMQ endpoint, e.g. tcp://*:5556")
	fs.StringVar(&cfg.topic, "topic", monitor.DefaultZMQTopic, "ZeroMQ topic")
	fs.DurationVar(&cfg.statusInt, "status-interval", 0, "Poll the bridge status this often")
	fs.BoolVar(&cfg.noSniff, "no-sniff", false, "Do not switch the bridge to SNIFF on start")
	fs.BoolVar(&cfg.quiet, "quiet", false, "Do not print records")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	return cfg, nil
}

// openSinks creates the sinks named by the flags. On error, the sinks
// already opened are closed.
func openSinks(cfg *monitorConfig) ([]monitor.Sink, error) {
	var sinks []monitor.Sink
	fail := func(err error) ([]monitor.Sink, error) {
		for _, s := range sinks {
			_ = s.Close()
		}
		return nil, err
	}

	if cfg.jsonPath != "" {
		// Hide Close so the sink leaves stdout open.
		var w io.Writer = struct{ io.Writer }{os.Stdout}
		if cfg.jsonPath != "-" {
			f, err := os.Create(cfg.jsonPath)
			if err != nil {
				return fail(fmt.Errorf("failed to create JSON output: %w", err))
			}
			w = f
		}
		sinks = append(sinks, monitor.NewJSONSink(w))
	}
	if cfg.pcapPath != "" {
		f, err := os.Create(cfg.pcapPath)
		if err != nil {
			return fail(fmt.Errorf("failed to create pcap output: %w", err))
		}
		sink, err := monitor.NewPcapSink(f)
		if err != nil {
			_ = f.Close()
			return fail(err)
		}
		sinks = append(sinks, sink)
	}
	if cfg.zmq != "" {
		sink, err := monitor.NewZMQSink(cfg.zmq, cfg.topic)
		if err != nil {
			return fail(err)
		}
		sinks = append(sinks, sink)
	}
	return sinks, nil
}

// formatRecord renders a record as one human readable line
func formatRecord(r *monitor.Record) string {
	var b strings.Builder
	_, _ = fmt.Fprintf(&b, "#%-6d %4ddBm %3dB", r.Seq, r.RSSI, r.Len)
	f := r.Frame
	if f == nil {
		_, _ = fmt.Fprintf(&b, " undecoded %X", r.Data)
		return b.String()
	}
	_, _ = fmt.Fprintf(&b, " %-7s seq=%3d pan=0x%04x", f.Control.Type, f.Sequence, f.DstPAN)
	if src := f.Src.String(); src != "" {
		_, _ = fmt.Fprintf(&b, " %s", src)
	}
	if dst := f.Dst.String(); dst != "" {
		_, _ = fmt.Fprintf(&b, " -> %s", dst)
	}
	if h := f.NWK; h != nil {
		_, _ = fmt.Fprintf(&b, " | nwk 0x%04x -> 0x%04x", h.Src, h.Dst)
		if h.Security != nil {
			_, _ = fmt.Fprintf(&b, " fc=%d", h.Security.FrameCounter)
		}
	}
	if len(r.Plaintext) > 0 {
		_, _ = fmt.Fprintf(&b, " | aps %X", r.Plaintext)
	}
	if f.HasFCS && !f.FCSValid {
		b.WriteString(" (bad FCS)")
	}
	return b.String()
}

func runMonitor(ctx context.Context, args []string) error {
	cfg, err := parseMonitorFlags(args)
	if err != nil {
		return err
	}
	key, err := parseKey(cfg.key)
	if err != nil {
		return err
	}
	done, err := cfg.apply()
	if err != nil {
		return err
	}
	defer done()

	sinks, err := openSinks(cfg)
	if err != nil {
		return err
	}

	port, err := openPort(ctx, cfg.port, cfg.baud)
	if err != nil {
		for _, s := range sinks {
			_ = s.Close()
		}
		return err
	}
	defer func() { _ = port.Close() }()

	mcfg := monitor.DefaultConfig()
	mcfg.Key = key
	mcfg.Sinks = sinks
	mcfg.StatusInterval = cfg.statusInt
	mcfg.SniffOnStart = !cfg.noSniff
	return watch(ctx, port, mcfg, os.Stdout, cfg.quiet || cfg.jsonPath == "-")
}

// watch runs a monitor on port, printing records and status lines to out
func watch(ctx context.Context, port zbsniff.Port, mcfg *monitor.Config, out io.Writer, quiet bool) error {
	mon, err := monitor.New(port, mcfg)
	if err != nil {
		for _, s := range mcfg.Sinks {
			_ = s.Close()
		}
		return err
	}
	if !quiet {
		mon.OnRecord(func(r *monitor.Record) {
			_, _ = fmt.Fprintln(out, formatRecord(r))
		})
	}
	mon.OnStatus(func(st zbsniff.Status) {
		_, _ = fmt.Fprintf(os.Stderr, "bridge: %s\n", st)
	})

	runErr := mon.Run(ctx)
	closeErr := mon.Close()
	st := mon.Stats()
	_, _ = fmt.Fprintf(os.Stderr, "records=%d decoded=%d decrypted=%d malformed=%d bridge_errors=%d\n",
		st.Records, st.Decoded, st.Decrypted, st.Malformed, st.Errors)
	if runErr != nil {
		return runErr
	}
	return closeErr
}
