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
	"time"

	"github.com/zbsniff/go-zbsniff"
	"github.com/zbsniff/go-zbsniff/detection/uart"
	"github.com/zbsniff/go-zbsniff/monitor"
	serialport "github.com/zbsniff/go-zbsniff/transport/uart"
)

type statusConfig struct {
	common
	port    string
	mode    string
	timeout time.Duration
	baud    int
}

func parseStatusFlags(args []string) (*statusConfig, error) {
	cfg := &statusConfig{}
	fs := flag.NewFlagSet("status", flag.ContinueOnError)
	cfg.register(fs)
	fs.StringVar(&cfg.port, "port", "", "Bridge serial port (auto-detect if empty)")
	fs.IntVar(&cfg.baud, "baud", serialport.DefaultBaudRate, "Serial baud rate")
	fs.StringVar(&cfg.mode, "set", "", "Switch the bridge to SNIFF or TX first")
	fs.DurationVar(&cfg.timeout, "timeout", 2*time.Second, "How long to wait for the reply")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	if cfg.mode != "" {
		if _, err := zbsniff.ParseMode(cfg.mode); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}

func runStatus(ctx context.Context, args []string) error {
	cfg, err := parseStatusFlags(args)
	if err != nil {
		return err
	}
	done, err := cfg.apply()
	if err != nil {
		return err
	}
	defer done()

	port, err := openPort(ctx, cfg.port, cfg.baud)
	if err != nil {
		return err
	}
	defer func() { _ = port.Close() }()

	return queryStatus(ctx, port, cfg, os.Stdout)
}

// queryStatus optionally switches the bridge's mode, then prints its status
func queryStatus(ctx context.Context, port zbsniff.Port, cfg *statusConfig, out io.Writer) error {
	if cfg.mode != "" {
		mode, err := zbsniff.ParseMode(cfg.mode)
		if err != nil {
			return err
		}
		cmd := zbsniff.CommandModeSniff
		if mode == zbsniff.ModeTX {
			cmd = zbsniff.CommandModeTX
		}
		if err := monitor.SendCommand(port, cmd); err != nil {
			return err
		}
		// The bridge takes one command per serial read.
		time.Sleep(2 * zbsniff.DefaultReadTimeout)
	}

	ctx, cancel := context.WithTimeout(ctx, cfg.timeout)
	defer cancel()
	st, err := uart.ProbePort(ctx, port)
	if err != nil {
		return fmt.Errorf("no status from bridge: %w", err)
	}
	_, _ = fmt.Fprintf(out, "mode:     %s\nqueue:    %d/%d\ndropped:  %d\n", st.Mode, st.Queued, st.Capacity, st.Dropped)
	return nil
}
