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
	"sort"
	"strings"
	"time"

	"github.com/zbsniff/go-zbsniff/detection"
)

type detectConfig struct {
	common
	transports string
	ignore     string
	timeout    time.Duration
	probe      bool
	all        bool
}

func parseDetectFlags(args []string) (*detectConfig, error) {
	cfg := &detectConfig{}
	fs := flag.NewFlagSet("detect", flag.ContinueOnError)
	cfg.register(fs)
	fs.BoolVar(&cfg.probe, "probe", false, "Ask serial candidates for their bridge status")
	fs.BoolVar(&cfg.all, "all", false, "Also list generic serial adapters and on-board UARTs")
	fs.StringVar(&cfg.transports, "transport", "", "Comma separated transports to check (uart, usb)")
	fs.StringVar(&cfg.ignore, "ignore", "", "Comma separated device paths to skip")
	fs.DurationVar(&cfg.timeout, "timeout", 5*time.Second, "Detection timeout")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *detectConfig) options() detection.Options {
	opts := detection.DefaultOptions()
	opts.EnableCache = false
	opts.Timeout = c.timeout
	opts.IncludeGeneric = c.all
	if c.probe {
		opts.Mode = detection.Probe
	}
	opts.Transports = splitList(c.transports)
	opts.IgnorePaths = splitList(c.ignore)
	return opts
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func runDetect(ctx context.Context, args []string) error {
	cfg, err := parseDetectFlags(args)
	if err != nil {
		return err
	}
	done, err := cfg.apply()
	if err != nil {
		return err
	}
	defer done()

	opts := cfg.options()
	devices, err := detection.DetectAll(ctx, &opts)
	if err != nil {
		return err
	}
	printDevices(os.Stdout, devices)
	return nil
}

// printDevices lists devices, most confident first
func printDevices(w io.Writer, devices []detection.DeviceInfo) {
	sort.SliceStable(devices, func(i, j int) bool {
		if devices[i].Confidence != devices[j].Confidence {
			return devices[i].Confidence > devices[j].Confidence
		}
		return devices[i].Path < devices[j].Path
	})
	for _, d := range devices {
		_, _ = fmt.Fprintf(w, "%-14s %-6s %-7s %-6s %s", d.Path, d.Transport, d.Radio, d.Confidence, d.Name)
		keys := make([]string, 0, len(d.Metadata))
		for k := range d.Metadata {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			_, _ = fmt.Fprintf(w, " %s=%q", k, d.Metadata[k])
		}
		_, _ = fmt.Fprintln(w)
	}
}
