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
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/zbsniff/go-zbsniff"
	"github.com/zbsniff/go-zbsniff/replay"
	"github.com/zbsniff/go-zbsniff/transport/uart"
)

type replayConfig struct {
	common
	port         string
	key          string
	input        string
	interval     time.Duration
	settle       time.Duration
	jam          time.Duration
	baud         int
	repeat       int
	flood        int
	jamSize      int
	counterStep  uint
	sequenceStep uint
	all          bool
	noRestore    bool
	yes          bool
}

func parseReplayFlags(args []string) (*replayConfig, error) {
	def := replay.DefaultConfig()
	cfg := &replayConfig{}
	fs := flag.NewFlagSet("replay", flag.ContinueOnError)
	cfg.register(fs)
	fs.StringVar(&cfg.port, "port", "", "Bridge serial port (auto-detect if empty)")
	fs.IntVar(&cfg.baud, "baud", uart.DefaultBaudRate, "Serial baud rate")
	fs.StringVar(&cfg.input, "in", "", "Frames to replay: a .pcap capture or monitor JSON lines")
	fs.StringVar(&cfg.key, "key", "", "Network key, to re-encrypt frames whose counter is bumped")
	fs.IntVar(&cfg.flood, "flood", 0, "Send this many beacon requests instead of replaying")
	fs.DurationVar(&cfg.jam, "jam", 0, "Transmit random frames for this long instead of replaying")
	fs.IntVar(&cfg.jamSize, "jam-size", replay.DefaultJamSize, "Size of each jamming frame in bytes")
	fs.IntVar(&cfg.repeat, "repeat", def.Repeat, "Times the frame list is sent")
	fs.DurationVar(&cfg.interval, "interval", def.Interval, "Gap between frames")
	fs.DurationVar(&cfg.settle, "settle", def.ModeSettle, "Pause after switching the bridge to TX")
	fs.UintVar(&cfg.counterStep, "counter-step", uint(def.CounterStep), "NWK frame counter increment per repetition")
	fs.UintVar(&cfg.sequenceStep, "seq-step", uint(def.SequenceStep), "Sequence number increment per repetition")
	fs.BoolVar(&cfg.all, "all", false, "Replay every frame, not only Zigbee data frames")
	fs.BoolVar(&cfg.noRestore, "no-restore", false, "Leave the bridge in TX mode when done")
	fs.BoolVar(&cfg.yes, "yes", false, "Do not ask for confirmation")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	actions := 0
	for _, set := range []bool{cfg.input != "", cfg.flood > 0, cfg.jam > 0} {
		if set {
			actions++
		}
	}
	if actions != 1 {
		return nil, fmt.Errorf("%w: give exactly one of --in, --flood or --jam", zbsniff.ErrInvalidOptions)
	}
	if cfg.jam > 0 && (cfg.jamSize < replay.MinJamSize || cfg.jamSize > replay.MaxJamSize) {
		return nil, fmt.Errorf("%w: --jam-size must be between %d and %d",
			zbsniff.ErrInvalidOptions, replay.MinJamSize, replay.MaxJamSize)
	}
	if cfg.sequenceStep > 0xFF {
		return nil, fmt.Errorf("%w: --seq-step must fit in a byte", zbsniff.ErrInvalidOptions)
	}
	return cfg, nil
}

func (c *replayConfig) replayConfig(key []byte) *replay.Config {
	rc := replay.DefaultConfig()
	rc.Key = key
	rc.Interval = c.interval
	rc.ModeSettle = c.settle
	rc.Repeat = c.repeat
	rc.CounterStep = uint32(c.counterStep)
	rc.SequenceStep = uint8(c.sequenceStep)
	rc.RestoreSniff = !c.noRestore
	return rc
}

func (c *replayConfig) confirmLabel(frames int, port string) string {
	switch {
	case c.jam > 0:
		return fmt.Sprintf("Jam for %s through %s", c.jam, port)
	case c.flood > 0:
		return fmt.Sprintf("Transmit %d frames through %s", c.flood, port)
	default:
		return fmt.Sprintf("Transmit %d frames through %s", frames*c.repeat, port)
	}
}

// loadFrames reads MPDUs from a pcap file or, for any other extension,
// from the monitor's JSON lines
func loadFrames(path string, all bool) ([][]byte, error) {
	f, err := os.Open(path) //nolint:gosec // user supplied input file
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer func() { _ = f.Close() }()

	var filter replay.Filter = replay.DataFrames
	if all {
		filter = nil
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".pcap", ".cap":
		return replay.LoadPcap(f, filter)
	default:
		return replay.LoadJSON(f, filter)
	}
}

func runReplay(ctx context.Context, args []string) error {
	cfg, err := parseReplayFlags(args)
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

	var frames [][]byte
	if cfg.input != "" {
		if frames, err = loadFrames(cfg.input, cfg.all); err != nil {
			return err
		}
		if len(frames) == 0 {
			return fmt.Errorf("no frames to replay in %s", cfg.input)
		}
	}

	port, err := openPort(ctx, cfg.port, cfg.baud)
	if err != nil {
		return err
	}
	defer func() { _ = port.Close() }()

	if !cfg.yes {
		if err := confirm(cfg.confirmLabel(len(frames), port.Name())); err != nil {
			return err
		}
	}

	r, err := replay.New(port, cfg.replayConfig(key))
	if err != nil {
		return err
	}
	switch {
	case cfg.jam > 0:
		err = r.Jam(ctx, cfg.jam, cfg.jamSize)
	case cfg.flood > 0:
		err = r.Flood(ctx, cfg.flood)
	default:
		err = r.Replay(ctx, frames)
	}
	st := r.Stats()
	_, _ = fmt.Fprintf(os.Stderr, "sent=%d skipped=%d\n", st.Sent, st.Skipped)
	return err
}
