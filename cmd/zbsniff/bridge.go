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
	"time"

	"github.com/zbsniff/go-zbsniff"
	"github.com/zbsniff/go-zbsniff/radio/cc2531"
	"github.com/zbsniff/go-zbsniff/radio/mrf24j40"
	"github.com/zbsniff/go-zbsniff/radio/sim"
	"github.com/zbsniff/go-zbsniff/transport/uart"
)

type bridgeConfig struct {
	common
	port     string
	radio    string
	spi      string
	irq      string
	pcap     string
	interval time.Duration
	baud     int
	queue    int
	channel  uint
	loop     bool
}

func parseBridgeFlags(args []string) (*bridgeConfig, error) {
	cfg := &bridgeConfig{}
	fs := flag.NewFlagSet("bridge", flag.ContinueOnError)
	cfg.register(fs)
	fs.StringVar(&cfg.port, "port", "", "Serial port towards the host (required)")
	fs.IntVar(&cfg.baud, "baud", uart.DefaultBaudRate, "Serial baud rate")
	fs.StringVar(&cfg.radio, "radio", "mrf24j40", "Radio: mrf24j40, cc2531 or sim")
	fs.StringVar(&cfg.spi, "spi", "", "SPI port of the MRF24J40 (first available if empty)")
	fs.StringVar(&cfg.irq, "irq", "", "GPIO wired to the MRF24J40 INT pin (polls if empty)")
	fs.StringVar(&cfg.pcap, "pcap", "", "Capture file played back by the sim radio")
	fs.BoolVar(&cfg.loop, "loop", false, "Loop the sim radio's capture file")
	fs.DurationVar(&cfg.interval, "interval", 0, "Fixed gap between sim frames (capture timing if 0)")
	fs.UintVar(&cfg.channel, "channel", zbsniff.DefaultChannel, "IEEE 802.15.4 channel (11-26)")
	fs.IntVar(&cfg.queue, "queue", zbsniff.DefaultQueueCapacity, "Capture queue capacity")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	if cfg.port == "" {
		return nil, fmt.Errorf("%w: --port is required", zbsniff.ErrInvalidOptions)
	}
	if cfg.channel < zbsniff.MinChannel || cfg.channel > zbsniff.MaxChannel {
		return nil, fmt.Errorf("%w: %d", zbsniff.ErrInvalidChannel, cfg.channel)
	}
	return cfg, nil
}

func newRadio(cfg *bridgeConfig) (zbsniff.Radio, error) {
	switch cfg.radio {
	case "mrf24j40":
		var opts []mrf24j40.Option
		if cfg.irq != "" {
			opts = append(opts, mrf24j40.WithInterruptPin(cfg.irq))
		}
		return mrf24j40.New(cfg.spi, opts...)
	case "cc2531":
		return cc2531.Open()
	case "sim":
		if cfg.pcap == "" {
			return nil, fmt.Errorf("%w: the sim radio needs --pcap", zbsniff.ErrInvalidOptions)
		}
		opts := []sim.Option{sim.WithLoop(cfg.loop)}
		if cfg.interval > 0 {
			opts = append(opts, sim.WithInterval(cfg.interval))
		}
		return sim.Open(cfg.pcap, opts...)
	default:
		return nil, fmt.Errorf("%w: unknown radio %q", zbsniff.ErrInvalidOptions, cfg.radio)
	}
}

func runBridge(ctx context.Context, args []string) error {
	cfg, err := parseBridgeFlags(args)
	if err != nil {
		return err
	}
	done, err := cfg.apply()
	if err != nil {
		return err
	}
	defer done()

	radio, err := newRadio(cfg)
	if err != nil {
		return err
	}
	defer func() { _ = radio.Close() }()

	port, err := uart.New(cfg.port, uart.WithBaudRate(cfg.baud))
	if err != nil {
		return err
	}
	defer func() { _ = port.Close() }()

	return serveBridge(ctx, radio, port, cfg)
}

// serveBridge runs a bridge until ctx ends or one of its loops fails
func serveBridge(ctx context.Context, radio zbsniff.Radio, port zbsniff.Port, cfg *bridgeConfig) error {
	bridge, err := zbsniff.NewBridge(radio, port,
		zbsniff.WithChannel(uint8(cfg.channel)),
		zbsniff.WithQueueCapacity(cfg.queue),
	)
	if err != nil {
		return err
	}
	if err := bridge.Start(ctx); err != nil {
		return err
	}
	_, _ = fmt.Fprintf(os.Stderr, "Bridging %s radio on channel %d to %s. Press Ctrl+C to stop...\n",
		cfg.radio, cfg.channel, cfg.port)

	waitErr := make(chan error, 1)
	go func() { waitErr <- bridge.Wait() }()

	select {
	case <-ctx.Done():
	case err := <-waitErr:
		if err != nil {
			_ = bridge.Close()
			return fmt.Errorf("bridge stopped: %w", err)
		}
	}
	if err := bridge.Close(); err != nil {
		return err
	}
	_, _ = fmt.Fprintf(os.Stderr, "%s\n", bridge.Status())
	return ctx.Err()
}
