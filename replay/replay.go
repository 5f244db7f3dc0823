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

// Package replay injects frames through a bridge in TX mode: captured frames
// replayed with bumped counters, beacon request floods, or random-frame
// jamming.
package replay

import (
	"context"
	"fmt"
	"io"
	"math/rand/v2"
	"sync/atomic"
	"time"

	"github.com/zbsniff/go-zbsniff"
	"github.com/zbsniff/go-zbsniff/ieee802154"
	"github.com/zbsniff/go-zbsniff/internal/syncutil"
)

// Config controls how frames are replayed
type Config struct {
	// Key reseals secured NWK frames after their frame counter is bumped.
	// Without it the bumped frames carry a stale MIC.
	Key []byte
	// Interval separates two writes. The bridge dispatches its input once
	// the link has been quiet for its read timeout, so writes closer than
	// that are merged into one frame.
	Interval time.Duration
	// ModeSettle is the pause after MODE_TX before the first frame
	ModeSettle time.Duration
	// Repeat is how many times the whole frame list is sent
	Repeat int
	// CounterStep is added to the NWK frame counter on every repetition
	CounterStep uint32
	// SequenceStep is added to the MAC and NWK sequence numbers on every
	// repetition
	SequenceStep uint8
	// SwitchToTX sends MODE_TX first
	SwitchToTX bool
	// RestoreSniff sends MODE_SNIFF when done
	RestoreSniff bool
	// Seed makes jamming frames reproducible; 0 picks a random seed
	Seed uint64
}

// DefaultConfig returns the default replay configuration
func DefaultConfig() *Config {
	return &Config{
		Interval:     2 * zbsniff.DefaultReadTimeout,
		ModeSettle:   2 * zbsniff.DefaultReadTimeout,
		Repeat:       1,
		SequenceStep: 1,
		CounterStep:  1,
		SwitchToTX:   true,
		RestoreSniff: true,
	}
}

// Stats counts replayed frames
type Stats struct {
	Sent    uint64
	Skipped uint64
}

// Replayer writes frames to a bridge's serial port
type Replayer struct {
	w       io.Writer
	config  *Config
	rng     *rand.Rand
	mu      syncutil.Mutex
	sent    atomic.Uint64
	skipped atomic.Uint64
}

// New creates a replayer writing to w. A nil config uses DefaultConfig.
func New(w io.Writer, config *Config) (*Replayer, error) {
	if w == nil {
		return nil, fmt.Errorf("%w: nil writer", zbsniff.ErrInvalidOptions)
	}
	if config == nil {
		config = DefaultConfig()
	}
	if config.Repeat < 1 {
		return nil, fmt.Errorf("%w: repeat must be at least 1", zbsniff.ErrInvalidOptions)
	}
	if len(config.Key) != 0 && len(config.Key) != 16 {
		return nil, fmt.Errorf("%w: %w", zbsniff.ErrInvalidOptions, ieee802154.ErrInvalidKey)
	}
	return &Replayer{w: w, config: config, rng: newRand(config.Seed)}, nil
}

// Prepare returns the serial form (length byte + MPDU) of mpdu for the given
// repetition: sequence numbers and frame counter advanced by iteration steps,
// resealed when a key is configured.
func (r *Replayer) Prepare(mpdu []byte, iteration int) ([]byte, error) {
	out := mpdu
	var err error

	if step := uint8(iteration) * r.config.SequenceStep; step != 0 {
		if out, err = ieee802154.IncrementSequence(out, step); err != nil {
			return nil, fmt.Errorf("failed to bump sequence number: %w", err)
		}
	}

	if step := uint32(iteration) * r.config.CounterStep; step != 0 {
		if out, err = r.bumpCounter(out, step); err != nil {
			return nil, err
		}
	}
	return ieee802154.PSDU(out)
}

// bumpCounter advances the frame counter of secured NWK frames and reseals
// them when the key is known. Other frames are returned unchanged.
func (r *Replayer) bumpCounter(mpdu []byte, step uint32) ([]byte, error) {
	orig, err := ieee802154.Decode(mpdu)
	if err != nil {
		return nil, fmt.Errorf("failed to decode frame: %w", err)
	}
	if orig.NWK == nil || orig.NWK.Security == nil {
		return mpdu, nil
	}

	var plaintext []byte
	if len(r.config.Key) > 0 {
		if plaintext, err = ieee802154.Open(r.config.Key, orig); err != nil {
			return nil, fmt.Errorf("failed to decrypt frame for resealing: %w", err)
		}
	}

	bumped, err := ieee802154.IncrementFrameCounter(mpdu, step)
	if err != nil {
		return nil, fmt.Errorf("failed to bump frame counter: %w", err)
	}
	if plaintext == nil {
		return bumped, nil
	}

	f, err := ieee802154.Decode(bumped)
	if err != nil {
		return nil, fmt.Errorf("failed to decode bumped frame: %w", err)
	}
	sealed, err := ieee802154.Seal(r.config.Key, f, plaintext)
	if err != nil {
		return nil, fmt.Errorf("failed to reseal frame: %w", err)
	}
	return sealed, nil
}

// Replay sends every frame (MPDUs, FCS excluded) config.Repeat times.
// Frames that cannot be prepared are skipped and logged.
func (r *Replayer) Replay(ctx context.Context, frames [][]byte) error {
	return r.session(ctx, func() error {
		for i := range r.config.Repeat {
			for _, mpdu := range frames {
				out, err := r.Prepare(mpdu, i)
				if err != nil {
					r.skipped.Add(1)
					zbsniff.Logger().Warn().Err(err).Int("iteration", i).Msg("skipping frame")
					continue
				}
				if err := r.send(ctx, out); err != nil {
					return err
				}
			}
		}
		return nil
	})
}

// Flood sends n beacon requests with consecutive sequence numbers. Every
// coordinator in range answers each one with a beacon.
func (r *Replayer) Flood(ctx context.Context, n int) error {
	return r.session(ctx, func() error {
		for i := range n {
			out, err := ieee802154.PSDU(ieee802154.BeaconRequest(uint8(i)))
			if err != nil {
				return err
			}
			if err := r.send(ctx, out); err != nil {
				return err
			}
		}
		return nil
	})
}

// session wraps fn with the mode switches
func (r *Replayer) session(ctx context.Context, fn func() error) error {
	if r.config.SwitchToTX {
		if err := r.command(zbsniff.CommandModeTX); err != nil {
			return err
		}
		if !sleepCtx(ctx, r.config.ModeSettle) {
			return ctx.Err()
		}
	}

	err := fn()

	if r.config.RestoreSniff {
		if cmdErr := r.command(zbsniff.CommandModeSniff); cmdErr != nil && err == nil {
			err = cmdErr
		}
	}
	return err
}

func (r *Replayer) command(cmd zbsniff.Command) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, err := r.w.Write(zbsniff.EncodeCommand(cmd)); err != nil {
		return fmt.Errorf("failed to send %s: %w", cmd, err)
	}
	return nil
}

// send writes one frame, then waits the configured interval
func (r *Replayer) send(ctx context.Context, frame []byte) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	r.mu.Lock()
	_, err := r.w.Write(frame)
	r.mu.Unlock()
	if err != nil {
		return fmt.Errorf("failed to write frame: %w", err)
	}
	r.sent.Add(1)
	zbsniff.Debugf("replay: sent %d bytes", len(frame))

	if !sleepCtx(ctx, r.config.Interval) {
		return ctx.Err()
	}
	return nil
}

// Stats returns a snapshot of the counters
func (r *Replayer) Stats() Stats {
	return Stats{Sent: r.sent.Load(), Skipped: r.skipped.Load()}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
