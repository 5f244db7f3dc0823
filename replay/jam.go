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


package replay

import (
	"context"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/zbsniff/go-zbsniff"
	"github.com/zbsniff/go-zbsniff/ieee802154"
)

// Jamming frame sizes, in MPDU bytes
const (
	DefaultJamSize = 32
	MinJamSize     = 3
	MaxJamSize     = ieee802154.MaxPSDUSize - ieee802154.FCSLen
)

// JamFrame returns the serial form of a frame of size random bytes
func (r *Replayer) JamFrame(size int) ([]byte, error) {
	if size < MinJamSize || size > MaxJamSize {
		return nil, fmt.Errorf("%w: jamming frame size %d not in [%d, %d]",
			zbsniff.ErrInvalidOptions, size, MinJamSize, MaxJamSize)
	}
	mpdu := make([]byte, size)
	r.mu.Lock()
	for i := range mpdu {
		mpdu[i] = byte(r.rng.Uint32())
	}
	r.mu.Unlock()
	return ieee802154.PSDU(mpdu)
}

// Jam keeps the channel busy with random frames, one every config.Interval,
// until duration elapses. A zero duration jams until ctx is done, which then
// is not an error.
func (r *Replayer) Jam(ctx context.Context, duration time.Duration, size int) error {
	if _, err := r.JamFrame(size); err != nil {
		return err
	}
	jamCtx, cancel := ctx, context.CancelFunc(func() {})
	if duration > 0 {
		jamCtx, cancel = context.WithTimeout(ctx, duration)
	}
	defer cancel()

	zbsniff.Logger().Info().Dur("duration", duration).Int("size", size).Msg("jamming")
	return r.session(ctx, func() error {
		for {
			out, err := r.JamFrame(size)
			if err != nil {
				return err
			}
			if err := r.send(jamCtx, out); err != nil {
				if jamCtx.Err() != nil && (duration <= 0 || ctx.Err() == nil) {
					return nil
				}
				return err
			}
		}
	})
}

func newRand(seed uint64) *rand.Rand {
	if seed == 0 {
		seed = rand.Uint64()
	}
	return rand.New(rand.NewPCG(seed, seed^0x9E3779B97F4A7C15)) //nolint:gosec // noise, not secrets
}
