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

package zbsniff

import (
	"context"
	"sync/atomic"

	"github.com/zbsniff/go-zbsniff/internal/syncutil"
)

// ModeChangeFunc is called after a successful mode transition
type ModeChangeFunc func(from, to OperationMode)

// ModeController owns the process-wide operation mode and the radio
// configuration that goes with it. SetMode is the only way to change either.
type ModeController struct {
	radio    Radio
	retry    *RetryConfig
	onChange ModeChangeFunc
	mu       syncutil.Mutex
	mode     atomic.Int32
}

// NewModeController creates a controller in the initial mode. The radio is
// not touched until the first transition.
func NewModeController(radio Radio, initial OperationMode, retry *RetryConfig) *ModeController {
	c := &ModeController{
		radio: radio,
		retry: retry,
	}
	c.mode.Store(int32(initial))
	return c
}

// Mode returns the current mode. Safe from any goroutine, including the
// radio receive handler.
func (c *ModeController) Mode() OperationMode {
	return OperationMode(c.mode.Load())
}

// OnChange installs a transition hook. It is called with the lock held, so it
// must not call SetMode.
func (c *ModeController) OnChange(fn ModeChangeFunc) {
	c.mu.Lock()
	c.onChange = fn
	c.mu.Unlock()
}

// SetMode switches to target and reconfigures the radio. Switching to the
// current mode does nothing.
//
// The new mode is published before the radio is touched so that frames
// arriving mid-transition are classified by the mode being entered. If any
// radio step fails, the previous mode is restored, its configuration is
// re-applied on a best-effort basis and a *ModeError is returned.
func (c *ModeController) SetMode(target OperationMode) error {
	if !target.Valid() {
		return ErrInvalidMode
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	from := c.Mode()
	if from == target {
		return nil
	}

	c.mode.Store(int32(target))

	if step, err := c.apply(target); err != nil {
		c.mode.Store(int32(from))
		if _, rbErr := c.apply(from); rbErr != nil {
			Logger().Warn().Err(rbErr).Str("mode", from.String()).Msg("restoring radio configuration failed")
		}
		return &ModeError{From: from, To: target, Step: step, Err: err}
	}

	if c.onChange != nil {
		c.onChange(from, target)
	}
	return nil
}

type configStep struct {
	fn   func() error
	name string
}

// apply runs the radio steps for mode and returns the name of the failing
// step, if any.
func (c *ModeController) apply(mode OperationMode) (string, error) {
	var steps []configStep
	switch mode {
	case ModeSniff:
		steps = []configStep{
			{name: "SetPromiscuous", fn: func() error { return c.radio.SetPromiscuous(true) }},
			{name: "SetPANID", fn: func() error { return c.radio.SetPANID(BroadcastAddr) }},
			{name: "SetShortAddress", fn: func() error { return c.radio.SetShortAddress(BroadcastAddr) }},
			{name: "SetRxWhenIdle", fn: func() error { return c.radio.SetRxWhenIdle(true) }},
			{name: "Receive", fn: c.radio.Receive},
		}
	case ModeTX:
		steps = []configStep{
			{name: "SetPromiscuous", fn: func() error { return c.radio.SetPromiscuous(false) }},
			{name: "SetRxWhenIdle", fn: func() error { return c.radio.SetRxWhenIdle(false) }},
		}
	}

	for _, step := range steps {
		if err := RetryWithConfig(context.Background(), c.retry, step.fn); err != nil {
			return step.name, err
		}
	}
	return "", nil
}
