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
	"fmt"
	"io"
	"sync/atomic"
	"time"
)

// Port is the serial link to the host: a reader/writer whose reads return
// (0, nil) once the read timeout elapses. go.bug.st/serial.Port satisfies it.
type Port interface {
	io.ReadWriter
	SetReadTimeout(timeout time.Duration) error
}

// Serial input defaults
const (
	DefaultReadTimeout    = 100 * time.Millisecond
	DefaultReadBufferSize = 2048
)

// ReceiverMetrics tracks the receiver loop
type ReceiverMetrics struct {
	Commands       int64 // recognised commands
	Transmitted    int64 // raw frames handed to the radio
	TransmitErrors int64
	Discarded      int64 // non-command input received in SNIFF mode
}

// Receiver reads serial input, runs commands and, in TX mode, transmits
// everything else as a raw frame.
type Receiver struct {
	port        Port
	ctrl        *ModeController
	radio       Radio
	out         *Output
	status      func() Status
	buf         []byte
	timeout     time.Duration
	commands    atomic.Int64
	transmitted atomic.Int64
	txErrors    atomic.Int64
	discarded   atomic.Int64
}

// NewReceiver creates a receiver. status supplies the snapshot reported by
// the STATUS command.
func NewReceiver(
	port Port, ctrl *ModeController, radio Radio, out *Output,
	status func() Status, readTimeout time.Duration, bufSize int,
) *Receiver {
	if readTimeout <= 0 {
		readTimeout = DefaultReadTimeout
	}
	if bufSize < 2 {
		bufSize = DefaultReadBufferSize
	}
	return &Receiver{
		port:    port,
		ctrl:    ctrl,
		radio:   radio,
		out:     out,
		status:  status,
		buf:     make([]byte, bufSize),
		timeout: readTimeout,
	}
}

// Run polls the port until ctx is done or the port fails fatally.
// Cancellation returns nil.
//
// Input is collected until the link stays quiet for the read timeout or the
// buffer is full, and only then dispatched: a serial read returns whatever
// has arrived so far, which may be part of a command or frame.
func (r *Receiver) Run(ctx context.Context) error {
	if err := r.port.SetReadTimeout(r.timeout); err != nil {
		return fmt.Errorf("failed to set serial read timeout: %w", err)
	}

	// One byte stays free, as on the firmware's NUL-terminated buffer.
	limit := len(r.buf) - 1
	fill := 0
	for ctx.Err() == nil {
		n, err := r.port.Read(r.buf[fill:limit])
		if err != nil {
			if IsFatal(err) {
				if ctx.Err() != nil {
					return nil
				}
				return fmt.Errorf("serial read failed: %w", err)
			}
			Debugf("serial read error: %v", err)
			fill = r.flush(fill)
			if !sleepCtx(ctx, r.timeout) {
				return nil
			}
			continue
		}
		fill += n
		if n == 0 || fill == limit {
			fill = r.flush(fill)
		}
	}
	return nil
}

// flush dispatches the first fill bytes of the buffer, if any
func (r *Receiver) flush(fill int) int {
	if fill > 0 {
		r.Dispatch(r.buf[:fill])
	}
	return 0
}

// Dispatch handles one chunk of serial input
func (r *Receiver) Dispatch(chunk []byte) {
	if cmd, ok := ParseCommand(chunk); ok {
		r.runCommand(cmd, chunk)
		return
	}

	if r.ctrl.Mode() != ModeTX {
		// Policy: input in SNIFF mode is never transmitted.
		r.discarded.Add(1)
		Debugf("discarding %d bytes of serial input in SNIFF mode", len(chunk))
		return
	}

	frame := chunk[:min(len(chunk), MaxFrameSize)]
	if err := r.radio.Transmit(frame, false); err != nil {
		r.txErrors.Add(1)
		Logger().Warn().Err(err).Int("len", len(frame)).Msg("transmit failed")
		return
	}
	r.transmitted.Add(1)
}

func (r *Receiver) runCommand(cmd Command, chunk []byte) {
	Logger().Info().Str("command", string(chunk[len(CommandPrefix):])).Msg("command received")

	switch cmd {
	case CommandModeSniff, CommandModeTX:
		r.commands.Add(1)
		target := ModeSniff
		if cmd == CommandModeTX {
			target = ModeTX
		}
		if err := r.ctrl.SetMode(target); err != nil {
			Logger().Error().Err(err).Str("mode", target.String()).Msg("mode switch failed")
			_ = r.out.Printf("%s %v", ErrorPrefix, err)
		}
	case CommandStatus:
		r.commands.Add(1)
		st := r.status()
		Logger().Info().
			Str("mode", st.Mode.String()).
			Int("queued", st.Queued).
			Int("capacity", st.Capacity).
			Uint64("dropped", st.Dropped).
			Msg("status")
		if err := r.out.Printf("%s %s", StatusPrefix, st); err != nil {
			Logger().Warn().Err(err).Msg("status report lost")
		}
	case CommandUnknown:
		Debugf("ignoring unknown command %q", chunk)
	}
}

// GetMetrics returns a snapshot of the receiver counters
func (r *Receiver) GetMetrics() ReceiverMetrics {
	return ReceiverMetrics{
		Commands:       r.commands.Load(),
		Transmitted:    r.transmitted.Load(),
		TransmitErrors: r.txErrors.Load(),
		Discarded:      r.discarded.Load(),
	}
}

// sleepCtx waits for d and reports false if ctx ended first
func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
