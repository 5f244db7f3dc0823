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
	"errors"
	"sync/atomic"
)

// SenderMetrics tracks the sender loop
type SenderMetrics struct {
	RecordsWritten int64
	WriteErrors    int64
}

// Sender is the single consumer of the capture queue. It renders each frame
// as a capture record and writes it through the shared Output.
type Sender struct {
	queue   *CaptureQueue
	out     *Output
	release func(*CapturedFrame)
	seq     SequenceSource
	written atomic.Int64
	errors  atomic.Int64
}

// NewSender creates a sender. release is called with every frame once it has
// been written (or failed to be); it may be nil.
func NewSender(queue *CaptureQueue, out *Output, seq SequenceSource, release func(*CapturedFrame)) *Sender {
	if release == nil {
		release = func(*CapturedFrame) {}
	}
	return &Sender{
		queue:   queue,
		out:     out,
		seq:     seq,
		release: release,
	}
}

// Run drains the queue until ctx is done or the output fails fatally.
// Cancellation returns nil.
func (s *Sender) Run(ctx context.Context) error {
	for {
		f, err := s.queue.Dequeue(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return nil
			}
			return err
		}

		if err := s.send(f); err != nil {
			s.errors.Add(1)
			if IsFatal(err) {
				return err
			}
			Logger().Warn().Err(err).Int("len", f.Len()).Msg("capture record lost")
		} else {
			s.written.Add(1)
		}
	}
}

func (s *Sender) send(f *CapturedFrame) error {
	defer s.release(f)
	seq := s.seq()
	return s.out.Emit(func(dst []byte) []byte {
		return AppendRecord(dst, seq, f)
	})
}

// GetMetrics returns a snapshot of the sender counters
func (s *Sender) GetMetrics() SenderMetrics {
	return SenderMetrics{
		RecordsWritten: s.written.Load(),
		WriteErrors:    s.errors.Load(),
	}
}
