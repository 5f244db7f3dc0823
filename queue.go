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
)

// DefaultQueueCapacity is the number of frames buffered between the radio
// and the serial sender.
const DefaultQueueCapacity = 40

// CaptureQueue is a bounded FIFO between the radio receive handler (producer)
// and the sender (consumer). Producers never block: a full queue drops the
// newest frame and counts it.
type CaptureQueue struct {
	frames  chan *CapturedFrame
	dropped atomic.Uint64
}

// NewCaptureQueue creates a queue holding at most capacity frames.
func NewCaptureQueue(capacity int) *CaptureQueue {
	if capacity < 1 {
		capacity = 1
	}
	return &CaptureQueue{
		frames: make(chan *CapturedFrame, capacity),
	}
}

// TryEnqueue offers a frame without blocking. It returns false and increments
// the drop counter when the queue is full.
func (q *CaptureQueue) TryEnqueue(f *CapturedFrame) bool {
	select {
	case q.frames <- f:
		return true
	default:
		q.dropped.Add(1)
		return false
	}
}

// Dequeue blocks until a frame is available or ctx is done.
func (q *CaptureQueue) Dequeue(ctx context.Context) (*CapturedFrame, error) {
	select {
	case f := <-q.frames:
		return f, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// CountDrop records a frame lost before it reached the queue.
func (q *CaptureQueue) CountDrop() {
	q.dropped.Add(1)
}

// Len returns the number of queued frames
func (q *CaptureQueue) Len() int {
	return len(q.frames)
}

// Cap returns the fixed capacity
func (q *CaptureQueue) Cap() int {
	return cap(q.frames)
}

// Dropped returns the number of frames discarded since creation
func (q *CaptureQueue) Dropped() uint64 {
	return q.dropped.Load()
}
