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
	"time"
)

// MaxFrameSize bounds a captured payload, length byte included. A maximum
// size PSDU (127 bytes behind its length byte) loses its last FCS byte; such
// frames are counted in Status.Truncated.
const MaxFrameSize = 127

// FrameInfo carries the metadata a radio reports with a received frame.
type FrameInfo struct {
	Timestamp time.Time
	RSSI      int8 // dBm
	LQI       uint8
}

// CapturedFrame is a received frame waiting to be written out.
//
// Payload[0] is the PHY length byte as delivered by the radio; the frame
// content is Payload[1:]. A frame is not modified once it has been queued.
type CapturedFrame struct {
	Payload []byte
	RSSI    int8
	buf     [MaxFrameSize]byte
}

// NewCapturedFrame copies raw into a new frame. See (*CapturedFrame).fill.
func NewCapturedFrame(raw []byte, rssi int8) *CapturedFrame {
	f := &CapturedFrame{}
	f.fill(raw, rssi)
	return f
}

// fill copies raw[0]+1 bytes (the length byte plus the content it announces),
// clipped to what raw actually holds and to MaxFrameSize. It reports whether
// the MaxFrameSize clip cut announced bytes that raw did hold.
func (f *CapturedFrame) fill(raw []byte, rssi int8) (truncated bool) {
	n := 0
	if len(raw) > 0 {
		avail := min(int(raw[0])+1, len(raw))
		n = min(avail, MaxFrameSize)
		truncated = n < avail
	}
	copy(f.buf[:], raw[:n])
	f.Payload = f.buf[:n]
	f.RSSI = rssi
	return truncated
}

// Len returns the content length, i.e. the payload without its length byte.
func (f *CapturedFrame) Len() int {
	if len(f.Payload) == 0 {
		return 0
	}
	return len(f.Payload) - 1
}

// Content returns the payload without its length byte.
func (f *CapturedFrame) Content() []byte {
	if len(f.Payload) == 0 {
		return nil
	}
	return f.Payload[1:]
}

// framePool is a fixed free list of frames. The receive handler takes from it
// without allocating; an empty pool is the equivalent of a failed allocation.
type framePool struct {
	free chan *CapturedFrame
}

func newFramePool(size int) *framePool {
	p := &framePool{free: make(chan *CapturedFrame, size)}
	for range size {
		p.free <- &CapturedFrame{}
	}
	return p
}

// get returns a free frame or nil when the pool is exhausted.
func (p *framePool) get() *CapturedFrame {
	select {
	case f := <-p.free:
		return f
	default:
		return nil
	}
}

// put hands a frame back. Frames not owned by the pool are dropped.
func (p *framePool) put(f *CapturedFrame) {
	if f == nil {
		return
	}
	f.Payload = nil
	select {
	case p.free <- f:
	default:
	}
}
