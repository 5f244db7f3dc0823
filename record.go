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
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/zbsniff/go-zbsniff/internal/syncutil"
)

// SequenceWrap is the modulus of the record sequence field
const SequenceWrap = 1_000_000

// SequenceSource yields the value of a record's sequence field.
type SequenceSource func() uint32

// TickSequence returns a source counting milliseconds since start, wrapped at
// SequenceWrap. The value only gives coarse ordering: records written within
// the same millisecond share it, and it wraps roughly every 16 minutes.
func TickSequence(start time.Time) SequenceSource {
	return func() uint32 {
		return uint32(time.Since(start).Milliseconds() % SequenceWrap)
	}
}

const hexDigits = "0123456789ABCDEF"

// AppendRecord renders f as a capture record and appends it to dst:
//
//	[<seq %6d>|RSSI:<rssi %4d>dB|<len %3d>B] <HEX>\r\n
//
// HEX is the uppercase encoding of the frame content (the length byte is not
// printed) and len is the content length.
func AppendRecord(dst []byte, seq uint32, f *CapturedFrame) []byte {
	dst = append(dst, '[')
	dst = appendPadded(dst, strconv.AppendUint(nil, uint64(seq%SequenceWrap), 10), 6)
	dst = append(dst, "|RSSI:"...)
	dst = appendPadded(dst, strconv.AppendInt(nil, int64(f.RSSI), 10), 4)
	dst = append(dst, "dB|"...)
	dst = appendPadded(dst, strconv.AppendInt(nil, int64(f.Len()), 10), 3)
	dst = append(dst, "B] "...)
	for _, b := range f.Content() {
		dst = append(dst, hexDigits[b>>4], hexDigits[b&0x0F])
	}
	return append(dst, '\r', '\n')
}

// FormatRecord is AppendRecord into a new string
func FormatRecord(seq uint32, f *CapturedFrame) string {
	return string(AppendRecord(nil, seq, f))
}

// appendPadded right-aligns num in a field of width, like %*d
func appendPadded(dst, num []byte, width int) []byte {
	for i := len(num); i < width; i++ {
		dst = append(dst, ' ')
	}
	return append(dst, num...)
}

// Output serializes everything written to the serial port. The lock covers
// rendering as well as writing, so one record or status line never
// interleaves with another.
type Output struct {
	w   io.Writer
	buf []byte
	mu  syncutil.Mutex
}

// NewOutput wraps w
func NewOutput(w io.Writer) *Output {
	return &Output{
		w:   w,
		buf: make([]byte, 0, MaxFrameSize*3+50),
	}
}

// Emit renders into the shared buffer under the lock and writes the result
// in one call.
func (o *Output) Emit(render func(dst []byte) []byte) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	o.buf = render(o.buf[:0])
	if len(o.buf) == 0 {
		return nil
	}
	n, err := o.w.Write(o.buf)
	if err != nil {
		return fmt.Errorf("serial write failed: %w", err)
	}
	if n != len(o.buf) {
		return fmt.Errorf("serial write failed: %w", io.ErrShortWrite)
	}
	return nil
}

// Printf emits a formatted line terminated by CRLF
func (o *Output) Printf(format string, args ...any) error {
	return o.Emit(func(dst []byte) []byte {
		dst = fmt.Appendf(dst, format, args...)
		return append(dst, '\r', '\n')
	})
}
