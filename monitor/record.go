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

// Package monitor is the host side of the bridge's serial protocol. It parses
// capture records and status lines, decodes the frames and hands them to
// sinks.
package monitor

import (
	"encoding/hex"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/zbsniff/go-zbsniff"
	"github.com/zbsniff/go-zbsniff/ieee802154"
)

var (
	ErrNotRecord = errors.New("not a capture record")
	ErrNotStatus = errors.New("not a status line")
)

// Record is one parsed capture record
type Record struct {
	Time time.Time
	// Frame is the decoded frame, nil when Data does not decode
	Frame *ieee802154.Frame
	// Data is the frame content as the radio delivered it, FCS included
	Data []byte
	// Plaintext is the decrypted NWK payload when a network key is known
	Plaintext []byte
	Seq       uint32
	Len       int
	RSSI      int8
}

var recordRe = regexp.MustCompile(`^\[\s*(\d+)\|RSSI:\s*(-?\d+)dB\|\s*(\d+)B\] ?([0-9A-Fa-f]*)$`)

// ParseRecord parses a line written by the bridge's sender. Trailing CR/LF is
// ignored. The frame is not decoded, see Decode.
func ParseRecord(line string) (Record, error) {
	m := recordRe.FindStringSubmatch(strings.TrimRight(line, "\r\n"))
	if m == nil {
		return Record{}, ErrNotRecord
	}

	seq, err := strconv.ParseUint(m[1], 10, 32)
	if err != nil {
		return Record{}, fmt.Errorf("%w: sequence: %w", ErrNotRecord, err)
	}
	rssi, err := strconv.ParseInt(m[2], 10, 8)
	if err != nil {
		return Record{}, fmt.Errorf("%w: RSSI: %w", ErrNotRecord, err)
	}
	n, err := strconv.Atoi(m[3])
	if err != nil {
		return Record{}, fmt.Errorf("%w: length: %w", ErrNotRecord, err)
	}
	data, err := hex.DecodeString(m[4])
	if err != nil {
		return Record{}, fmt.Errorf("%w: payload: %w", ErrNotRecord, err)
	}
	if len(data) != n {
		return Record{}, fmt.Errorf("%w: length %d but %d payload bytes", ErrNotRecord, n, len(data))
	}

	return Record{
		Time: time.Now(),
		Seq:  uint32(seq),
		RSSI: int8(rssi),
		Len:  n,
		Data: data,
	}, nil
}

// Decode fills r.Frame, and r.Plaintext when key is set and the frame is a
// secured NWK frame. Frames that do not decode are left with Frame nil.
func (r *Record) Decode(key []byte) {
	f, err := ieee802154.DecodePSDU(r.Data)
	if err != nil {
		zbsniff.Debugf("record %d: %v", r.Seq, err)
		return
	}
	r.Frame = f

	if len(key) == 0 || f.NWK == nil || f.NWK.Security == nil {
		return
	}
	plaintext, err := ieee802154.Open(key, f)
	if err != nil {
		zbsniff.Debugf("record %d: %v", r.Seq, err)
		return
	}
	r.Plaintext = plaintext
}

// ParseStatus parses a "#STATUS# mode=SNIFF queue=3/40 dropped=0" line.
// Only the fields carried by the line are set.
func ParseStatus(line string) (zbsniff.Status, error) {
	line = strings.TrimRight(line, "\r\n")
	rest, ok := strings.CutPrefix(line, zbsniff.StatusPrefix)
	if !ok {
		return zbsniff.Status{}, ErrNotStatus
	}

	var st zbsniff.Status
	var mode string
	n, err := fmt.Sscanf(strings.TrimSpace(rest), "mode=%s queue=%d/%d dropped=%d",
		&mode, &st.Queued, &st.Capacity, &st.Dropped)
	if err != nil || n != 4 {
		return zbsniff.Status{}, fmt.Errorf("%w: %q", ErrNotStatus, rest)
	}
	if st.Mode, err = zbsniff.ParseMode(mode); err != nil {
		return zbsniff.Status{}, fmt.Errorf("%w: %w", ErrNotStatus, err)
	}
	return st, nil
}
