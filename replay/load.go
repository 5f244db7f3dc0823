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
	"bufio"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
	"github.com/zbsniff/go-zbsniff/ieee802154"
	"github.com/zbsniff/go-zbsniff/monitor"
)

// Filter selects which loaded frames are replayed
type Filter func(f *ieee802154.Frame) bool

// DataFrames keeps NWK data frames, the ones carrying application commands
func DataFrames(f *ieee802154.Frame) bool {
	return f.Control.Type == ieee802154.FrameData && f.NWK != nil && f.NWK.Control.Type == ieee802154.NWKData
}

// LoadPcap reads the frames of a pcap capture (link type 195 or 230) and
// returns their MPDUs, FCS removed. A nil filter keeps every frame.
func LoadPcap(rd io.Reader, filter Filter) ([][]byte, error) {
	pr, err := pcapgo.NewReader(rd)
	if err != nil {
		return nil, fmt.Errorf("failed to read pcap header: %w", err)
	}

	var withFCS bool
	switch pr.LinkType() {
	case layers.LinkType(ieee802154.LinkTypeWithFCS):
		withFCS = true
	case layers.LinkType(ieee802154.LinkTypeNoFCS):
	default:
		return nil, fmt.Errorf("%w: pcap link type %d", ieee802154.ErrUnsupported, pr.LinkType())
	}

	var frames [][]byte
	for {
		data, _, err := pr.ReadPacketData()
		if errors.Is(err, io.EOF) {
			return frames, nil
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read packet: %w", err)
		}
		if withFCS {
			if len(data) < ieee802154.FCSLen {
				continue
			}
			data = data[:len(data)-ieee802154.FCSLen]
		}
		if keep(data, filter) {
			frames = append(frames, append([]byte(nil), data...))
		}
	}
}

// LoadJSON reads JSON lines written by the monitor's JSON sink. Record data
// carries the FCS (or the radio's status bytes in its place), which is
// removed.
func LoadJSON(rd io.Reader, filter Filter) ([][]byte, error) {
	var frames [][]byte
	sc := bufio.NewScanner(rd)
	line := 0
	for sc.Scan() {
		line++
		if len(sc.Bytes()) == 0 {
			continue
		}
		var rec monitor.RecordJSON
		if err := json.Unmarshal(sc.Bytes(), &rec); err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		data, err := hex.DecodeString(rec.Data)
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		if len(data) <= ieee802154.FCSLen {
			continue
		}
		mpdu := data[:len(data)-ieee802154.FCSLen]
		if keep(mpdu, filter) {
			frames = append(frames, mpdu)
		}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("failed to read records: %w", err)
	}
	return frames, nil
}

func keep(mpdu []byte, filter Filter) bool {
	if filter == nil {
		return true
	}
	f, err := ieee802154.Decode(mpdu)
	return err == nil && filter(f)
}
