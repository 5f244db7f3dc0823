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

package ieee802154

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/lunixbochs/struc"
)

// NWK frame types
const (
	NWKData     = 0
	NWKCommand  = 1
	NWKInterPAN = 3
)

// Security levels and key identifiers of the auxiliary header
const (
	// SecurityLevelENCMIC32 is the level every Zigbee PRO network uses. The
	// level is not transmitted (the field reads 0 on air) and is substituted
	// before the nonce and the authenticated data are built.
	SecurityLevelENCMIC32 = 5

	KeyIDData      = 0
	KeyIDNetwork   = 1
	KeyIDKeyTransp = 2
	KeyIDKeyLoad   = 3
)

// NWKFrameControl is the decoded 16-bit NWK frame control field
type NWKFrameControl struct {
	Type            uint8
	ProtocolVersion uint8
	DiscoverRoute   uint8
	Multicast       bool
	Security        bool
	SourceRoute     bool
	DstIEEE         bool
	SrcIEEE         bool
	EndDevice       bool
}

// ParseNWKFrameControl splits a NWK frame control field into its bits
func ParseNWKFrameControl(fc uint16) NWKFrameControl {
	return NWKFrameControl{
		Type:            uint8(fc & 0x03),
		ProtocolVersion: uint8((fc >> 2) & 0x0F),
		DiscoverRoute:   uint8((fc >> 6) & 0x03),
		Multicast:       fc&(1<<8) != 0,
		Security:        fc&(1<<9) != 0,
		SourceRoute:     fc&(1<<10) != 0,
		DstIEEE:         fc&(1<<11) != 0,
		SrcIEEE:         fc&(1<<12) != 0,
		EndDevice:       fc&(1<<13) != 0,
	}
}

// AuxHeader is the NWK auxiliary security header
type AuxHeader struct {
	Source        uint64
	FrameCounter  uint32
	Control       uint8
	Level         uint8
	KeyID         uint8
	KeySequence   uint8
	ExtendedNonce bool
	// Len is the encoded size in bytes
	Len int
}

// auxFixed is the part of the auxiliary header that is always present
type auxFixed struct {
	Control      uint8
	FrameCounter uint32 `struc:"uint32,little"`
}

// NWKHeader is a decoded Zigbee NWK header
type NWKHeader struct {
	Security         *AuxHeader
	Relays           []uint16
	DstIEEE          uint64
	SrcIEEE          uint64
	Control          NWKFrameControl
	Dst              uint16
	Src              uint16
	Radius           uint8
	Sequence         uint8
	MulticastControl uint8
	RelayIndex       uint8
	// Len is the size of the NWK header proper, auxiliary header excluded
	Len int
}

// PayloadOffset is the offset of the NWK payload (ciphertext when secured)
func (h *NWKHeader) PayloadOffset() int {
	if h.Security != nil {
		return h.Len + h.Security.Len
	}
	return h.Len
}

// DecodeNWK parses the NWK header at the start of a MAC payload
func DecodeNWK(b []byte) (*NWKHeader, error) {
	if len(b) < 8 {
		return nil, fmt.Errorf("%w: %w: %d bytes", ErrNotNWK, ErrTruncated, len(b))
	}

	h := &NWKHeader{Control: ParseNWKFrameControl(binary.LittleEndian.Uint16(b))}
	if h.Control.ProtocolVersion < 1 || h.Control.ProtocolVersion > 3 || h.Control.Type == 2 {
		return nil, fmt.Errorf("%w: protocol version %d, type %d", ErrNotNWK, h.Control.ProtocolVersion, h.Control.Type)
	}

	h.Dst = binary.LittleEndian.Uint16(b[2:])
	h.Src = binary.LittleEndian.Uint16(b[4:])
	h.Radius = b[6]
	h.Sequence = b[7]
	off := 8

	var err error
	if h.Control.DstIEEE {
		if h.DstIEEE, off, err = readUint64(b, off, "NWK destination IEEE address"); err != nil {
			return nil, err
		}
	}
	if h.Control.SrcIEEE {
		if h.SrcIEEE, off, err = readUint64(b, off, "NWK source IEEE address"); err != nil {
			return nil, err
		}
	}
	if h.Control.Multicast {
		if len(b) < off+1 {
			return nil, fmt.Errorf("%w: multicast control", ErrTruncated)
		}
		h.MulticastControl = b[off]
		off++
	}
	if h.Control.SourceRoute {
		if len(b) < off+2 {
			return nil, fmt.Errorf("%w: source route", ErrTruncated)
		}
		count := int(b[off])
		h.RelayIndex = b[off+1]
		off += 2
		if len(b) < off+2*count {
			return nil, fmt.Errorf("%w: relay list", ErrTruncated)
		}
		h.Relays = make([]uint16, count)
		for i := range h.Relays {
			h.Relays[i] = binary.LittleEndian.Uint16(b[off:])
			off += 2
		}
	}
	h.Len = off

	if h.Control.Security {
		aux, err := decodeAux(b[off:])
		if err != nil {
			return nil, err
		}
		h.Security = aux
	}
	return h, nil
}

func decodeAux(b []byte) (*AuxHeader, error) {
	var fixed auxFixed
	if err := struc.Unpack(bytes.NewReader(b), &fixed); err != nil {
		return nil, fmt.Errorf("%w: security header: %w", ErrTruncated, err)
	}

	aux := &AuxHeader{
		Control:       fixed.Control,
		FrameCounter:  fixed.FrameCounter,
		Level:         fixed.Control & 0x07,
		KeyID:         (fixed.Control >> 3) & 0x03,
		ExtendedNonce: fixed.Control&(1<<5) != 0,
	}
	off := 5

	var err error
	if aux.ExtendedNonce {
		if aux.Source, off, err = readUint64(b, off, "security source address"); err != nil {
			return nil, err
		}
	}
	if aux.KeyID == KeyIDNetwork {
		if len(b) < off+1 {
			return nil, fmt.Errorf("%w: key sequence number", ErrTruncated)
		}
		aux.KeySequence = b[off]
		off++
	}
	aux.Len = off
	return aux, nil
}
