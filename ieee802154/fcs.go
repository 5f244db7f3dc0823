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
	"encoding/binary"

	"github.com/snksoft/crc"
)

// FCSLen is the size of the frame check sequence
const FCSLen = 2

// pcap link types for raw 802.15.4 frames
const (
	LinkTypeWithFCS = 195
	LinkTypeNoFCS   = 230
)

// fcsParams is CRC-16/KERMIT: the ITU-T polynomial, reflected, zero init.
var fcsParams = &crc.Parameters{
	Width:      16,
	Polynomial: 0x1021,
	ReflectIn:  true,
	ReflectOut: true,
	Init:       0x0000,
	FinalXor:   0x0000,
}

// FCS computes the frame check sequence of an MPDU
func FCS(mpdu []byte) uint16 {
	return uint16(crc.CalculateCRC(fcsParams, mpdu))
}

// AppendFCS returns mpdu followed by its FCS, little-endian as sent on air
func AppendFCS(mpdu []byte) []byte {
	out := make([]byte, len(mpdu), len(mpdu)+FCSLen)
	copy(out, mpdu)
	return binary.LittleEndian.AppendUint16(out, FCS(mpdu))
}

// CheckFCS reports whether the last two bytes of psdu are its valid FCS
func CheckFCS(psdu []byte) bool {
	if len(psdu) < FCSLen {
		return false
	}
	n := len(psdu) - FCSLen
	return binary.LittleEndian.Uint16(psdu[n:]) == FCS(psdu[:n])
}
