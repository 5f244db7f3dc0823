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
	"fmt"
)

// Broadcast is the short address and PAN ID matching every device
const Broadcast = 0xFFFF

// BeaconRequest builds the MPDU (without FCS) of a MAC beacon request:
// broadcast to PAN 0xFFFF, no source address.
func BeaconRequest(seq uint8) []byte {
	fc := FrameControl{
		Type:        FrameCommand,
		DstAddrMode: AddrShort,
		SrcAddrMode: AddrNone,
	}
	b := binary.LittleEndian.AppendUint16(make([]byte, 0, 8), fc.Encode())
	b = append(b, seq)
	b = binary.LittleEndian.AppendUint16(b, Broadcast)
	b = binary.LittleEndian.AppendUint16(b, Broadcast)
	return append(b, CmdBeaconRequest)
}

// PSDU prefixes an MPDU with the PHY length byte expected by radio transmit
// calls. The length counts the FCS the radio appends; the FCS itself is not
// included.
func PSDU(mpdu []byte) ([]byte, error) {
	n := len(mpdu) + FCSLen
	if n > MaxPSDUSize {
		return nil, fmt.Errorf("%w: %d byte frame exceeds %d", ErrUnsupported, n, MaxPSDUSize)
	}
	out := make([]byte, 0, len(mpdu)+1)
	out = append(out, byte(n))
	return append(out, mpdu...), nil
}

// IncrementSequence returns a copy of mpdu with the MAC sequence number
// advanced by n (mod 256). When the frame carries a NWK header its sequence
// number is advanced too, so replayed frames are not dropped as duplicates.
func IncrementSequence(mpdu []byte, n uint8) ([]byte, error) {
	f, err := Decode(mpdu)
	if err != nil {
		return nil, err
	}
	out := append([]byte(nil), mpdu...)
	out[2] += n
	if f.NWK != nil {
		out[f.HeaderLen+7] += n
	}
	return out, nil
}

// IncrementFrameCounter returns a copy of mpdu with the NWK security frame
// counter advanced by n. The MIC is not recomputed: receivers that check it
// reject the frame unless it is resealed with the network key (see Seal).
func IncrementFrameCounter(mpdu []byte, n uint32) ([]byte, error) {
	f, err := Decode(mpdu)
	if err != nil {
		return nil, err
	}
	if f.NWK == nil {
		return nil, ErrNotNWK
	}
	if f.NWK.Security == nil {
		return nil, ErrNotSecured
	}

	out := append([]byte(nil), mpdu...)
	at := f.HeaderLen + f.NWK.Len + 1
	binary.LittleEndian.PutUint32(out[at:], f.NWK.Security.FrameCounter+n)
	return out, nil
}
