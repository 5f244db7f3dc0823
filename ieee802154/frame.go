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

// Package ieee802154 decodes and builds IEEE 802.15.4 MAC frames and the
// Zigbee NWK layer carried in them.
package ieee802154

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Errors returned by the decoders
var (
	ErrTruncated   = errors.New("frame truncated")
	ErrBadFCS      = errors.New("frame check sequence mismatch")
	ErrNotNWK      = errors.New("frame carries no Zigbee NWK header")
	ErrNotSecured  = errors.New("NWK frame is not secured")
	ErrAuthFailed  = errors.New("message integrity code mismatch")
	ErrInvalidKey  = errors.New("network key must be 16 bytes")
	ErrUnsupported = errors.New("unsupported frame")
)

// MaxPSDUSize is the largest PHY payload, FCS included
const MaxPSDUSize = 127

// FrameType is the MAC frame type (frame control bits 0-2)
type FrameType uint8

const (
	FrameBeacon  FrameType = 0
	FrameData    FrameType = 1
	FrameAck     FrameType = 2
	FrameCommand FrameType = 3
)

func (t FrameType) String() string {
	switch t {
	case FrameBeacon:
		return "Beacon"
	case FrameData:
		return "Data"
	case FrameAck:
		return "Ack"
	case FrameCommand:
		return "Command"
	default:
		return fmt.Sprintf("Reserved(%d)", uint8(t))
	}
}

// AddrMode is a MAC addressing mode
type AddrMode uint8

const (
	AddrNone     AddrMode = 0
	AddrShort    AddrMode = 2
	AddrExtended AddrMode = 3
)

// FrameControl is the decoded 16-bit MAC frame control field
type FrameControl struct {
	Type             FrameType
	DstAddrMode      AddrMode
	SrcAddrMode      AddrMode
	Version          uint8
	Security         bool
	FramePending     bool
	AckRequest       bool
	PANIDCompression bool
}

// ParseFrameControl splits a frame control field (host order) into its bits
func ParseFrameControl(fc uint16) FrameControl {
	return FrameControl{
		Type:             FrameType(fc & 0x07),
		Security:         fc&(1<<3) != 0,
		FramePending:     fc&(1<<4) != 0,
		AckRequest:       fc&(1<<5) != 0,
		PANIDCompression: fc&(1<<6) != 0,
		DstAddrMode:      AddrMode((fc >> 10) & 0x03),
		Version:          uint8((fc >> 12) & 0x03),
		SrcAddrMode:      AddrMode((fc >> 14) & 0x03),
	}
}

// Encode is the inverse of ParseFrameControl
func (c FrameControl) Encode() uint16 {
	fc := uint16(c.Type) & 0x07
	if c.Security {
		fc |= 1 << 3
	}
	if c.FramePending {
		fc |= 1 << 4
	}
	if c.AckRequest {
		fc |= 1 << 5
	}
	if c.PANIDCompression {
		fc |= 1 << 6
	}
	fc |= uint16(c.DstAddrMode&0x03) << 10
	fc |= uint16(c.Version&0x03) << 12
	fc |= uint16(c.SrcAddrMode&0x03) << 14
	return fc
}

// Address is a MAC address in one of the addressing modes
type Address struct {
	Extended uint64
	Short    uint16
	Mode     AddrMode
}

func (a Address) String() string {
	switch a.Mode {
	case AddrShort:
		return fmt.Sprintf("0x%04x", a.Short)
	case AddrExtended:
		return FormatEUI64(a.Extended)
	default:
		return ""
	}
}

// FormatEUI64 renders an extended address the usual colon-separated way
func FormatEUI64(v uint64) string {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	return fmt.Sprintf("%02x:%02x:%02x:%02x:%02x:%02x:%02x:%02x", b[0], b[1], b[2], b[3], b[4], b[5], b[6], b[7])
}

// Frame is a decoded MAC frame
type Frame struct {
	NWK       *NWKHeader
	Payload   []byte // MAC payload; for commands, after the command identifier
	raw       []byte
	Control   FrameControl
	Dst       Address
	Src       Address
	HeaderLen int
	FCS       uint16
	DstPAN    uint16
	SrcPAN    uint16
	Sequence  uint8
	CommandID uint8
	HasFCS    bool
	FCSValid  bool
}

// Raw returns the MPDU the frame was decoded from, without FCS
func (f *Frame) Raw() []byte {
	return f.raw
}

// MAC command identifiers seen while sniffing Zigbee networks
const (
	CmdAssociationRequest  = 0x01
	CmdAssociationResponse = 0x02
	CmdDataRequest         = 0x04
	CmdBeaconRequest       = 0x07
)

// Decode parses an MPDU without FCS. For Data frames a Zigbee NWK header is
// decoded as well when it looks like one; a frame whose NWK header does not
// parse is still returned, with NWK nil.
func Decode(mpdu []byte) (*Frame, error) {
	if len(mpdu) < 2 {
		return nil, fmt.Errorf("%w: %d bytes", ErrTruncated, len(mpdu))
	}

	f := &Frame{
		raw:     mpdu,
		Control: ParseFrameControl(binary.LittleEndian.Uint16(mpdu)),
	}
	off := 2

	if f.Control.Version > 1 {
		return nil, fmt.Errorf("%w: frame version %d", ErrUnsupported, f.Control.Version)
	}

	if len(mpdu) < off+1 {
		return nil, fmt.Errorf("%w: no sequence number", ErrTruncated)
	}
	f.Sequence = mpdu[off]
	off++

	var err error
	if f.Dst.Mode = f.Control.DstAddrMode; f.Dst.Mode != AddrNone {
		if f.DstPAN, off, err = readUint16(mpdu, off, "destination PAN"); err != nil {
			return nil, err
		}
		if f.Dst, off, err = readAddress(mpdu, off, f.Dst.Mode, "destination"); err != nil {
			return nil, err
		}
	}
	if f.Src.Mode = f.Control.SrcAddrMode; f.Src.Mode != AddrNone {
		if f.Control.PANIDCompression && f.Dst.Mode != AddrNone {
			f.SrcPAN = f.DstPAN
		} else if f.SrcPAN, off, err = readUint16(mpdu, off, "source PAN"); err != nil {
			return nil, err
		}
		if f.Src, off, err = readAddress(mpdu, off, f.Src.Mode, "source"); err != nil {
			return nil, err
		}
	}

	if f.Control.Security {
		// MAC-level security is not used by Zigbee PRO networks.
		return nil, fmt.Errorf("%w: MAC security", ErrUnsupported)
	}

	f.HeaderLen = off
	switch f.Control.Type {
	case FrameCommand:
		if len(mpdu) < off+1 {
			return nil, fmt.Errorf("%w: no command identifier", ErrTruncated)
		}
		f.CommandID = mpdu[off]
		f.Payload = mpdu[off+1:]
	case FrameData:
		f.Payload = mpdu[off:]
		if nwk, nwkErr := DecodeNWK(f.Payload); nwkErr == nil {
			f.NWK = nwk
		}
	default:
		f.Payload = mpdu[off:]
	}
	return f, nil
}

// DecodePSDU parses a frame that still carries its 2-byte FCS. A wrong FCS is
// not an error: some radios replace it with RSSI and LQI, so the frame is
// decoded anyway and FCSValid reports the outcome.
func DecodePSDU(psdu []byte) (*Frame, error) {
	if len(psdu) < FCSLen+2 {
		return nil, fmt.Errorf("%w: %d bytes", ErrTruncated, len(psdu))
	}
	mpdu := psdu[:len(psdu)-FCSLen]
	f, err := Decode(mpdu)
	if err != nil {
		return nil, err
	}
	f.HasFCS = true
	f.FCS = binary.LittleEndian.Uint16(psdu[len(mpdu):])
	f.FCSValid = f.FCS == FCS(mpdu)
	return f, nil
}

func readUint16(b []byte, off int, what string) (uint16, int, error) {
	if len(b) < off+2 {
		return 0, off, fmt.Errorf("%w: %s", ErrTruncated, what)
	}
	return binary.LittleEndian.Uint16(b[off:]), off + 2, nil
}

func readUint64(b []byte, off int, what string) (uint64, int, error) {
	if len(b) < off+8 {
		return 0, off, fmt.Errorf("%w: %s", ErrTruncated, what)
	}
	return binary.LittleEndian.Uint64(b[off:]), off + 8, nil
}

func readAddress(b []byte, off int, mode AddrMode, what string) (Address, int, error) {
	a := Address{Mode: mode}
	var err error
	switch mode {
	case AddrShort:
		a.Short, off, err = readUint16(b, off, what+" address")
	case AddrExtended:
		a.Extended, off, err = readUint64(b, off, what+" address")
	default:
		err = fmt.Errorf("%w: reserved %s addressing mode", ErrUnsupported, what)
	}
	return a, off, err
}
