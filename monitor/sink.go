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

package monitor

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
	"github.com/zbsniff/go-zbsniff/ieee802154"
)

// Sink receives every decoded record. Sinks are called from the monitor's
// read goroutine only.
type Sink interface {
	WriteRecord(r *Record) error
	Close() error
}

// FrameSummary is the JSON form of a decoded frame
type FrameSummary struct {
	NWK      *NWKSummary `json:"nwk,omitempty"`
	Type     string      `json:"type"`
	Src      string      `json:"src,omitempty"`
	Dst      string      `json:"dst,omitempty"`
	Command  *uint8      `json:"command,omitempty"`
	PAN      uint16      `json:"pan"`
	Sequence uint8       `json:"seq"`
	FCSValid bool        `json:"fcs_valid"`
}

// NWKSummary is the JSON form of a Zigbee NWK header
type NWKSummary struct {
	SrcIEEE      string  `json:"src_ieee,omitempty"`
	DstIEEE      string  `json:"dst_ieee,omitempty"`
	FrameCounter *uint32 `json:"frame_counter,omitempty"`
	Src          uint16  `json:"src"`
	Dst          uint16  `json:"dst"`
	Radius       uint8   `json:"radius"`
	Sequence     uint8   `json:"seq"`
	Secured      bool    `json:"secured"`
}

// RecordJSON is the JSON form of a record written by JSONSink and ZMQSink
type RecordJSON struct {
	Time      time.Time     `json:"time"`
	Frame     *FrameSummary `json:"frame,omitempty"`
	Data      string        `json:"data"`
	Plaintext string        `json:"plaintext,omitempty"`
	Seq       uint32        `json:"seq"`
	Len       int           `json:"len"`
	RSSI      int8          `json:"rssi"`
}

// JSON converts r for encoding
func (r *Record) JSON() RecordJSON {
	out := RecordJSON{
		Time: r.Time,
		Seq:  r.Seq,
		Len:  r.Len,
		RSSI: r.RSSI,
		Data: hex.EncodeToString(r.Data),
	}
	if len(r.Plaintext) > 0 {
		out.Plaintext = hex.EncodeToString(r.Plaintext)
	}
	if f := r.Frame; f != nil {
		s := &FrameSummary{
			Type:     f.Control.Type.String(),
			Src:      f.Src.String(),
			Dst:      f.Dst.String(),
			PAN:      f.DstPAN,
			Sequence: f.Sequence,
			FCSValid: f.FCSValid,
		}
		if f.Control.Type == ieee802154.FrameCommand {
			id := f.CommandID
			s.Command = &id
		}
		if h := f.NWK; h != nil {
			n := &NWKSummary{
				Src:      h.Src,
				Dst:      h.Dst,
				Radius:   h.Radius,
				Sequence: h.Sequence,
				Secured:  h.Security != nil,
			}
			if h.Control.SrcIEEE {
				n.SrcIEEE = ieee802154.FormatEUI64(h.SrcIEEE)
			}
			if h.Control.DstIEEE {
				n.DstIEEE = ieee802154.FormatEUI64(h.DstIEEE)
			}
			if h.Security != nil {
				fc := h.Security.FrameCounter
				n.FrameCounter = &fc
			}
			s.NWK = n
		}
		out.Frame = s
	}
	return out
}

// JSONSink writes one JSON object per line
type JSONSink struct {
	w   io.Writer
	enc *json.Encoder
}

// NewJSONSink writes records to w. Close closes w if it is an io.Closer.
func NewJSONSink(w io.Writer) *JSONSink {
	return &JSONSink{w: w, enc: json.NewEncoder(w)}
}

func (s *JSONSink) WriteRecord(r *Record) error {
	if err := s.enc.Encode(r.JSON()); err != nil {
		return fmt.Errorf("failed to write JSON record: %w", err)
	}
	return nil
}

func (s *JSONSink) Close() error {
	return closeIfCloser(s.w)
}

// PcapSink writes frames in pcap format, link type IEEE 802.15.4 with FCS,
// for Wireshark
type PcapSink struct {
	w  io.Writer
	pw *pcapgo.Writer
}

// NewPcapSink writes the pcap file header to w
func NewPcapSink(w io.Writer) (*PcapSink, error) {
	pw := pcapgo.NewWriter(w)
	if err := pw.WriteFileHeader(ieee802154.MaxPSDUSize, layers.LinkType(ieee802154.LinkTypeWithFCS)); err != nil {
		return nil, fmt.Errorf("failed to write pcap header: %w", err)
	}
	return &PcapSink{w: w, pw: pw}, nil
}

func (s *PcapSink) WriteRecord(r *Record) error {
	ci := gopacket.CaptureInfo{
		Timestamp:     r.Time,
		CaptureLength: len(r.Data),
		Length:        len(r.Data),
	}
	if err := s.pw.WritePacket(ci, r.Data); err != nil {
		return fmt.Errorf("failed to write pcap packet: %w", err)
	}
	return nil
}

func (s *PcapSink) Close() error {
	return closeIfCloser(s.w)
}

func closeIfCloser(w io.Writer) error {
	if c, ok := w.(io.Closer); ok {
		if err := c.Close(); err != nil {
			return fmt.Errorf("failed to close sink: %w", err)
		}
	}
	return nil
}
