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

// Package sim is a Radio that plays back a capture instead of listening to the
// air. It lets the bridge and the host tools run without hardware.
package sim

import (
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
	"github.com/zbsniff/go-zbsniff"
	"github.com/zbsniff/go-zbsniff/ieee802154"
	"github.com/zbsniff/go-zbsniff/internal/syncutil"
)

// Frame is one frame of a playback script
type Frame struct {
	// PSDU is the frame as received on air, FCS included
	PSDU []byte
	// Delay is the gap before this frame is delivered
	Delay time.Duration
	Info  zbsniff.FrameInfo
}

// Option configures a Radio
type Option func(*Radio)

// WithInterval replaces the recorded gaps with a fixed interval
func WithInterval(d time.Duration) Option {
	return func(r *Radio) {
		r.interval = d
		r.fixedInterval = true
	}
}

// WithLoop restarts playback from the first frame when the script ends
func WithLoop(loop bool) Option {
	return func(r *Radio) { r.loop = loop }
}

// WithRSSI sets the RSSI reported for frames that have none
func WithRSSI(rssi int8) Option {
	return func(r *Radio) { r.rssi = rssi }
}

// Radio implements zbsniff.Radio over a fixed list of frames
type Radio struct {
	handler       zbsniff.ReceiveHandler
	stop          chan struct{}
	done          chan struct{}
	frames        []Frame
	transmitted   [][]byte
	interval      time.Duration
	mu            syncutil.Mutex
	panID         uint16
	shortAddr     uint16
	rssi          int8
	channel       uint8
	enabled       bool
	promiscuous   bool
	rxWhenIdle    bool
	loop          bool
	fixedInterval bool
}

// New creates a radio that plays frames in order once reception starts
func New(frames []Frame, opts ...Option) *Radio {
	r := &Radio{
		frames:     frames,
		rssi:       -60,
		panID:      zbsniff.BroadcastAddr,
		shortAddr:  zbsniff.BroadcastAddr,
		rxWhenIdle: true,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Load reads a pcap capture of 802.15.4 frames (link type 195 or 230).
// Recorded inter-frame gaps are kept unless WithInterval is given.
func Load(rd io.Reader, opts ...Option) (*Radio, error) {
	pr, err := pcapgo.NewReader(rd)
	if err != nil {
		return nil, fmt.Errorf("failed to read pcap header: %w", err)
	}

	withFCS := true
	switch pr.LinkType() {
	case layers.LinkType(ieee802154.LinkTypeWithFCS):
	case layers.LinkType(ieee802154.LinkTypeNoFCS):
		withFCS = false
	default:
		return nil, fmt.Errorf("%w: pcap link type %d", ieee802154.ErrUnsupported, pr.LinkType())
	}

	var frames []Frame
	var last time.Time
	for {
		data, ci, err := pr.ReadPacketData()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read packet %d: %w", len(frames)+1, err)
		}

		psdu := data
		if !withFCS {
			psdu = ieee802154.AppendFCS(data)
		}
		if len(psdu) > ieee802154.MaxPSDUSize {
			zbsniff.Debugf("sim: skipping %d byte packet %d", len(psdu), len(frames)+1)
			continue
		}

		var delay time.Duration
		if !last.IsZero() && ci.Timestamp.After(last) {
			delay = ci.Timestamp.Sub(last)
		}
		last = ci.Timestamp
		frames = append(frames, Frame{
			PSDU:  append([]byte(nil), psdu...),
			Delay: delay,
			Info:  zbsniff.FrameInfo{Timestamp: ci.Timestamp},
		})
	}
	return New(frames, opts...), nil
}

// Open loads a pcap file, see Load
func Open(path string, opts ...Option) (*Radio, error) {
	f, err := os.Open(path) //nolint:gosec // path comes from the command line
	if err != nil {
		return nil, fmt.Errorf("failed to open capture: %w", err)
	}
	defer func() { _ = f.Close() }()
	return Load(f, opts...)
}

func (r *Radio) Enable() error {
	r.mu.Lock()
	r.enabled = true
	r.mu.Unlock()
	return nil
}

func (r *Radio) Disable() error {
	r.stopPlayback()
	r.mu.Lock()
	r.enabled = false
	r.mu.Unlock()
	return nil
}

func (r *Radio) SetChannel(channel uint8) error {
	if err := zbsniff.ValidateChannel(channel); err != nil {
		return err
	}
	r.mu.Lock()
	r.channel = channel
	r.mu.Unlock()
	return nil
}

func (r *Radio) SetPromiscuous(on bool) error {
	r.mu.Lock()
	r.promiscuous = on
	r.mu.Unlock()
	return nil
}

func (r *Radio) SetPANID(id uint16) error {
	r.mu.Lock()
	r.panID = id
	r.mu.Unlock()
	return nil
}

func (r *Radio) SetShortAddress(addr uint16) error {
	r.mu.Lock()
	r.shortAddr = addr
	r.mu.Unlock()
	return nil
}

func (r *Radio) SetRxWhenIdle(on bool) error {
	r.mu.Lock()
	r.rxWhenIdle = on
	r.mu.Unlock()
	if !on {
		r.stopPlayback()
	}
	return nil
}

// Receive starts playback. Calling it while playing is a no-op.
func (r *Radio) Receive() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.enabled {
		return zbsniff.ErrRadioNotEnabled
	}
	if r.stop == nil {
		r.stop = make(chan struct{})
		r.done = make(chan struct{})
		go r.play(r.stop, r.done)
	}
	return nil
}

// Transmit records frame; nothing is sent anywhere
func (r *Radio) Transmit(frame []byte, _ bool) error {
	if len(frame) == 0 {
		return zbsniff.ErrEmptyFrame
	}
	if len(frame) > zbsniff.MaxFrameSize {
		return zbsniff.ErrFrameTooLarge
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.enabled {
		return zbsniff.ErrRadioNotEnabled
	}
	r.transmitted = append(r.transmitted, append([]byte(nil), frame...))
	return nil
}

// Channel returns the channel the radio is tuned to
func (r *Radio) Channel() uint8 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.channel
}

// Transmitted returns every frame passed to Transmit
func (r *Radio) Transmitted() [][]byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([][]byte(nil), r.transmitted...)
}

func (r *Radio) SetReceiveHandler(handler zbsniff.ReceiveHandler) {
	r.mu.Lock()
	r.handler = handler
	r.mu.Unlock()
}

func (r *Radio) Close() error {
	r.stopPlayback()
	return nil
}

// Done is closed when a non-looping playback has delivered every frame
func (r *Radio) Done() <-chan struct{} {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.done == nil {
		closed := make(chan struct{})
		close(closed)
		return closed
	}
	return r.done
}

func (r *Radio) stopPlayback() {
	r.mu.Lock()
	stop, done := r.stop, r.done
	r.stop = nil
	r.mu.Unlock()
	if stop != nil {
		close(stop)
		<-done
	}
}

func (r *Radio) play(stop, done chan struct{}) {
	defer close(done)
	if len(r.frames) == 0 {
		return
	}

	timer := time.NewTimer(0)
	defer timer.Stop()
	<-timer.C

	for {
		for _, f := range r.frames {
			delay := f.Delay
			if r.fixedInterval {
				delay = r.interval
			}
			timer.Reset(delay)
			select {
			case <-stop:
				return
			case <-timer.C:
			}
			r.deliver(f)
		}
		if !r.loop {
			return
		}
	}
}

func (r *Radio) deliver(f Frame) {
	r.mu.Lock()
	handler := r.handler
	accept := r.promiscuous || r.matches(f.PSDU)
	rssi := r.rssi
	r.mu.Unlock()

	if handler == nil || !accept {
		return
	}

	info := f.Info
	if info.RSSI == 0 {
		info.RSSI = rssi
	}
	info.Timestamp = time.Now()

	raw := make([]byte, 0, len(f.PSDU)+1)
	raw = append(raw, byte(len(f.PSDU)))
	handler(append(raw, f.PSDU...), info)
}

// matches applies the destination filtering a real radio does outside
// promiscuous mode; r.mu must be held
func (r *Radio) matches(psdu []byte) bool {
	f, err := ieee802154.DecodePSDU(psdu)
	if err != nil || !f.FCSValid {
		return false
	}
	if f.Control.Type == ieee802154.FrameBeacon || f.Dst.Mode == ieee802154.AddrNone {
		return true
	}
	if f.DstPAN != ieee802154.Broadcast && f.DstPAN != r.panID {
		return false
	}
	if f.Dst.Mode == ieee802154.AddrShort {
		return f.Dst.Short == ieee802154.Broadcast || f.Dst.Short == r.shortAddr
	}
	return true
}

var _ zbsniff.Radio = (*Radio)(nil)
