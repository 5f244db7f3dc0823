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

// Package cc2531 reads frames from a TI CC2531 USB dongle running the stock
// packet sniffer firmware. The firmware cannot transmit: the radio only
// supports SNIFF mode.
package cc2531

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/gousb"
	"github.com/lunixbochs/struc"
	"github.com/zbsniff/go-zbsniff"
	"github.com/zbsniff/go-zbsniff/ieee802154"
	"github.com/zbsniff/go-zbsniff/internal/syncutil"
)

// USB identifiers of the sniffer firmware
const (
	VendorID  = 0x0451
	ProductID = 0x16AE
)

const (
	reqTypeIn  = 0xC0 // device-to-host, vendor, device
	reqTypeOut = 0x40 // host-to-device, vendor, device

	reqGetIdent   = 0xC0
	reqSetPower   = 0xC5
	reqGetPower   = 0xC6
	reqStart      = 0xD0
	reqStop       = 0xD1
	reqSetChannel = 0xD2

	powerOn      = 0x04
	bulkEndpoint = 3 // 0x83

	packetTypeData = 0x00
	// The firmware reports RSSI with this offset added
	rssiOffset = 73
	// Last byte of a frame: bit 7 is "FCS OK", the rest the correlation value
	statusFCSOK = 0x80

	readTimeout = 200 * time.Millisecond
)

// Device is the control side of the dongle (*gousb.Device satisfies it)
type Device interface {
	Control(rType, request uint8, val, idx uint16, data []byte) (int, error)
	Close() error
}

// Endpoint is the bulk IN endpoint frames arrive on
type Endpoint interface {
	ReadContext(ctx context.Context, buf []byte) (int, error)
}

// packetHeader precedes every frame on the bulk endpoint
type packetHeader struct {
	Type      uint8
	Length    uint16 `struc:"uint16,little"`
	Timestamp uint32 `struc:"uint32,little"`
	FrameLen  uint8
}

const headerSize = 8

// Radio implements zbsniff.Radio for the CC2531 sniffer
type Radio struct {
	dev       Device
	ep        Endpoint
	handler   zbsniff.ReceiveHandler
	release   func() // interface and config, before the device
	closeUSB  func() error
	cancel    context.CancelFunc
	done      chan struct{}
	mu        syncutil.Mutex
	channel   uint8
	enabled   bool
	capturing bool
}

// Open finds the first CC2531 sniffer on the USB bus and claims it
func Open() (*Radio, error) {
	usb := gousb.NewContext()

	dev, err := usb.OpenDeviceWithVIDPID(VendorID, ProductID)
	if err != nil {
		_ = usb.Close()
		return nil, fmt.Errorf("failed to open CC2531: %w", err)
	}
	if dev == nil {
		_ = usb.Close()
		return nil, errors.New("no CC2531 sniffer found")
	}
	if err := dev.SetAutoDetach(true); err != nil {
		zbsniff.Debugf("cc2531: auto detach not available: %v", err)
	}

	cfg, err := dev.Config(1)
	if err != nil {
		_ = dev.Close()
		_ = usb.Close()
		return nil, fmt.Errorf("failed to select USB configuration: %w", err)
	}
	intf, err := cfg.Interface(0, 0)
	if err != nil {
		_ = cfg.Close()
		_ = dev.Close()
		_ = usb.Close()
		return nil, fmt.Errorf("failed to claim USB interface: %w", err)
	}
	ep, err := intf.InEndpoint(bulkEndpoint)
	if err != nil {
		intf.Close()
		_ = cfg.Close()
		_ = dev.Close()
		_ = usb.Close()
		return nil, fmt.Errorf("failed to open bulk endpoint: %w", err)
	}

	r := New(dev, ep)
	r.release = func() {
		intf.Close()
		_ = cfg.Close()
	}
	r.closeUSB = usb.Close
	return r, nil
}

// New wraps an opened dongle
func New(dev Device, ep Endpoint) *Radio {
	return &Radio{dev: dev, ep: ep, channel: zbsniff.DefaultChannel}
}

func (r *Radio) control(op string, request uint8, idx uint16, data []byte) error {
	if _, err := r.dev.Control(reqTypeOut, request, 0, idx, data); err != nil {
		return zbsniff.NewRadioError(op, "cc2531", err)
	}
	return nil
}

// Ident returns the firmware identification block
func (r *Radio) Ident() ([]byte, error) {
	buf := make([]byte, 256)
	n, err := r.dev.Control(reqTypeIn, reqGetIdent, 0, 0, buf)
	if err != nil {
		return nil, zbsniff.NewRadioError("Ident", "cc2531", err)
	}
	return buf[:n], nil
}

// Enable powers the radio and waits for the firmware to confirm it
func (r *Radio) Enable() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, err := r.dev.Control(reqTypeOut, reqSetPower, powerOn, 0, nil); err != nil {
		return zbsniff.NewRadioError("Enable", "cc2531", err)
	}
	status := make([]byte, 1)
	for range 10 {
		n, err := r.dev.Control(reqTypeIn, reqGetPower, 0, 0, status)
		if err != nil {
			return zbsniff.NewRadioError("Enable", "cc2531", err)
		}
		if n == 1 && status[0] == powerOn {
			r.enabled = true
			return nil
		}
		time.Sleep(10 * time.Millisecond)
	}
	return zbsniff.NewRadioError("Enable", "cc2531", zbsniff.ErrRadioTimeout)
}

// Disable stops capture. The firmware has no power-down request.
func (r *Radio) Disable() error {
	err := r.stopCapture()
	r.mu.Lock()
	r.enabled = false
	r.mu.Unlock()
	return err
}

// SetChannel retunes the radio; a running capture is restarted
func (r *Radio) SetChannel(channel uint8) error {
	if err := zbsniff.ValidateChannel(channel); err != nil {
		return err
	}
	r.mu.Lock()
	capturing := r.capturing
	r.mu.Unlock()

	if capturing {
		if err := r.stopCapture(); err != nil {
			return err
		}
	}

	r.mu.Lock()
	if err := r.control("SetChannel", reqSetChannel, 0, []byte{channel}); err != nil {
		r.mu.Unlock()
		return err
	}
	if err := r.control("SetChannel", reqSetChannel, 1, []byte{0x00}); err != nil {
		r.mu.Unlock()
		return err
	}
	r.channel = channel
	r.mu.Unlock()

	if capturing {
		return r.Receive()
	}
	return nil
}

// SetPromiscuous accepts on: the sniffer firmware has no address filter
func (*Radio) SetPromiscuous(bool) error { return nil }

func (*Radio) SetPANID(uint16) error { return nil }

func (*Radio) SetShortAddress(uint16) error { return nil }

// SetRxWhenIdle(false) stops capture, true leaves it to Receive
func (r *Radio) SetRxWhenIdle(on bool) error {
	if on {
		return nil
	}
	return r.stopCapture()
}

// Receive starts capture and the bulk reader
func (r *Radio) Receive() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.enabled {
		return zbsniff.ErrRadioNotEnabled
	}
	if r.capturing {
		return nil
	}
	if err := r.control("Receive", reqStart, 0, nil); err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	r.cancel = cancel
	r.done = make(chan struct{})
	r.capturing = true
	go r.readLoop(ctx, r.done)
	return nil
}

// Transmit is not available with the sniffer firmware
func (*Radio) Transmit([]byte, bool) error {
	return zbsniff.NewRadioError("Transmit", "cc2531", zbsniff.ErrNotSupported)
}

func (r *Radio) SetReceiveHandler(handler zbsniff.ReceiveHandler) {
	r.mu.Lock()
	r.handler = handler
	r.mu.Unlock()
}

// Close stops capture and releases the USB device. The interface and config
// go first: gousb refuses to close a device whose config is still claimed.
func (r *Radio) Close() error {
	_ = r.stopCapture()
	if r.release != nil {
		r.release()
	}
	if err := r.dev.Close(); err != nil {
		return fmt.Errorf("failed to close CC2531: %w", err)
	}
	if r.closeUSB != nil {
		if err := r.closeUSB(); err != nil {
			return fmt.Errorf("failed to close USB context: %w", err)
		}
	}
	return nil
}

func (r *Radio) stopCapture() error {
	r.mu.Lock()
	if !r.capturing {
		r.mu.Unlock()
		return nil
	}
	r.capturing = false
	cancel, done := r.cancel, r.done
	r.mu.Unlock()

	cancel()
	<-done

	r.mu.Lock()
	defer r.mu.Unlock()
	return r.control("Stop", reqStop, 0, nil)
}

func (r *Radio) readLoop(ctx context.Context, done chan struct{}) {
	defer close(done)
	buf := make([]byte, 256)
	for {
		readCtx, cancel := context.WithTimeout(ctx, readTimeout)
		n, err := r.ep.ReadContext(readCtx, buf)
		cancel()
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			if !errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, gousb.TransferTimedOut) {
				zbsniff.Logger().Warn().Err(err).Msg("cc2531 bulk read failed")
				time.Sleep(readTimeout)
			}
			continue
		}

		frame, info, err := ParsePacket(buf[:n])
		if err != nil {
			zbsniff.Debugf("cc2531: %v", err)
			continue
		}
		if frame == nil {
			continue
		}

		r.mu.Lock()
		handler := r.handler
		r.mu.Unlock()
		if handler != nil {
			handler(frame, info)
		}
	}
}

// ParsePacket converts one bulk transfer into a radio frame (length byte
// first, FCS last). It returns a nil frame for non-data packets. The firmware
// replaces the FCS with RSSI and a status byte; when the status reports a
// good FCS the real one is recomputed so the frame decodes as received.
func ParsePacket(p []byte) ([]byte, zbsniff.FrameInfo, error) {
	var hdr packetHeader
	if err := struc.Unpack(bytes.NewReader(p), &hdr); err != nil {
		return nil, zbsniff.FrameInfo{}, fmt.Errorf("short sniffer packet (%d bytes): %w", len(p), err)
	}
	if hdr.Type != packetTypeData {
		return nil, zbsniff.FrameInfo{}, nil
	}

	n := int(hdr.FrameLen)
	if n < ieee802154.FCSLen+1 || n > ieee802154.MaxPSDUSize || headerSize+n > len(p) {
		return nil, zbsniff.FrameInfo{}, fmt.Errorf("invalid frame length %d in %d byte packet", n, len(p))
	}
	psdu := p[headerSize : headerSize+n]
	mpdu := psdu[:n-ieee802154.FCSLen]
	rssi := int8(psdu[n-2])
	status := psdu[n-1]

	frame := make([]byte, 0, n+1)
	frame = append(frame, byte(n))
	if status&statusFCSOK != 0 {
		frame = append(frame, ieee802154.AppendFCS(mpdu)...)
	} else {
		frame = append(frame, psdu...)
	}

	return frame, zbsniff.FrameInfo{
		Timestamp: time.Now(),
		RSSI:      clampRSSI(int(rssi) - rssiOffset),
		LQI:       status &^ statusFCSOK,
	}, nil
}

func clampRSSI(v int) int8 {
	if v < -128 {
		return -128
	}
	return int8(v)
}

var _ zbsniff.Radio = (*Radio)(nil)
