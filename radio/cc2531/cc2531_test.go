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

package cc2531

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zbsniff/go-zbsniff"
	"github.com/zbsniff/go-zbsniff/ieee802154"
)

type controlCall struct {
	data    []byte
	rType   uint8
	request uint8
	val     uint16
	idx     uint16
}

type fakeDongle struct {
	packets chan []byte
	calls   []controlCall
	events  *[]string
	mu      sync.Mutex
	power   byte
	closed  bool
}

func newFakeDongle() *fakeDongle {
	return &fakeDongle{packets: make(chan []byte, 8)}
}

func (d *fakeDongle) Control(rType, request uint8, val, idx uint16, data []byte) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls = append(d.calls, controlCall{
		rType: rType, request: request, val: val, idx: idx, data: append([]byte(nil), data...),
	})
	switch request {
	case reqSetPower:
		d.power = byte(val)
	case reqGetPower:
		data[0] = d.power
		return 1, nil
	case reqGetIdent:
		return copy(data, "CC2531 sniffer"), nil
	}
	return len(data), nil
}

func (d *fakeDongle) Close() error {
	d.mu.Lock()
	d.closed = true
	if d.events != nil {
		*d.events = append(*d.events, "device")
	}
	d.mu.Unlock()
	return nil
}

func (d *fakeDongle) ReadContext(ctx context.Context, buf []byte) (int, error) {
	select {
	case p := <-d.packets:
		return copy(buf, p), nil
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

func (d *fakeDongle) requests() []uint8 {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]uint8, 0, len(d.calls))
	for _, c := range d.calls {
		out = append(out, c.request)
	}
	return out
}

// packet builds a bulk transfer around psdu whose FCS is replaced by the
// firmware's RSSI and status bytes
func packet(mpdu []byte, rssi, status byte) []byte {
	n := len(mpdu) + 2
	p := []byte{packetTypeData, byte(n + 5), 0x00, 0x10, 0x20, 0x30, 0x40, byte(n)}
	p = append(p, mpdu...)
	return append(p, rssi, status)
}

func TestParsePacket(t *testing.T) {
	t.Parallel()

	mpdu := ieee802154.BeaconRequest(0x42)

	frame, info, err := ParsePacket(packet(mpdu, 0x20, 0x80|0x6C))
	require.NoError(t, err)
	assert.Equal(t, append([]byte{10}, ieee802154.AppendFCS(mpdu)...), frame)
	assert.Equal(t, int8(0x20-73), info.RSSI)
	assert.Equal(t, uint8(0x6C), info.LQI)

	// Bad FCS: the status bytes are passed through and fail FCS checks later
	frame, _, err = ParsePacket(packet(mpdu, 0x20, 0x6C))
	require.NoError(t, err)
	assert.False(t, ieee802154.CheckFCS(frame[1:]))

	frame, info, err = ParsePacket(packet(mpdu, 0x80, 0x80))
	require.NoError(t, err)
	require.NotNil(t, frame)
	assert.Equal(t, int8(-128), info.RSSI)
}

func TestParsePacket_Errors(t *testing.T) {
	t.Parallel()

	_, _, err := ParsePacket([]byte{0x00, 0x01})
	require.Error(t, err)

	p := packet([]byte{0x02, 0x00, 0x2C}, 0, 0)
	_, _, err = ParsePacket(p[:len(p)-1])
	require.Error(t, err)

	p[7] = 0x01
	_, _, err = ParsePacket(p)
	require.Error(t, err)

	frame, _, err := ParsePacket([]byte{0x01, 0x01, 0x00, 0, 0, 0, 0, 0xC0})
	require.NoError(t, err)
	assert.Nil(t, frame, "non-data packets are skipped")
}

func TestEnableAndChannel(t *testing.T) {
	t.Parallel()

	dongle := newFakeDongle()
	r := New(dongle, dongle)
	require.ErrorIs(t, r.Receive(), zbsniff.ErrRadioNotEnabled)
	require.NoError(t, r.Enable())

	require.ErrorIs(t, r.SetChannel(30), zbsniff.ErrInvalidChannel)
	require.NoError(t, r.SetChannel(25))
	assert.Equal(t, []uint8{reqSetPower, reqGetPower, reqSetChannel, reqSetChannel}, dongle.requests())

	dongle.mu.Lock()
	set := dongle.calls[2]
	dongle.mu.Unlock()
	assert.Equal(t, uint8(reqTypeOut), set.rType)
	assert.Equal(t, []byte{25}, set.data)

	ident, err := r.Ident()
	require.NoError(t, err)
	assert.Equal(t, "CC2531 sniffer", string(ident))
}

func TestReceive(t *testing.T) {
	t.Parallel()

	dongle := newFakeDongle()
	r := New(dongle, dongle)
	got := make(chan []byte, 2)
	r.SetReceiveHandler(func(frame []byte, _ zbsniff.FrameInfo) {
		got <- append([]byte(nil), frame...)
	})

	require.NoError(t, r.Enable())
	require.NoError(t, r.SetPromiscuous(true))
	require.NoError(t, r.Receive())
	require.NoError(t, r.Receive(), "second Receive is a no-op")

	mpdu := []byte{0x02, 0x00, 0x2C}
	dongle.packets <- packet(mpdu, 0x30, 0x80)
	select {
	case frame := <-got:
		assert.Equal(t, append([]byte{5}, ieee802154.AppendFCS(mpdu)...), frame)
	case <-time.After(time.Second):
		t.Fatal("frame not delivered")
	}

	// Retuning restarts capture
	require.NoError(t, r.SetChannel(20))
	reqs := dongle.requests()
	assert.Equal(t, []uint8{reqStop, reqSetChannel, reqSetChannel, reqStart}, reqs[len(reqs)-4:])

	require.NoError(t, r.SetRxWhenIdle(false))
	assert.Equal(t, uint8(reqStop), dongle.requests()[len(dongle.requests())-1])

	require.NoError(t, r.Close())
	assert.True(t, dongle.closed)
}

func TestTransmitNotSupported(t *testing.T) {
	t.Parallel()

	dongle := newFakeDongle()
	r := New(dongle, dongle)
	require.ErrorIs(t, r.Transmit([]byte{0x05, 0x02, 0x00, 0x2C}, false), zbsniff.ErrNotSupported)

	// TX mode configuration must still succeed so the bridge can switch modes
	require.NoError(t, r.SetPromiscuous(false))
	require.NoError(t, r.SetRxWhenIdle(false))
}

func TestCloseOrder(t *testing.T) {
	t.Parallel()

	var events []string
	dongle := newFakeDongle()
	dongle.events = &events
	r := New(dongle, dongle)
	r.release = func() { events = append(events, "interface", "config") }
	r.closeUSB = func() error {
		events = append(events, "context")
		return nil
	}

	require.NoError(t, r.Close())
	assert.Equal(t, []string{"interface", "config", "device", "context"}, events)
}
