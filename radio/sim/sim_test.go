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

package sim

import (
	"bytes"
	"context"
	"encoding/hex"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zbsniff/go-zbsniff"
	"github.com/zbsniff/go-zbsniff/ieee802154"
	virt "github.com/zbsniff/go-zbsniff/internal/testing"
)

type collector struct {
	frames [][]byte
	infos  []zbsniff.FrameInfo
	mu     sync.Mutex
}

func (c *collector) handle(frame []byte, info zbsniff.FrameInfo) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.frames = append(c.frames, append([]byte(nil), frame...))
	c.infos = append(c.infos, info)
}

func (c *collector) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.frames)
}

func writePcap(t *testing.T, linkType layers.LinkType, packets ...[]byte) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	w := pcapgo.NewWriter(&buf)
	require.NoError(t, w.WriteFileHeader(65535, linkType))
	start := time.Unix(1700000000, 0)
	for i, p := range packets {
		ci := gopacket.CaptureInfo{
			Timestamp:     start.Add(time.Duration(i) * 5 * time.Millisecond),
			CaptureLength: len(p),
			Length:        len(p),
		}
		require.NoError(t, w.WritePacket(ci, p))
	}
	return &buf
}

func play(t *testing.T, r *Radio) *collector {
	t.Helper()
	c := &collector{}
	r.SetReceiveHandler(c.handle)
	require.NoError(t, r.Enable())
	require.NoError(t, r.SetPromiscuous(true))
	require.NoError(t, r.Receive())
	select {
	case <-r.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("playback did not finish")
	}
	return c
}

func TestLoad_WithFCS(t *testing.T) {
	t.Parallel()

	beacon := ieee802154.AppendFCS(ieee802154.BeaconRequest(1))
	ack := ieee802154.AppendFCS([]byte{0x02, 0x00, 0x2C})
	r, err := Load(writePcap(t, layers.LinkType(ieee802154.LinkTypeWithFCS), beacon, ack))
	require.NoError(t, err)

	c := play(t, r)
	require.Equal(t, 2, c.count())
	assert.Equal(t, append([]byte{byte(len(beacon))}, beacon...), c.frames[0])
	assert.Equal(t, append([]byte{byte(len(ack))}, ack...), c.frames[1])
	assert.Equal(t, int8(-60), c.infos[0].RSSI)
	assert.Equal(t, 5*time.Millisecond, r.frames[1].Delay)
}

func TestLoad_NoFCSAppendsIt(t *testing.T) {
	t.Parallel()

	r, err := Load(writePcap(t, layers.LinkType(ieee802154.LinkTypeNoFCS), []byte{0x02, 0x00, 0x2C}),
		WithInterval(0), WithRSSI(-42))
	require.NoError(t, err)

	c := play(t, r)
	require.Equal(t, 1, c.count())
	assert.Equal(t, []byte{0x05, 0x02, 0x00, 0x2C, 0xd6, 0x5e}, c.frames[0])
	assert.Equal(t, int8(-42), c.infos[0].RSSI)
}

func TestLoad_RejectsOtherLinkTypes(t *testing.T) {
	t.Parallel()

	_, err := Load(writePcap(t, layers.LinkTypeEthernet, []byte{0x01}))
	require.ErrorIs(t, err, ieee802154.ErrUnsupported)

	_, err = Load(bytes.NewReader([]byte("not a pcap")))
	require.Error(t, err)
}

func TestFiltering(t *testing.T) {
	t.Parallel()

	// Data frames to PAN 0x1900: one for 0x6e14, one broadcast, one for 0x0001
	toNode := ieee802154.AppendFCS([]byte{0x41, 0x88, 0x01, 0x00, 0x19, 0x14, 0x6e, 0x00, 0x00, 0xAA})
	toAll := ieee802154.AppendFCS([]byte{0x41, 0x88, 0x02, 0x00, 0x19, 0xFF, 0xFF, 0x00, 0x00, 0xBB})
	toOther := ieee802154.AppendFCS([]byte{0x41, 0x88, 0x03, 0x00, 0x19, 0x01, 0x00, 0x00, 0x00, 0xCC})
	frames := []Frame{{PSDU: toNode}, {PSDU: toAll}, {PSDU: toOther}}

	r := New(frames)
	c := &collector{}
	r.SetReceiveHandler(c.handle)
	require.NoError(t, r.Enable())
	require.NoError(t, r.SetPANID(0x1900))
	require.NoError(t, r.SetShortAddress(0x6e14))
	require.NoError(t, r.Receive())
	<-r.Done()
	assert.Equal(t, 2, c.count())

	r = New(frames)
	c = play(t, r)
	assert.Equal(t, 3, c.count(), "promiscuous mode accepts everything")
}

func TestLoopAndStop(t *testing.T) {
	t.Parallel()

	r := New([]Frame{{PSDU: ieee802154.AppendFCS([]byte{0x02, 0x00, 0x01})}},
		WithLoop(true), WithInterval(time.Millisecond))
	c := &collector{}
	r.SetReceiveHandler(c.handle)
	require.NoError(t, r.Enable())
	require.NoError(t, r.SetPromiscuous(true))
	require.NoError(t, r.Receive())

	require.Eventually(t, func() bool { return c.count() >= 3 }, time.Second, time.Millisecond)
	require.NoError(t, r.Disable())
	n := c.count()
	time.Sleep(10 * time.Millisecond)
	assert.Equal(t, n, c.count())
}

func TestTransmitAndConfig(t *testing.T) {
	t.Parallel()

	r := New(nil)
	require.ErrorIs(t, r.Receive(), zbsniff.ErrRadioNotEnabled)
	require.ErrorIs(t, r.Transmit([]byte{0x03, 0x02, 0x00}, false), zbsniff.ErrRadioNotEnabled)
	require.NoError(t, r.Enable())

	require.ErrorIs(t, r.SetChannel(27), zbsniff.ErrInvalidChannel)
	require.NoError(t, r.SetChannel(20))
	assert.Equal(t, uint8(20), r.Channel())

	require.ErrorIs(t, r.Transmit(nil, false), zbsniff.ErrEmptyFrame)
	require.ErrorIs(t, r.Transmit(make([]byte, 128), false), zbsniff.ErrFrameTooLarge)
	require.NoError(t, r.Transmit([]byte{0x03, 0x02, 0x00}, true))
	assert.Equal(t, [][]byte{{0x03, 0x02, 0x00}}, r.Transmitted())
	require.NoError(t, r.Close())
}

// The simulated radio drives a full bridge the way hardware would.
func TestDrivesBridge(t *testing.T) {
	t.Parallel()

	psdu := ieee802154.AppendFCS(ieee802154.BeaconRequest(7))
	r := New([]Frame{{PSDU: psdu, Info: zbsniff.FrameInfo{RSSI: -51}}})
	port := virt.NewVirtualPort()
	b, err := zbsniff.NewBridge(r, port,
		zbsniff.WithReadTimeout(5*time.Millisecond),
		zbsniff.WithSequenceSource(func() uint32 { return 9 }))
	require.NoError(t, err)
	require.NoError(t, b.Start(context.Background()))
	defer func() { _ = b.Close() }()

	require.True(t, port.WaitForLines(1, 2*time.Second))
	assert.Equal(t, "[     9|RSSI: -51dB| 10B] "+strings.ToUpper(hex.EncodeToString(psdu)), port.Lines()[0])
}
