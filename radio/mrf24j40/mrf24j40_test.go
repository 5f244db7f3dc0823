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

package mrf24j40

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zbsniff/go-zbsniff"
	"github.com/zbsniff/go-zbsniff/ieee802154"
	"periph.io/x/conn/v3"
	"periph.io/x/conn/v3/spi"
)

// fakeChip is a register-level model of the MRF24J40 behind an spi.Conn
type fakeChip struct {
	sent   [][]byte
	short  [64]byte
	long   [1024]byte
	mu     sync.Mutex
	txFail bool
}

func (*fakeChip) String() string { return "fake-mrf24j40" }

func (*fakeChip) Duplex() conn.Duplex { return conn.Full }

func (*fakeChip) TxPackets([]spi.Packet) error { return errors.New("not implemented") }

func (c *fakeChip) Tx(w, r []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if w[0]&0x80 != 0 {
		addr := uint16(w[0]&0x7F)<<3 | uint16(w[1]>>5)
		if w[1]&0x10 != 0 {
			c.long[addr] = w[2]
		} else {
			r[2] = c.long[addr]
		}
		return nil
	}

	addr := (w[0] >> 1) & 0x3F
	if w[0]&0x01 == 0 {
		r[1] = c.short[addr]
		if addr == regINTSTAT {
			c.short[addr] = 0
		}
		return nil
	}
	c.short[addr] = w[1]
	if addr == regTXNCON && w[1]&txnconTrigger != 0 {
		n := int(c.long[1])
		c.sent = append(c.sent, append([]byte(nil), c.long[2:2+n]...))
		c.short[regTXNCON] = 0
		c.short[regINTSTAT] |= intTXN
		if c.txFail {
			c.short[regTXSTAT] = txstatFailed
		} else {
			c.short[regTXSTAT] = 0
		}
	}
	return nil
}

// deliver puts psdu in the RX FIFO and raises RXIF
func (c *fakeChip) deliver(psdu []byte, lqi, rssi byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := len(psdu)
	c.long[fifoRX] = byte(n)
	copy(c.long[fifoRX+1:], psdu)
	c.long[fifoRX+1+n] = lqi
	c.long[fifoRX+2+n] = rssi
	c.short[regINTSTAT] |= intRX
}

func (c *fakeChip) shortReg(addr byte) byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.short[addr]
}

func (c *fakeChip) longReg(addr uint16) byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.long[addr]
}

func newTestRadio(t *testing.T) (*Radio, *fakeChip) {
	t.Helper()
	chip := &fakeChip{}
	r, err := NewWithConn(chip, WithPollInterval(time.Millisecond))
	require.NoError(t, err)
	t.Cleanup(func() { _ = r.Close() })
	return r, chip
}

func TestSPIFraming(t *testing.T) {
	t.Parallel()

	assert.Equal(t, byte(0x62), shortRead(regINTSTAT))
	assert.Equal(t, byte(0x63), shortWrite(regINTSTAT))
	assert.Equal(t, [2]byte{0xC0, 0x00}, longAddr(regRFCON0, false))
	assert.Equal(t, [2]byte{0xC0, 0x10}, longAddr(regRFCON0, true))
	assert.Equal(t, [2]byte{0xE0, 0x20}, longAddr(fifoRX+1, false))
}

func TestEnable_Initializes(t *testing.T) {
	t.Parallel()

	r, chip := newTestRadio(t)
	require.ErrorIs(t, r.SetChannel(15), zbsniff.ErrRadioNotEnabled)
	require.NoError(t, r.Enable())

	assert.Equal(t, byte(0x98), chip.shortReg(regPACON2))
	assert.Equal(t, byte(0x95), chip.shortReg(regTXSTBL))
	assert.Equal(t, byte(0x40), chip.shortReg(regBBREG6))
	assert.Equal(t, byte(0xF6), chip.shortReg(regINTCON))
	assert.Equal(t, byte(0x80), chip.longReg(regRFCON2))
	assert.Equal(t, byte(0x03), chip.longReg(regRFCON0), "channel 11")
}

func TestSetChannel(t *testing.T) {
	t.Parallel()

	r, chip := newTestRadio(t)
	require.NoError(t, r.Enable())

	require.NoError(t, r.SetChannel(26))
	assert.Equal(t, byte(0xF3), chip.longReg(regRFCON0))
	require.NoError(t, r.SetChannel(15))
	assert.Equal(t, byte(0x43), chip.longReg(regRFCON0))
	assert.Equal(t, byte(0), chip.shortReg(regRFCTL))

	require.ErrorIs(t, r.SetChannel(10), zbsniff.ErrInvalidChannel)
}

func TestAddressFiltering(t *testing.T) {
	t.Parallel()

	r, chip := newTestRadio(t)
	require.NoError(t, r.Enable())

	require.NoError(t, r.SetPromiscuous(true))
	assert.Equal(t, byte(rxmcrPromiscuous), chip.shortReg(regRXMCR)&rxmcrPromiscuous)
	require.NoError(t, r.SetPromiscuous(false))
	assert.Zero(t, chip.shortReg(regRXMCR)&rxmcrPromiscuous)

	require.NoError(t, r.SetPANID(0x1A62))
	assert.Equal(t, byte(0x62), chip.shortReg(regPANIDL))
	assert.Equal(t, byte(0x1A), chip.shortReg(regPANIDH))

	require.NoError(t, r.SetShortAddress(0xFFFF))
	assert.Equal(t, byte(0xFF), chip.shortReg(regSADRL))
	assert.Equal(t, byte(0xFF), chip.shortReg(regSADRH))

	require.NoError(t, r.SetRxWhenIdle(false))
	assert.Equal(t, byte(bbreg1RXDecInv), chip.shortReg(regBBREG1))
	require.NoError(t, r.SetRxWhenIdle(true))
	assert.Zero(t, chip.shortReg(regBBREG1))
}

func TestTransmit(t *testing.T) {
	t.Parallel()

	r, chip := newTestRadio(t)
	mpdu := ieee802154.BeaconRequest(0x42)
	frame, err := ieee802154.PSDU(mpdu)
	require.NoError(t, err)

	require.ErrorIs(t, r.Transmit(frame, false), zbsniff.ErrRadioNotEnabled)
	require.NoError(t, r.Enable())
	require.NoError(t, r.Transmit(frame, false))

	require.Len(t, chip.sent, 1)
	assert.Equal(t, mpdu, chip.sent[0])
	assert.Equal(t, byte(7), chip.longReg(fifoTXNormal), "MAC header length")
	assert.Equal(t, byte(txmcrNoCSMA), chip.shortReg(regTXMCR)&txmcrNoCSMA)

	require.NoError(t, r.Transmit(frame, true))
	assert.Zero(t, chip.shortReg(regTXMCR)&txmcrNoCSMA)
}

func TestTransmit_Errors(t *testing.T) {
	t.Parallel()

	r, chip := newTestRadio(t)
	require.NoError(t, r.Enable())

	require.ErrorIs(t, r.Transmit(nil, false), zbsniff.ErrEmptyFrame)
	require.ErrorIs(t, r.Transmit([]byte{0x02, 0xAA, 0xBB}, false), zbsniff.ErrEmptyFrame)
	require.ErrorIs(t, r.Transmit([]byte{0x20, 0x01}, false), zbsniff.ErrFrameTooLarge)

	chip.mu.Lock()
	chip.txFail = true
	chip.mu.Unlock()
	err := r.Transmit([]byte{0x05, 0x02, 0x00, 0x2C}, true)
	require.ErrorIs(t, err, zbsniff.ErrRadioBusy)
	assert.True(t, zbsniff.IsRetryable(err))
}

func TestReceive_DeliversFrames(t *testing.T) {
	t.Parallel()

	r, chip := newTestRadio(t)
	type rx struct {
		frame []byte
		info  zbsniff.FrameInfo
	}
	got := make(chan rx, 4)
	r.SetReceiveHandler(func(frame []byte, info zbsniff.FrameInfo) {
		got <- rx{frame: append([]byte(nil), frame...), info: info}
	})

	require.ErrorIs(t, r.Receive(), zbsniff.ErrRadioNotEnabled)
	require.NoError(t, r.Enable())
	require.NoError(t, r.Receive())

	psdu := ieee802154.AppendFCS([]byte{0x02, 0x00, 0x2C})
	chip.deliver(psdu, 0xE0, 0xFF)

	select {
	case f := <-got:
		assert.Equal(t, append([]byte{byte(len(psdu))}, psdu...), f.frame)
		assert.Equal(t, int8(-35), f.info.RSSI)
		assert.Equal(t, uint8(0xE0), f.info.LQI)
	case <-time.After(time.Second):
		t.Fatal("frame not delivered")
	}
	assert.Zero(t, chip.shortReg(regBBREG1), "decoder re-enabled after FIFO read")

	require.NoError(t, r.Disable())
	chip.deliver(psdu, 0, 0)
	select {
	case <-got:
		t.Fatal("frame delivered after Disable")
	case <-time.After(20 * time.Millisecond):
	}
}

// A frame drained from the FIFO in TX mode leaves the decoder disabled.
func TestReadFrame_KeepsDecoderState(t *testing.T) {
	t.Parallel()

	r, chip := newTestRadio(t)
	require.NoError(t, r.Enable())
	require.NoError(t, r.SetRxWhenIdle(false))

	psdu := ieee802154.AppendFCS([]byte{0x02, 0x00, 0x2C})
	chip.deliver(psdu, 0xE0, 0xFF)

	frame, _, err := r.readFrame()
	require.NoError(t, err)
	assert.Equal(t, append([]byte{byte(len(psdu))}, psdu...), frame)
	assert.Equal(t, byte(bbreg1RXDecInv), chip.shortReg(regBBREG1))
}

func TestRSSIToDBm(t *testing.T) {
	t.Parallel()

	assert.Equal(t, int8(-100), RSSIToDBm(0))
	assert.Equal(t, int8(-35), RSSIToDBm(255))
	assert.Equal(t, int8(-68), RSSIToDBm(128))
}
