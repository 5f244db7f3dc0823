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

// Package mrf24j40 drives a Microchip MRF24J40 IEEE 802.15.4 transceiver over
// SPI, using periph.io for the bus and the optional interrupt pin.
package mrf24j40

import (
	"errors"
	"fmt"
	"time"

	"github.com/zbsniff/go-zbsniff"
	"github.com/zbsniff/go-zbsniff/ieee802154"
	"github.com/zbsniff/go-zbsniff/internal/syncutil"
	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/gpio/gpioreg"
	"periph.io/x/conn/v3/physic"
	"periph.io/x/conn/v3/spi"
	"periph.io/x/conn/v3/spi/spireg"
	"periph.io/x/host/v3"
)

const (
	// The MRF24J40 accepts up to 10 MHz; long jumper wires do not.
	defaultFreq = 5 * physic.MegaHertz
	mode        = spi.Mode0

	defaultPollInterval = 2 * time.Millisecond
	txTimeout           = 20 * time.Millisecond
)

// Option configures a Radio
type Option func(*Radio) error

// WithInterruptPin waits on the INT line (falling edge) instead of polling
// INTSTAT. name is a periph pin name such as "GPIO25".
func WithInterruptPin(name string) Option {
	return func(r *Radio) error {
		pin := gpioreg.ByName(name)
		if pin == nil {
			return fmt.Errorf("%w: unknown GPIO pin %q", zbsniff.ErrInvalidOptions, name)
		}
		if err := pin.In(gpio.PullUp, gpio.FallingEdge); err != nil {
			return fmt.Errorf("failed to configure interrupt pin %s: %w", name, err)
		}
		r.irq = pin
		return nil
	}
}

// WithPollInterval sets how often INTSTAT is read when no interrupt pin is used
func WithPollInterval(d time.Duration) Option {
	return func(r *Radio) error {
		if d <= 0 {
			return fmt.Errorf("%w: poll interval must be positive", zbsniff.ErrInvalidOptions)
		}
		r.pollInterval = d
		return nil
	}
}

// Radio implements zbsniff.Radio for the MRF24J40
type Radio struct {
	port         spi.PortCloser
	conn         spi.Conn
	irq          gpio.PinIn
	handler      zbsniff.ReceiveHandler
	stop         chan struct{}
	done         chan struct{}
	name         string
	pollInterval time.Duration
	mu           syncutil.Mutex
	// pending accumulates INTSTAT bits; the register clears on read
	pending byte
	enabled bool
}

// New opens the SPI port (for example "/dev/spidev0.0" or "" for the first
// one) and connects to the transceiver. The chip is not reset until Enable.
func New(portName string, opts ...Option) (*Radio, error) {
	if _, err := host.Init(); err != nil {
		return nil, fmt.Errorf("failed to initialize periph host: %w", err)
	}

	port, err := spireg.Open(portName)
	if err != nil {
		return nil, fmt.Errorf("failed to open SPI port %s: %w", portName, err)
	}

	conn, err := port.Connect(defaultFreq, mode, 8)
	if err != nil {
		_ = port.Close()
		return nil, fmt.Errorf("failed to connect SPI: %w", err)
	}

	r, err := NewWithConn(conn, opts...)
	if err != nil {
		_ = port.Close()
		return nil, err
	}
	r.port = port
	r.name = port.String()
	return r, nil
}

// NewWithConn wraps an already connected SPI device
func NewWithConn(conn spi.Conn, opts ...Option) (*Radio, error) {
	r := &Radio{
		conn:         conn,
		name:         conn.String(),
		pollInterval: defaultPollInterval,
	}
	for _, opt := range opts {
		if err := opt(r); err != nil {
			return nil, err
		}
	}
	return r, nil
}

func (r *Radio) readShort(addr byte) (byte, error) {
	w := []byte{shortRead(addr), 0}
	rd := make([]byte, 2)
	if err := r.conn.Tx(w, rd); err != nil {
		return 0, err
	}
	return rd[1], nil
}

func (r *Radio) writeShort(addr, v byte) error {
	return r.conn.Tx([]byte{shortWrite(addr), v}, make([]byte, 2))
}

func (r *Radio) readLong(addr uint16) (byte, error) {
	a := longAddr(addr, false)
	rd := make([]byte, 3)
	if err := r.conn.Tx([]byte{a[0], a[1], 0}, rd); err != nil {
		return 0, err
	}
	return rd[2], nil
}

func (r *Radio) writeLong(addr uint16, v byte) error {
	a := longAddr(addr, true)
	return r.conn.Tx([]byte{a[0], a[1], v}, make([]byte, 3))
}

// setBits does a read-modify-write of a short register
func (r *Radio) setBits(addr, mask byte, on bool) error {
	v, err := r.readShort(addr)
	if err != nil {
		return err
	}
	if on {
		v |= mask
	} else {
		v &^= mask
	}
	return r.writeShort(addr, v)
}

func (r *Radio) fail(op string, err error) error {
	return zbsniff.NewRadioError(op, r.name, err)
}

type regWrite struct {
	addr uint16
	long bool
	v    byte
}

// Power-up sequence from the datasheet's initialization example
var initSequence = []regWrite{
	{addr: regSOFTRST, v: 0x07},
	{addr: regPACON2, v: 0x98},
	{addr: regTXSTBL, v: 0x95},
	{addr: regRFCON0, long: true, v: 0x03},
	{addr: regRFCON1, long: true, v: 0x01},
	{addr: regRFCON2, long: true, v: 0x80},
	{addr: regRFCON6, long: true, v: 0x90},
	{addr: regRFCON7, long: true, v: 0x80},
	{addr: regRFCON8, long: true, v: 0x10},
	{addr: regSLPCON1, long: true, v: 0x21},
	{addr: regBBREG2, v: 0x80},
	{addr: regCCAEDTH, v: 0x60},
	{addr: regBBREG6, v: 0x40},
	{addr: regINTCON, v: ^byte(intTXN | intRX)},
}

// Enable resets and initializes the chip, then tunes it to the lowest channel
func (r *Radio) Enable() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, w := range initSequence {
		var err error
		if w.long {
			err = r.writeLong(w.addr, w.v)
		} else {
			err = r.writeShort(byte(w.addr), w.v)
		}
		if err != nil {
			return r.fail("Enable", err)
		}
	}
	if err := r.tune(zbsniff.MinChannel); err != nil {
		return r.fail("Enable", err)
	}
	r.pending = 0
	r.enabled = true
	zbsniff.Debugf("mrf24j40 %s: initialized", r.name)
	return nil
}

// Disable stops reception and soft-resets the chip
func (r *Radio) Disable() error {
	r.stopReceiver()

	r.mu.Lock()
	defer r.mu.Unlock()
	r.enabled = false
	if err := r.writeShort(regSOFTRST, 0x07); err != nil {
		return r.fail("Disable", err)
	}
	return nil
}

func (r *Radio) tune(channel uint8) error {
	if err := r.writeLong(regRFCON0, (channel-zbsniff.MinChannel)<<4|0x03); err != nil {
		return err
	}
	if err := r.writeShort(regRFCTL, rfctlReset); err != nil {
		return err
	}
	if err := r.writeShort(regRFCTL, 0); err != nil {
		return err
	}
	// RF state machine needs 192us to settle after a reset
	time.Sleep(200 * time.Microsecond)
	return nil
}

func (r *Radio) SetChannel(channel uint8) error {
	if err := zbsniff.ValidateChannel(channel); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.enabled {
		return zbsniff.ErrRadioNotEnabled
	}
	if err := r.tune(channel); err != nil {
		return r.fail("SetChannel", err)
	}
	return nil
}

func (r *Radio) SetPromiscuous(on bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.setBits(regRXMCR, rxmcrPromiscuous, on); err != nil {
		return r.fail("SetPromiscuous", err)
	}
	return nil
}

func (r *Radio) SetPANID(id uint16) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.writeShort(regPANIDL, byte(id)); err != nil {
		return r.fail("SetPANID", err)
	}
	if err := r.writeShort(regPANIDH, byte(id>>8)); err != nil {
		return r.fail("SetPANID", err)
	}
	return nil
}

func (r *Radio) SetShortAddress(addr uint16) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.writeShort(regSADRL, byte(addr)); err != nil {
		return r.fail("SetShortAddress", err)
	}
	if err := r.writeShort(regSADRH, byte(addr>>8)); err != nil {
		return r.fail("SetShortAddress", err)
	}
	return nil
}

// SetRxWhenIdle gates the packet decoder: with it off the chip ignores the air
func (r *Radio) SetRxWhenIdle(on bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.setBits(regBBREG1, bbreg1RXDecInv, !on); err != nil {
		return r.fail("SetRxWhenIdle", err)
	}
	return nil
}

// Receive enables the decoder and starts the receive goroutine
func (r *Radio) Receive() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.enabled {
		return zbsniff.ErrRadioNotEnabled
	}
	if err := r.setBits(regBBREG1, bbreg1RXDecInv, false); err != nil {
		return r.fail("Receive", err)
	}
	if r.stop == nil {
		r.stop = make(chan struct{})
		r.done = make(chan struct{})
		go r.receiveLoop(r.stop, r.done)
	}
	return nil
}

func (r *Radio) SetReceiveHandler(handler zbsniff.ReceiveHandler) {
	r.mu.Lock()
	r.handler = handler
	r.mu.Unlock()
}

// Transmit loads frame into the normal TX FIFO and triggers it. frame[0] is
// the PHY length, which counts the FCS the chip appends.
func (r *Radio) Transmit(frame []byte, cca bool) error {
	if len(frame) == 0 || frame[0] <= ieee802154.FCSLen {
		return zbsniff.ErrEmptyFrame
	}
	if int(frame[0]) > ieee802154.MaxPSDUSize || int(frame[0]) > len(frame)-1+ieee802154.FCSLen {
		return fmt.Errorf("%w: length byte %d for %d bytes", zbsniff.ErrFrameTooLarge, frame[0], len(frame))
	}
	mpdu := frame[1 : 1+int(frame[0])-ieee802154.FCSLen]

	headerLen := 0
	if f, err := ieee802154.Decode(mpdu); err == nil {
		headerLen = f.HeaderLen
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.enabled {
		return zbsniff.ErrRadioNotEnabled
	}

	writes := append([]byte{byte(headerLen), byte(len(mpdu))}, mpdu...)
	for i, v := range writes {
		if err := r.writeLong(fifoTXNormal+uint16(i), v); err != nil {
			return r.fail("Transmit", err)
		}
	}
	if err := r.setBits(regTXMCR, txmcrNoCSMA, !cca); err != nil {
		return r.fail("Transmit", err)
	}
	r.pending &^= intTXN
	if err := r.writeShort(regTXNCON, txnconTrigger); err != nil {
		return r.fail("Transmit", err)
	}
	return r.waitTX()
}

// waitTX polls for TXNIF with r.mu held
func (r *Radio) waitTX() error {
	deadline := time.Now().Add(txTimeout)
	for {
		if err := r.poll(); err != nil {
			return r.fail("Transmit", err)
		}
		if r.pending&intTXN != 0 {
			r.pending &^= intTXN
			break
		}
		if time.Now().After(deadline) {
			return r.fail("Transmit", zbsniff.ErrRadioTimeout)
		}
		time.Sleep(100 * time.Microsecond)
	}

	stat, err := r.readShort(regTXSTAT)
	if err != nil {
		return r.fail("Transmit", err)
	}
	if stat&txstatFailed != 0 {
		// Channel access failure: the medium was busy for every CSMA attempt
		return r.fail("Transmit", zbsniff.ErrRadioBusy)
	}
	return nil
}

// poll reads INTSTAT into r.pending with r.mu held
func (r *Radio) poll() error {
	v, err := r.readShort(regINTSTAT)
	if err != nil {
		return err
	}
	r.pending |= v
	return nil
}

func (r *Radio) stopReceiver() {
	r.mu.Lock()
	stop, done := r.stop, r.done
	r.stop, r.done = nil, nil
	r.mu.Unlock()
	if stop != nil {
		close(stop)
		<-done
	}
}

func (r *Radio) receiveLoop(stop, done chan struct{}) {
	defer close(done)
	var ticker *time.Ticker
	if r.irq == nil {
		ticker = time.NewTicker(r.pollInterval)
		defer ticker.Stop()
	}

	for {
		if ticker != nil {
			select {
			case <-stop:
				return
			case <-ticker.C:
			}
		} else {
			select {
			case <-stop:
				return
			default:
			}
			r.irq.WaitForEdge(r.pollInterval * 10)
		}

		frame, info, err := r.readFrame()
		if err != nil {
			zbsniff.Logger().Warn().Err(err).Str("radio", r.name).Msg("receive failed")
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

// readFrame copies a pending frame out of the RX FIFO. It returns a nil frame
// when none is waiting.
func (r *Radio) readFrame() ([]byte, zbsniff.FrameInfo, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.poll(); err != nil {
		return nil, zbsniff.FrameInfo{}, err
	}
	if r.pending&intRX == 0 {
		return nil, zbsniff.FrameInfo{}, nil
	}
	r.pending &^= intRX

	// Stop decoding while the FIFO is read so it is not overwritten, then put
	// back whatever SetRxWhenIdle left there.
	prev, err := r.readShort(regBBREG1)
	if err != nil {
		return nil, zbsniff.FrameInfo{}, err
	}
	if err := r.writeShort(regBBREG1, prev|bbreg1RXDecInv); err != nil {
		return nil, zbsniff.FrameInfo{}, err
	}
	frame, info, readErr := r.readFIFO()
	if err := r.writeShort(regBBREG1, prev); err != nil {
		return nil, zbsniff.FrameInfo{}, err
	}
	return frame, info, readErr
}

func (r *Radio) readFIFO() ([]byte, zbsniff.FrameInfo, error) {
	n, err := r.readLong(fifoRX)
	if err != nil {
		return nil, zbsniff.FrameInfo{}, err
	}
	if n == 0 || int(n) > ieee802154.MaxPSDUSize {
		return nil, zbsniff.FrameInfo{}, fmt.Errorf("invalid RX frame length %d", n)
	}

	frame := make([]byte, 1+int(n))
	frame[0] = n
	for i := 1; i <= int(n); i++ {
		if frame[i], err = r.readLong(fifoRX + uint16(i)); err != nil {
			return nil, zbsniff.FrameInfo{}, err
		}
	}
	lqi, err := r.readLong(fifoRX + uint16(n) + 1)
	if err != nil {
		return nil, zbsniff.FrameInfo{}, err
	}
	rssi, err := r.readLong(fifoRX + uint16(n) + 2)
	if err != nil {
		return nil, zbsniff.FrameInfo{}, err
	}
	return frame, zbsniff.FrameInfo{Timestamp: time.Now(), RSSI: RSSIToDBm(rssi), LQI: lqi}, nil
}

// RSSIToDBm converts the chip's RSSI byte to dBm. The datasheet curve is
// close to linear from 0 (-100 dBm) to 255 (-35 dBm).
func RSSIToDBm(v byte) int8 {
	return int8(-100 + int(v)*65/255)
}

// Close stops reception and releases the SPI port
func (r *Radio) Close() error {
	r.stopReceiver()
	if r.port == nil {
		return nil
	}
	if err := r.port.Close(); err != nil && !errors.Is(err, zbsniff.ErrPortClosed) {
		return fmt.Errorf("SPI close failed: %w", err)
	}
	return nil
}

var _ zbsniff.Radio = (*Radio)(nil)
