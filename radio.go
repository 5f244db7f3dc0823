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

package zbsniff

import (
	"errors"
	"fmt"
	"sync"
)

// Broadcast address used for both PAN ID and short address while sniffing
const BroadcastAddr = 0xFFFF

// Valid IEEE 802.15.4 O-QPSK channels in the 2.4 GHz band
const (
	MinChannel     = 11
	MaxChannel     = 26
	DefaultChannel = 13
)

// ReceiveHandler is called by a Radio for every received frame. frame[0] is
// the PHY length byte. The handler runs in the radio's receive context: it
// must not block and must not keep frame after returning.
type ReceiveHandler func(frame []byte, info FrameInfo)

// Radio is the IEEE 802.15.4 driver the bridge drives.
type Radio interface {
	// Enable powers up the transceiver
	Enable() error

	// Disable powers down the transceiver
	Disable() error

	// SetChannel tunes the radio to a channel in [MinChannel, MaxChannel]
	SetChannel(channel uint8) error

	// SetPromiscuous turns address and PAN filtering off or on
	SetPromiscuous(on bool) error

	// SetPANID sets the PAN identifier used for filtering
	SetPANID(id uint16) error

	// SetShortAddress sets the 16-bit address used for filtering
	SetShortAddress(addr uint16) error

	// SetRxWhenIdle keeps the receiver on between transmissions
	SetRxWhenIdle(on bool) error

	// Receive (re)starts reception
	Receive() error

	// Transmit sends frame (frame[0] is the length byte) without waiting for
	// an ACK. frame is only valid for the duration of the call.
	Transmit(frame []byte, cca bool) error

	// SetReceiveHandler installs the callback for received frames
	SetReceiveHandler(handler ReceiveHandler)

	// Close releases the underlying device
	Close() error
}

// ValidateChannel checks that channel is a 2.4 GHz IEEE 802.15.4 channel
func ValidateChannel(channel uint8) error {
	if channel < MinChannel || channel > MaxChannel {
		return fmt.Errorf("%w: %d (want %d-%d)", ErrInvalidChannel, channel, MinChannel, MaxChannel)
	}
	return nil
}

// MockRadio is an in-memory Radio for tests. It records its configuration and
// every transmitted frame, and can be told to fail specific operations.
type MockRadio struct {
	handler     ReceiveHandler
	errorMap    map[string]error
	callCount   map[string]int
	transmitted [][]byte
	mu          sync.RWMutex
	panID       uint16
	shortAddr   uint16
	channel     uint8
	enabled     bool
	promiscuous bool
	rxWhenIdle  bool
	receiving   bool
	closed      bool
}

// NewMockRadio creates a mock radio
func NewMockRadio() *MockRadio {
	return &MockRadio{
		errorMap:  make(map[string]error),
		callCount: make(map[string]int),
	}
}

// call records op and returns the injected error for it, if any
func (m *MockRadio) call(op string) error {
	m.callCount[op]++
	if m.closed {
		return errors.New("mock radio closed")
	}
	if err, ok := m.errorMap[op]; ok {
		return NewRadioError(op, "mock", err)
	}
	return nil
}

func (m *MockRadio) Enable() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.call("Enable"); err != nil {
		return err
	}
	m.enabled = true
	return nil
}

func (m *MockRadio) Disable() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.call("Disable"); err != nil {
		return err
	}
	m.enabled = false
	m.receiving = false
	return nil
}

func (m *MockRadio) SetChannel(channel uint8) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.call("SetChannel"); err != nil {
		return err
	}
	if err := ValidateChannel(channel); err != nil {
		return err
	}
	m.channel = channel
	return nil
}

func (m *MockRadio) SetPromiscuous(on bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.call("SetPromiscuous"); err != nil {
		return err
	}
	m.promiscuous = on
	return nil
}

func (m *MockRadio) SetPANID(id uint16) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.call("SetPANID"); err != nil {
		return err
	}
	m.panID = id
	return nil
}

func (m *MockRadio) SetShortAddress(addr uint16) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.call("SetShortAddress"); err != nil {
		return err
	}
	m.shortAddr = addr
	return nil
}

func (m *MockRadio) SetRxWhenIdle(on bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.call("SetRxWhenIdle"); err != nil {
		return err
	}
	m.rxWhenIdle = on
	if !on {
		m.receiving = false
	}
	return nil
}

func (m *MockRadio) Receive() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.call("Receive"); err != nil {
		return err
	}
	if !m.enabled {
		return ErrRadioNotEnabled
	}
	m.receiving = true
	return nil
}

func (m *MockRadio) Transmit(frame []byte, _ bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.call("Transmit"); err != nil {
		return err
	}
	if !m.enabled {
		return ErrRadioNotEnabled
	}
	m.transmitted = append(m.transmitted, append([]byte(nil), frame...))
	return nil
}

func (m *MockRadio) SetReceiveHandler(handler ReceiveHandler) {
	m.mu.Lock()
	m.handler = handler
	m.mu.Unlock()
}

func (m *MockRadio) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return nil
}

// Deliver simulates the reception of frame. It returns false when no handler
// is installed or the radio is not receiving.
func (m *MockRadio) Deliver(frame []byte, info FrameInfo) bool {
	m.mu.RLock()
	handler := m.handler
	receiving := m.receiving
	m.mu.RUnlock()

	if handler == nil || !receiving {
		return false
	}
	handler(frame, info)
	return true
}

// SetError makes op fail with err until ClearError is called
func (m *MockRadio) SetError(op string, err error) {
	m.mu.Lock()
	m.errorMap[op] = err
	m.mu.Unlock()
}

// ClearError removes an injected error
func (m *MockRadio) ClearError(op string) {
	m.mu.Lock()
	delete(m.errorMap, op)
	m.mu.Unlock()
}

// GetCallCount returns how many times op was called
func (m *MockRadio) GetCallCount(op string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.callCount[op]
}

// Transmitted returns a copy of every frame passed to Transmit
func (m *MockRadio) Transmitted() [][]byte {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([][]byte, len(m.transmitted))
	copy(out, m.transmitted)
	return out
}

// MockRadioState is a snapshot of the mock's configuration
type MockRadioState struct {
	PANID       uint16
	ShortAddr   uint16
	Channel     uint8
	Enabled     bool
	Promiscuous bool
	RxWhenIdle  bool
	Receiving   bool
}

// State returns the current configuration
func (m *MockRadio) State() MockRadioState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return MockRadioState{
		PANID:       m.panID,
		ShortAddr:   m.shortAddr,
		Channel:     m.channel,
		Enabled:     m.enabled,
		Promiscuous: m.promiscuous,
		RxWhenIdle:  m.rxWhenIdle,
		Receiving:   m.receiving,
	}
}

// Reset clears call counts, injected errors and transmitted frames
func (m *MockRadio) Reset() {
	m.mu.Lock()
	m.callCount = make(map[string]int)
	m.errorMap = make(map[string]error)
	m.transmitted = nil
	m.closed = false
	m.mu.Unlock()
}
