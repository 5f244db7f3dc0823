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

package uart

import (
	"errors"
	"fmt"
	"io"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/zbsniff/go-zbsniff"
	"go.bug.st/serial"
)

// DefaultBaudRate is the line speed of the sniffer firmware (8N1, no flow control).
const DefaultBaudRate = 115200

// Port is a serial link carrying capture records one way and commands or
// raw frames the other. It satisfies zbsniff.Port on the device side and is
// used by the monitor on the host side.
type Port struct {
	port     serial.Port
	portName string
	mode     serial.Mode
	mu       sync.Mutex // serializes writes and drains
	closed   bool
}

// Option configures a Port
type Option func(*serial.Mode)

// WithBaudRate overrides DefaultBaudRate
func WithBaudRate(baud int) Option {
	return func(m *serial.Mode) {
		m.BaudRate = baud
	}
}

// isWindows returns true if running on Windows
func isWindows() bool {
	return runtime.GOOS == "windows"
}

// defaultReadTimeout is the read timeout set at open time. Windows drivers
// need a little longer between polls.
func defaultReadTimeout() time.Duration {
	if isWindows() {
		return 200 * time.Millisecond
	}
	return zbsniff.DefaultReadTimeout
}

// New opens portName at 115200 8N1.
func New(portName string, opts ...Option) (*Port, error) {
	mode := serial.Mode{
		BaudRate: DefaultBaudRate,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	for _, opt := range opts {
		opt(&mode)
	}

	port, err := serial.Open(portName, &mode)
	if err != nil {
		return nil, fmt.Errorf("failed to open UART port %s: %w", portName, err)
	}

	if err := port.SetReadTimeout(defaultReadTimeout()); err != nil {
		_ = port.Close()
		return nil, fmt.Errorf("failed to set UART read timeout: %w", err)
	}

	zbsniff.Debugf("UART: opened %s at %d baud", portName, mode.BaudRate)
	return &Port{
		port:     port,
		portName: portName,
		mode:     mode,
	}, nil
}

// Wrap adopts an already open serial.Port, applying the 8N1 line settings.
func Wrap(port serial.Port, portName string) (*Port, error) {
	mode := serial.Mode{
		BaudRate: DefaultBaudRate,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	if err := port.SetMode(&mode); err != nil {
		return nil, fmt.Errorf("failed to configure UART port %s: %w", portName, err)
	}
	return &Port{port: port, portName: portName, mode: mode}, nil
}

// Name returns the device path the port was opened with
func (p *Port) Name() string {
	return p.portName
}

// BaudRate returns the configured line speed
func (p *Port) BaudRate() int {
	return p.mode.BaudRate
}

// Read reads whatever arrived since the last call. It returns (0, nil) when
// the read timeout expires; an interrupted system call is reported the same
// way. A closed or vanished port returns an error wrapping
// zbsniff.ErrPortClosed.
func (p *Port) Read(buf []byte) (int, error) {
	n, err := p.port.Read(buf)
	if err == nil {
		return n, nil
	}
	if isInterruptedSystemCall(err) {
		return n, nil
	}
	return n, p.wrapError("read", err)
}

// Write sends data in full and waits for the driver to drain it, so that a
// record is on the wire before the next one is rendered.
func (p *Port) Write(data []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	written := 0
	for written < len(data) {
		n, err := p.port.Write(data[written:])
		written += n
		if err != nil {
			return written, p.wrapError("write", err)
		}
		if n == 0 {
			return written, fmt.Errorf("UART %s write: %w", p.portName, io.ErrShortWrite)
		}
	}

	if err := p.drainWithRetry("write"); err != nil {
		return written, err
	}
	return written, nil
}

// SetReadTimeout sets how long Read waits for the first byte
func (p *Port) SetReadTimeout(timeout time.Duration) error {
	if err := p.port.SetReadTimeout(timeout); err != nil {
		return p.wrapError("set timeout", err)
	}
	return nil
}

// Reset discards unread input and unsent output, e.g. after reconnecting to
// a board that kept streaming records.
func (p *Port) Reset() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.port.ResetInputBuffer(); err != nil {
		return p.wrapError("reset input", err)
	}
	if err := p.port.ResetOutputBuffer(); err != nil {
		return p.wrapError("reset output", err)
	}
	return nil
}

// Close closes the port. Closing twice is not an error.
func (p *Port) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	if err := p.port.Close(); err != nil {
		return fmt.Errorf("UART close failed: %w", err)
	}
	return nil
}

// wrapError maps driver errors onto the package error taxonomy
func (p *Port) wrapError(op string, err error) error {
	var portErr *serial.PortError
	if errors.As(err, &portErr) && portErr.Code() == serial.PortClosed {
		return fmt.Errorf("UART %s %s: %w", p.portName, op, zbsniff.ErrPortClosed)
	}
	if errors.Is(err, io.ErrClosedPipe) {
		return fmt.Errorf("UART %s %s: %w: %w", p.portName, op, zbsniff.ErrPortClosed, err)
	}
	return fmt.Errorf("UART %s %s: %w", p.portName, op, err)
}

// isInterruptedSystemCall checks if an error is caused by an interrupted system call
func isInterruptedSystemCall(err error) bool {
	if err == nil {
		return false
	}
	errStr := strings.ToLower(err.Error())
	return strings.Contains(errStr, "interrupted system call") ||
		strings.Contains(errStr, "eintr")
}

// drainWithRetry performs port drain with retry logic for interrupted system calls
func (p *Port) drainWithRetry(operation string) error {
	const maxRetries = 3
	baseDelay := 2 * time.Millisecond

	for attempt := range maxRetries {
		err := p.port.Drain()
		if err == nil {
			return nil
		}

		if isInterruptedSystemCall(err) && attempt < maxRetries-1 {
			time.Sleep(baseDelay * time.Duration(1<<attempt)) // 2ms, 4ms
			continue
		}

		return fmt.Errorf("UART %s drain failed: %w", operation, err)
	}

	return fmt.Errorf("UART %s drain failed after %d retries", operation, maxRetries)
}

var _ zbsniff.Port = (*Port)(nil)
