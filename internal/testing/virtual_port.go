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

package testing

import (
	"bytes"
	"errors"
	"io"
	"sync"
	"time"

	"go.bug.st/serial"
)

// ErrPortClosed is returned by every VirtualPort operation after Close.
var ErrPortClosed = io.ErrClosedPipe

// VirtualPort is an in-memory serial.Port. The test plays the host: Inject
// queues bytes for the device to read, and Output returns what the device
// wrote back.
//
// Each injected chunk is delivered by a separate Read, the way a UART driver
// hands over a burst received between two polls. When nothing is queued,
// Read waits for the read timeout and returns (0, nil).
type VirtualPort struct {
	mode        serial.Mode
	in          [][]byte
	out         bytes.Buffer
	writeErr    error
	cond        *sync.Cond
	mu          sync.Mutex
	readTimeout time.Duration
	reads       int
	writes      int
	closed      bool
	dtr         bool
	rts         bool
}

// NewVirtualPort creates an open port with a 115200 8N1 mode.
func NewVirtualPort() *VirtualPort {
	p := &VirtualPort{
		mode: serial.Mode{
			BaudRate: 115200,
			DataBits: 8,
			Parity:   serial.NoParity,
			StopBits: serial.OneStopBit,
		},
		readTimeout: serial.NoTimeout,
	}
	p.cond = sync.NewCond(&p.mu)
	return p
}

// Inject queues one chunk for the device side to read.
func (p *VirtualPort) Inject(chunk []byte) {
	p.mu.Lock()
	p.in = append(p.in, append([]byte(nil), chunk...))
	p.mu.Unlock()
	p.cond.Broadcast()
}

// InjectString is Inject for text commands.
func (p *VirtualPort) InjectString(s string) {
	p.Inject([]byte(s))
}

// Pending returns the number of injected chunks not read yet.
func (p *VirtualPort) Pending() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.in)
}

// Output returns a copy of everything written so far.
func (p *VirtualPort) Output() []byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	return bytes.Clone(p.out.Bytes())
}

// Lines splits the output on CRLF, dropping a trailing partial line.
func (p *VirtualPort) Lines() []string {
	out := p.Output()
	var lines []string
	for {
		i := bytes.Index(out, []byte("\r\n"))
		if i < 0 {
			return lines
		}
		lines = append(lines, string(out[:i]))
		out = out[i+2:]
	}
}

// WaitForOutput polls until the output contains substr or timeout elapses.
func (p *VirtualPort) WaitForOutput(substr string, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for {
		p.mu.Lock()
		found := bytes.Contains(p.out.Bytes(), []byte(substr))
		p.mu.Unlock()
		if found {
			return true
		}
		if time.Now().After(deadline) {
			return false
		}
		time.Sleep(time.Millisecond)
	}
}

// WaitForLines polls until at least n complete lines were written.
func (p *VirtualPort) WaitForLines(n int, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for len(p.Lines()) < n {
		if time.Now().After(deadline) {
			return false
		}
		time.Sleep(time.Millisecond)
	}
	return true
}

// ResetOutput discards everything written so far.
func (p *VirtualPort) ResetOutput() {
	p.mu.Lock()
	p.out.Reset()
	p.mu.Unlock()
}

// SetWriteError makes every following Write fail with err (nil clears it).
func (p *VirtualPort) SetWriteError(err error) {
	p.mu.Lock()
	p.writeErr = err
	p.mu.Unlock()
}

// Stats returns how many Read and Write calls the device made.
func (p *VirtualPort) Stats() (reads, writes int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.reads, p.writes
}

// Mode returns the last mode set on the port.
func (p *VirtualPort) Mode() serial.Mode {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.mode
}

// ReadTimeout returns the configured read timeout.
func (p *VirtualPort) ReadTimeout() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.readTimeout
}

func (p *VirtualPort) SetMode(mode *serial.Mode) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrPortClosed
	}
	p.mode = *mode
	return nil
}

func (p *VirtualPort) Read(buf []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.reads++

	if len(p.in) == 0 && !p.closed {
		p.waitLocked()
	}
	if p.closed {
		return 0, ErrPortClosed
	}
	if len(p.in) == 0 {
		return 0, nil
	}

	n := copy(buf, p.in[0])
	if n < len(p.in[0]) {
		p.in[0] = p.in[0][n:]
	} else {
		p.in = p.in[1:]
	}
	return n, nil
}

// waitLocked blocks until input arrives, the port closes or the read
// timeout passes. p.mu must be held.
func (p *VirtualPort) waitLocked() {
	if p.readTimeout == serial.NoTimeout {
		for len(p.in) == 0 && !p.closed {
			p.cond.Wait()
		}
		return
	}

	timer := time.AfterFunc(p.readTimeout, p.cond.Broadcast)
	defer timer.Stop()
	deadline := time.Now().Add(p.readTimeout)
	for len(p.in) == 0 && !p.closed && time.Now().Before(deadline) {
		p.cond.Wait()
	}
}

func (p *VirtualPort) Write(data []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.writes++
	if p.closed {
		return 0, ErrPortClosed
	}
	if p.writeErr != nil {
		return 0, p.writeErr
	}
	return p.out.Write(data) //nolint:wrapcheck // bytes.Buffer never fails
}

func (*VirtualPort) Drain() error { return nil }

func (p *VirtualPort) ResetInputBuffer() error {
	p.mu.Lock()
	p.in = nil
	p.mu.Unlock()
	return nil
}

func (*VirtualPort) ResetOutputBuffer() error { return nil }

func (p *VirtualPort) SetDTR(dtr bool) error {
	p.mu.Lock()
	p.dtr = dtr
	p.mu.Unlock()
	return nil
}

func (p *VirtualPort) SetRTS(rts bool) error {
	p.mu.Lock()
	p.rts = rts
	p.mu.Unlock()
	return nil
}

func (p *VirtualPort) GetModemStatusBits() (*serial.ModemStatusBits, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, ErrPortClosed
	}
	return &serial.ModemStatusBits{CTS: p.rts, DSR: p.dtr}, nil
}

func (p *VirtualPort) SetReadTimeout(timeout time.Duration) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrPortClosed
	}
	p.readTimeout = timeout
	return nil
}

func (p *VirtualPort) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return errors.New("virtual port already closed")
	}
	p.closed = true
	p.mu.Unlock()
	p.cond.Broadcast()
	return nil
}

func (*VirtualPort) Break(time.Duration) error { return nil }

var _ serial.Port = (*VirtualPort)(nil)
