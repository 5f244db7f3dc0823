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
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync/atomic"
	"time"

	"github.com/zbsniff/go-zbsniff"
	"github.com/zbsniff/go-zbsniff/internal/syncutil"
)

// maxLineLength bounds a buffered line; a record is at most ~280 bytes
const maxLineLength = 4096

// Config holds monitor settings
type Config struct {
	// Key is the 16-byte Zigbee network key; NWK payloads are decrypted when set
	Key   []byte
	Sinks []Sink
	// StatusInterval, when positive, polls the bridge with #CMD#STATUS
	StatusInterval time.Duration
	ReadTimeout    time.Duration
	// SniffOnStart sends #CMD#MODE_SNIFF before reading
	SniffOnStart bool
}

// DefaultConfig returns the default monitor configuration
func DefaultConfig() *Config {
	return &Config{
		ReadTimeout:  zbsniff.DefaultReadTimeout,
		SniffOnStart: true,
	}
}

// Stats counts what the monitor has seen
type Stats struct {
	Records    uint64
	Decoded    uint64
	Decrypted  uint64
	Malformed  uint64
	Errors     uint64
	LogLines   uint64
	SinkErrors uint64
}

// Monitor reads a bridge's serial output
type Monitor struct {
	port       zbsniff.Port
	config     *Config
	onRecord   func(*Record)
	onStatus   func(zbsniff.Status)
	lastStatus atomic.Pointer[zbsniff.Status]
	writeMu    syncutil.Mutex
	records    atomic.Uint64
	decoded    atomic.Uint64
	decrypted  atomic.Uint64
	malformed  atomic.Uint64
	bridgeErrs atomic.Uint64
	logLines   atomic.Uint64
	sinkErrs   atomic.Uint64
}

// New creates a monitor on port. A nil config uses DefaultConfig.
func New(port zbsniff.Port, config *Config) (*Monitor, error) {
	if port == nil {
		return nil, fmt.Errorf("%w: nil port", zbsniff.ErrInvalidOptions)
	}
	if config == nil {
		config = DefaultConfig()
	}
	if len(config.Key) != 0 && len(config.Key) != 16 {
		return nil, fmt.Errorf("%w: network key must be 16 bytes, got %d", zbsniff.ErrInvalidOptions, len(config.Key))
	}
	if config.ReadTimeout <= 0 {
		config.ReadTimeout = zbsniff.DefaultReadTimeout
	}
	return &Monitor{port: port, config: config}, nil
}

// OnRecord registers a callback run for every record after the sinks
func (m *Monitor) OnRecord(fn func(*Record)) {
	m.onRecord = fn
}

// OnStatus registers a callback run for every status line
func (m *Monitor) OnStatus(fn func(zbsniff.Status)) {
	m.onStatus = fn
}

// SendCommand writes a command to the bridge
func (m *Monitor) SendCommand(cmd zbsniff.Command) error {
	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	return SendCommand(m.port, cmd)
}

// SendCommand writes the serial form of cmd to w
func SendCommand(w io.Writer, cmd zbsniff.Command) error {
	if _, err := w.Write(zbsniff.EncodeCommand(cmd)); err != nil {
		return fmt.Errorf("failed to send %s: %w", cmd, err)
	}
	return nil
}

// Run reads lines until ctx is cancelled or the port fails. Cancellation is
// not an error.
func (m *Monitor) Run(ctx context.Context) error {
	if err := m.port.SetReadTimeout(m.config.ReadTimeout); err != nil {
		return fmt.Errorf("failed to set read timeout: %w", err)
	}
	if m.config.SniffOnStart {
		if err := m.SendCommand(zbsniff.CommandModeSniff); err != nil {
			return err
		}
	}
	if m.config.StatusInterval > 0 {
		pollCtx, cancel := context.WithCancel(ctx)
		polling := make(chan struct{})
		go func() {
			defer close(polling)
			m.pollStatus(pollCtx)
		}()
		defer func() {
			cancel()
			<-polling
		}()
	}

	buf := make([]byte, 1024)
	var pending []byte
	for {
		if ctx.Err() != nil {
			return nil
		}
		n, err := m.port.Read(buf)
		if n > 0 {
			pending = append(pending, buf[:n]...)
			pending = m.consumeLines(pending)
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, io.EOF) || errors.Is(err, zbsniff.ErrPortClosed) {
				return fmt.Errorf("bridge disconnected: %w", err)
			}
			return fmt.Errorf("serial read failed: %w", err)
		}
	}
}

// consumeLines handles every complete line in pending and returns the rest
func (m *Monitor) consumeLines(pending []byte) []byte {
	for {
		i := bytes.IndexByte(pending, '\n')
		if i < 0 {
			break
		}
		m.HandleLine(string(pending[:i]))
		pending = pending[i+1:]
	}
	if len(pending) > maxLineLength {
		m.malformed.Add(1)
		zbsniff.Debugf("monitor: discarding %d bytes without newline", len(pending))
		return nil
	}
	// Compact so the backing array does not grow without bound
	return append([]byte(nil), pending...)
}

// HandleLine classifies and processes one line of bridge output
func (m *Monitor) HandleLine(line string) {
	line = strings.TrimRight(line, "\r\n")
	switch {
	case line == "":
	case strings.HasPrefix(line, "["):
		m.handleRecord(line)
	case strings.HasPrefix(line, zbsniff.StatusPrefix):
		st, err := ParseStatus(line)
		if err != nil {
			m.malformed.Add(1)
			zbsniff.Debugf("monitor: %v", err)
			return
		}
		m.lastStatus.Store(&st)
		zbsniff.Logger().Info().
			Str("mode", st.Mode.String()).
			Int("queued", st.Queued).
			Uint64("dropped", st.Dropped).
			Msg("bridge status")
		if m.onStatus != nil {
			m.onStatus(st)
		}
	case strings.HasPrefix(line, zbsniff.ErrorPrefix):
		m.bridgeErrs.Add(1)
		zbsniff.Logger().Warn().
			Str("error", strings.TrimSpace(strings.TrimPrefix(line, zbsniff.ErrorPrefix))).
			Msg("bridge reported an error")
	default:
		m.logLines.Add(1)
		zbsniff.Debugf("bridge: %s", line)
	}
}

func (m *Monitor) handleRecord(line string) {
	rec, err := ParseRecord(line)
	if err != nil {
		m.malformed.Add(1)
		zbsniff.Debugf("monitor: %v: %q", err, line)
		return
	}
	m.records.Add(1)

	rec.Decode(m.config.Key)
	if rec.Frame != nil {
		m.decoded.Add(1)
	}
	if rec.Plaintext != nil {
		m.decrypted.Add(1)
	}

	for _, sink := range m.config.Sinks {
		if err := sink.WriteRecord(&rec); err != nil {
			m.sinkErrs.Add(1)
			zbsniff.Logger().Warn().Err(err).Uint32("seq", rec.Seq).Msg("sink write failed")
		}
	}
	if m.onRecord != nil {
		m.onRecord(&rec)
	}
}

func (m *Monitor) pollStatus(ctx context.Context) {
	ticker := time.NewTicker(m.config.StatusInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := m.SendCommand(zbsniff.CommandStatus); err != nil {
				zbsniff.Logger().Warn().Err(err).Msg("status poll failed")
			}
		}
	}
}

// LastStatus returns the most recent status line, if any was received
func (m *Monitor) LastStatus() (zbsniff.Status, bool) {
	st := m.lastStatus.Load()
	if st == nil {
		return zbsniff.Status{}, false
	}
	return *st, true
}

// Stats returns a snapshot of the counters
func (m *Monitor) Stats() Stats {
	return Stats{
		Records:    m.records.Load(),
		Decoded:    m.decoded.Load(),
		Decrypted:  m.decrypted.Load(),
		Malformed:  m.malformed.Load(),
		Errors:     m.bridgeErrs.Load(),
		LogLines:   m.logLines.Load(),
		SinkErrors: m.sinkErrs.Load(),
	}
}

// Close closes every sink
func (m *Monitor) Close() error {
	var errs []error
	for _, sink := range m.config.Sinks {
		if err := sink.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
