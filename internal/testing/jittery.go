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
	"math/rand/v2"
	"sync"
	"time"

	"go.bug.st/serial"
)

// JitterConfig configures the behavior of JitteryPort.
type JitterConfig struct {
	MaxLatencyMs    int
	StallAfterBytes int
	StallDuration   time.Duration
	Seed            uint64
	// WriteDelay is added to every write, like a slow USB-UART bridge
	// draining its FIFO at 115200 baud.
	WriteDelay time.Duration
	// FragmentWrites splits each write into random pieces.
	FragmentWrites bool
}

// DefaultJitterConfig returns a sensible default configuration for testing.
func DefaultJitterConfig() JitterConfig {
	return JitterConfig{
		MaxLatencyMs:   5,
		FragmentWrites: true,
	}
}

// JitteryPort wraps a serial.Port to simulate a slow, bursty host link.
// Reads are delayed; writes are delayed, optionally fragmented and stall once
// after StallAfterBytes. It is used to push the capture pipeline into
// backpressure: while the writer is stalled the capture queue fills up.
type JitteryPort struct {
	serial.Port
	rng          *rand.Rand
	config       JitterConfig
	mu           sync.Mutex
	bytesWritten int
	stalled      bool
}

// NewJitteryPort wraps backend with jitter simulation.
func NewJitteryPort(backend serial.Port, config JitterConfig) *JitteryPort {
	var rng *rand.Rand
	if config.Seed != 0 {
		rng = rand.New(rand.NewPCG(config.Seed, config.Seed^0xDEADBEEF)) //nolint:gosec // Test code, not crypto
	} else {
		rng = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64())) //nolint:gosec // Test code, not crypto
	}

	return &JitteryPort{
		Port:   backend,
		config: config,
		rng:    rng,
	}
}

func (j *JitteryPort) latency() time.Duration {
	if j.config.MaxLatencyMs <= 0 {
		return 0
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	return time.Duration(j.rng.IntN(j.config.MaxLatencyMs+1)) * time.Millisecond
}

// Read delays, then passes the read through.
func (j *JitteryPort) Read(buf []byte) (int, error) {
	if d := j.latency(); d > 0 {
		time.Sleep(d)
	}
	return j.Port.Read(buf) //nolint:wrapcheck // Pass-through wrapper
}

// Write delivers data to the backend, possibly in several pieces, after the
// configured delays. It reports the full length on success.
func (j *JitteryPort) Write(data []byte) (int, error) {
	if d := j.config.WriteDelay + j.latency(); d > 0 {
		time.Sleep(d)
	}

	j.mu.Lock()
	stall := j.config.StallAfterBytes > 0 && !j.stalled && j.bytesWritten >= j.config.StallAfterBytes
	if stall {
		j.stalled = true
	}
	j.bytesWritten += len(data)
	j.mu.Unlock()
	if stall && j.config.StallDuration > 0 {
		time.Sleep(j.config.StallDuration)
	}

	written := 0
	for written < len(data) {
		piece := len(data) - written
		if j.config.FragmentWrites && piece > 1 {
			j.mu.Lock()
			piece = 1 + j.rng.IntN(piece)
			j.mu.Unlock()
		}
		n, err := j.Port.Write(data[written : written+piece])
		written += n
		if err != nil {
			return written, err //nolint:wrapcheck // Pass-through wrapper
		}
	}
	return written, nil
}

// BytesWritten returns the number of bytes accepted so far.
func (j *JitteryPort) BytesWritten() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.bytesWritten
}

// ResetStallState re-arms the one-shot stall.
func (j *JitteryPort) ResetStallState() {
	j.mu.Lock()
	j.bytesWritten = 0
	j.stalled = false
	j.mu.Unlock()
}
