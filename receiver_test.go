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
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	virt "github.com/zbsniff/go-zbsniff/internal/testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type receiverFixture struct {
	radio *MockRadio
	port  *virt.VirtualPort
	ctrl  *ModeController
	rx    *Receiver
}

func newReceiverFixture(t *testing.T, initial OperationMode) *receiverFixture {
	t.Helper()

	radio := newEnabledMock(t)
	port := virt.NewVirtualPort()
	ctrl := NewModeController(radio, initial, NoRetry())
	queue := NewCaptureQueue(4)
	status := func() Status {
		return Status{Mode: ctrl.Mode(), Queued: queue.Len(), Capacity: queue.Cap(), Dropped: queue.Dropped()}
	}
	rx := NewReceiver(port, ctrl, radio, NewOutput(port), status, 5*time.Millisecond, 256)
	return &receiverFixture{radio: radio, port: port, ctrl: ctrl, rx: rx}
}

func TestReceiver_ModeCommands(t *testing.T) {
	t.Parallel()

	f := newReceiverFixture(t, ModeSniff)

	f.rx.Dispatch([]byte("#CMD#MODE_TX"))
	assert.Equal(t, ModeTX, f.ctrl.Mode())

	f.rx.Dispatch([]byte("#CMD#MODE_SNIFF\r\n"))
	assert.Equal(t, ModeSniff, f.ctrl.Mode())
	assert.True(t, f.radio.State().Promiscuous)

	assert.Equal(t, int64(2), f.rx.GetMetrics().Commands)
}

func TestReceiver_TransmitInTXMode(t *testing.T) {
	t.Parallel()

	f := newReceiverFixture(t, ModeSniff)
	f.rx.Dispatch([]byte("#CMD#MODE_TX"))

	frame := []byte{0x09, 0x03, 0x08, 0x42, 0xFF, 0xFF, 0xFF, 0xFF, 0x07, 0x00}
	f.rx.Dispatch(frame)

	sent := f.radio.Transmitted()
	require.Len(t, sent, 1)
	assert.Equal(t, frame, sent[0])
	assert.Equal(t, int64(1), f.rx.GetMetrics().Transmitted)
}

func TestReceiver_TransmitTruncatedToMaxFrame(t *testing.T) {
	t.Parallel()

	f := newReceiverFixture(t, ModeTX)
	big := bytes.Repeat([]byte{0xA5}, 200)
	f.rx.Dispatch(big)

	sent := f.radio.Transmitted()
	require.Len(t, sent, 1)
	assert.Len(t, sent[0], MaxFrameSize)
}

func TestReceiver_SniffModeDiscardsInput(t *testing.T) {
	t.Parallel()

	f := newReceiverFixture(t, ModeSniff)
	f.rx.Dispatch([]byte{0x03, 0x08, 0x01, 0xFF})

	assert.Empty(t, f.radio.Transmitted())
	assert.Equal(t, int64(1), f.rx.GetMetrics().Discarded)
	assert.Zero(t, f.radio.GetCallCount("Transmit"))
}

func TestReceiver_StatusReport(t *testing.T) {
	t.Parallel()

	f := newReceiverFixture(t, ModeSniff)
	f.rx.Dispatch([]byte("#CMD#MODE_TX"))
	f.rx.Dispatch([]byte("#CMD#STATUS"))

	assert.Equal(t, []string{"#STATUS# mode=TX queue=0/4 dropped=0"}, f.port.Lines())
}

func TestReceiver_UnknownCommandIgnored(t *testing.T) {
	t.Parallel()

	f := newReceiverFixture(t, ModeTX)
	f.rx.Dispatch([]byte("#CMD#JAM"))

	assert.Empty(t, f.port.Output())
	assert.Empty(t, f.radio.Transmitted())
	assert.Equal(t, ModeTX, f.ctrl.Mode())
	assert.Zero(t, f.rx.GetMetrics().Commands)
}

func TestReceiver_ModeFailureReported(t *testing.T) {
	t.Parallel()

	f := newReceiverFixture(t, ModeTX)
	f.radio.SetError("Receive", errors.New("rx fifo stuck"))

	f.rx.Dispatch([]byte("#CMD#MODE_SNIFF"))

	assert.Equal(t, ModeTX, f.ctrl.Mode())
	lines := f.port.Lines()
	require.Len(t, lines, 1)
	assert.True(t, strings.HasPrefix(lines[0], ErrorPrefix+" "), lines[0])
	assert.Contains(t, lines[0], "rx fifo stuck")
}

func TestReceiver_TransmitErrorCounted(t *testing.T) {
	t.Parallel()

	f := newReceiverFixture(t, ModeTX)
	f.radio.SetError("Transmit", ErrRadioBusy)
	f.rx.Dispatch([]byte{0x01, 0x02})

	m := f.rx.GetMetrics()
	assert.Equal(t, int64(1), m.TransmitErrors)
	assert.Zero(t, m.Transmitted)
}

func runReceiver(t *testing.T, f *receiverFixture) {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.rx.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(time.Second):
			t.Error("receiver did not stop")
		}
	})
}

func TestReceiver_RunReadsPort(t *testing.T) {
	t.Parallel()

	f := newReceiverFixture(t, ModeSniff)
	runReceiver(t, f)

	f.port.InjectString("#CMD#MODE_TX")
	require.Eventually(t, func() bool { return f.ctrl.Mode() == ModeTX }, time.Second, time.Millisecond)
	assert.Equal(t, 5*time.Millisecond, f.port.ReadTimeout())

	f.port.Inject([]byte{0x02, 0xAA, 0xBB})
	require.Eventually(t, func() bool { return len(f.radio.Transmitted()) == 1 }, time.Second, time.Millisecond)

	f.port.InjectString("#CMD#STATUS")
	require.True(t, f.port.WaitForOutput("mode=TX", time.Second))
	assert.Equal(t, []byte{0x02, 0xAA, 0xBB}, f.radio.Transmitted()[0])
}

// A UART read returns what has arrived so far. Pieces are joined until the
// link goes quiet.
func TestReceiver_RunJoinsSplitInput(t *testing.T) {
	t.Parallel()

	f := newReceiverFixture(t, ModeSniff)
	runReceiver(t, f)

	f.port.InjectString("#CMD#MODE_")
	f.port.InjectString("TX")
	require.Eventually(t, func() bool { return f.ctrl.Mode() == ModeTX }, time.Second, time.Millisecond)

	f.port.Inject([]byte{0x09, 0x03, 0x08, 0x10, 0xFF})
	f.port.Inject([]byte{0xFF, 0xFF, 0xFF, 0x07, 0x00})
	require.Eventually(t, func() bool { return len(f.radio.Transmitted()) == 1 }, time.Second, time.Millisecond)
	assert.Equal(t, []byte{0x09, 0x03, 0x08, 0x10, 0xFF, 0xFF, 0xFF, 0xFF, 0x07, 0x00}, f.radio.Transmitted()[0])

	f.port.InjectString("#CMD#MO")
	f.port.InjectString("DE_SNIFF")
	require.Eventually(t, func() bool { return f.ctrl.Mode() == ModeSniff }, time.Second, time.Millisecond)
	assert.Len(t, f.radio.Transmitted(), 1, "no piece of the command goes on air")
	assert.Zero(t, f.rx.GetMetrics().Discarded)
}

// A stream that never pauses is dispatched whenever the buffer fills up.
func TestReceiver_RunDispatchesFullBuffer(t *testing.T) {
	t.Parallel()

	f := newReceiverFixture(t, ModeTX)
	// The fixture buffer is 256 bytes, one of which stays free.
	f.port.Inject(bytes.Repeat([]byte{0x5A}, 300))
	runReceiver(t, f)

	require.Eventually(t, func() bool { return len(f.radio.Transmitted()) == 2 }, time.Second, time.Millisecond)
	sent := f.radio.Transmitted()
	assert.Len(t, sent[0], MaxFrameSize)
	assert.Len(t, sent[1], 300-255)
}

func TestReceiver_RunStopsOnClosedPort(t *testing.T) {
	t.Parallel()

	f := newReceiverFixture(t, ModeSniff)
	done := make(chan error, 1)
	go func() { done <- f.rx.Run(context.Background()) }()

	time.Sleep(10 * time.Millisecond)
	require.NoError(t, f.port.Close())

	select {
	case err := <-done:
		require.Error(t, err)
		assert.True(t, IsFatal(err))
	case <-time.After(time.Second):
		t.Fatal("receiver did not stop")
	}
}
