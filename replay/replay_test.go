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

package replay

import (
	"bytes"
	"context"
	"encoding/hex"
	"errors"
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
	"github.com/zbsniff/go-zbsniff/monitor"
)

// Secured Zigbee data frame without FCS; network key 00112233...EEFF
const securedMPDU = "6188300019146e0000481a146e00001e222f3c60feffbd4d749e2860feffbd4d74" +
	"28247002009e2860feffbd4d74001642ffabf982076a9a389c460844"

func mustHex(t *testing.T, s string) []byte {
	t.Helper()
	b, err := hex.DecodeString(s)
	require.NoError(t, err)
	return b
}

func testKey(t *testing.T) []byte {
	t.Helper()
	return mustHex(t, "00112233445566778899aabbccddeeff")
}

// writeLog keeps every Write as a separate chunk
type writeLog struct {
	err    error
	chunks [][]byte
	mu     sync.Mutex
}

func (w *writeLog) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.err != nil {
		return 0, w.err
	}
	w.chunks = append(w.chunks, append([]byte(nil), p...))
	return len(p), nil
}

func fastConfig() *Config {
	cfg := DefaultConfig()
	cfg.Interval = 0
	cfg.ModeSettle = 0
	return cfg
}

func TestNew_Validation(t *testing.T) {
	t.Parallel()

	_, err := New(nil, nil)
	require.ErrorIs(t, err, zbsniff.ErrInvalidOptions)

	_, err = New(&writeLog{}, &Config{Repeat: 0})
	require.ErrorIs(t, err, zbsniff.ErrInvalidOptions)

	_, err = New(&writeLog{}, &Config{Repeat: 1, Key: []byte{1}})
	require.ErrorIs(t, err, ieee802154.ErrInvalidKey)
}

func TestPrepare_FirstIterationIsVerbatim(t *testing.T) {
	t.Parallel()

	r, err := New(&writeLog{}, fastConfig())
	require.NoError(t, err)

	mpdu := mustHex(t, securedMPDU)
	out, err := r.Prepare(mpdu, 0)
	require.NoError(t, err)
	assert.Equal(t, byte(len(mpdu)+2), out[0])
	assert.Equal(t, mpdu, out[1:])
}

func TestPrepare_BumpsCounters(t *testing.T) {
	t.Parallel()

	r, err := New(&writeLog{}, fastConfig())
	require.NoError(t, err)

	out, err := r.Prepare(mustHex(t, securedMPDU), 2)
	require.NoError(t, err)
	f, err := ieee802154.Decode(out[1:])
	require.NoError(t, err)
	assert.Equal(t, uint8(0x32), f.Sequence)
	assert.Equal(t, uint8(0x24), f.NWK.Sequence)
	assert.Equal(t, uint32(0x00027026), f.NWK.Security.FrameCounter)

	// Without the key the MIC no longer matches.
	_, err = ieee802154.Open(testKey(t), f)
	require.ErrorIs(t, err, ieee802154.ErrAuthFailed)
}

func TestPrepare_ResealsWithKey(t *testing.T) {
	t.Parallel()

	cfg := fastConfig()
	cfg.Key = testKey(t)
	cfg.SequenceStep = 0
	cfg.CounterStep = 10
	r, err := New(&writeLog{}, cfg)
	require.NoError(t, err)

	out, err := r.Prepare(mustHex(t, securedMPDU), 1)
	require.NoError(t, err)
	f, err := ieee802154.Decode(out[1:])
	require.NoError(t, err)
	assert.Equal(t, uint8(0x30), f.Sequence)
	assert.Equal(t, uint32(0x0002702E), f.NWK.Security.FrameCounter)

	plaintext, err := ieee802154.Open(testKey(t), f)
	require.NoError(t, err)
	assert.Equal(t, mustHex(t, "400a0600040101010018"), plaintext)

	// Unsecured frames only get the sequence bump
	beacon := ieee802154.BeaconRequest(1)
	out, err = r.Prepare(beacon, 3)
	require.NoError(t, err)
	assert.Equal(t, beacon, out[1:])
}

func TestReplay_WritesSession(t *testing.T) {
	t.Parallel()

	w := &writeLog{}
	cfg := fastConfig()
	cfg.Repeat = 2
	r, err := New(w, cfg)
	require.NoError(t, err)

	beacon := ieee802154.BeaconRequest(0x10)
	require.NoError(t, r.Replay(context.Background(), [][]byte{beacon, {0x02}}))

	require.Len(t, w.chunks, 5)
	assert.Equal(t, "#CMD#MODE_TX", string(w.chunks[0]))
	assert.Equal(t, append([]byte{10}, beacon...), w.chunks[1])
	assert.Equal(t, []byte{0x03, 0x02}, w.chunks[2], "unchanged frames need no decoding")
	assert.Equal(t, byte(0x11), w.chunks[3][3], "sequence bumped on the second pass")
	assert.Equal(t, "#CMD#MODE_SNIFF", string(w.chunks[4]))
	assert.Equal(t, Stats{Sent: 3, Skipped: 1}, r.Stats())
}

func TestReplay_WriteErrorAndCancel(t *testing.T) {
	t.Parallel()

	w := &writeLog{err: errors.New("port gone")}
	r, err := New(w, fastConfig())
	require.NoError(t, err)
	require.Error(t, r.Flood(context.Background(), 1))

	cfg := fastConfig()
	cfg.Interval = time.Hour
	r, err = New(&writeLog{}, cfg)
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	require.ErrorIs(t, r.Flood(ctx, 5), context.DeadlineExceeded)
	assert.Equal(t, uint64(1), r.Stats().Sent)
}

func TestFlood(t *testing.T) {
	t.Parallel()

	w := &writeLog{}
	cfg := fastConfig()
	cfg.SwitchToTX = false
	cfg.RestoreSniff = false
	r, err := New(w, cfg)
	require.NoError(t, err)

	require.NoError(t, r.Flood(context.Background(), 3))
	require.Len(t, w.chunks, 3)
	for i, chunk := range w.chunks {
		assert.Equal(t, append([]byte{10}, ieee802154.BeaconRequest(uint8(i))...), chunk)
	}
}

// portInjector delivers every write to the bridge side of a virtual port
type portInjector struct{ port *virt.VirtualPort }

func (p portInjector) Write(b []byte) (int, error) {
	p.port.Inject(b)
	return len(b), nil
}

func TestReplay_ThroughBridge(t *testing.T) {
	t.Parallel()

	radio := zbsniff.NewMockRadio()
	port := virt.NewVirtualPort()
	b, err := zbsniff.NewBridge(radio, port, zbsniff.WithReadTimeout(5*time.Millisecond))
	require.NoError(t, err)
	require.NoError(t, b.Start(context.Background()))
	defer func() { _ = b.Close() }()

	cfg := fastConfig()
	cfg.Interval = 40 * time.Millisecond
	cfg.ModeSettle = 40 * time.Millisecond
	cfg.RestoreSniff = false
	r, err := New(portInjector{port: port}, cfg)
	require.NoError(t, err)
	require.NoError(t, r.Flood(context.Background(), 2))

	require.Eventually(t, func() bool { return len(radio.Transmitted()) == 2 }, time.Second, time.Millisecond)
	assert.Equal(t, zbsniff.ModeTX, b.Mode())
	assert.Equal(t, append([]byte{10}, ieee802154.BeaconRequest(1)...), radio.Transmitted()[1])
}

func TestLoadPcap(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	w := pcapgo.NewWriter(&buf)
	require.NoError(t, w.WriteFileHeader(127, layers.LinkType(ieee802154.LinkTypeWithFCS)))
	for _, mpdu := range [][]byte{ieee802154.BeaconRequest(1), mustHex(t, securedMPDU)} {
		psdu := ieee802154.AppendFCS(mpdu)
		ci := gopacket.CaptureInfo{Timestamp: time.Now(), CaptureLength: len(psdu), Length: len(psdu)}
		require.NoError(t, w.WritePacket(ci, psdu))
	}

	all, err := LoadPcap(bytes.NewReader(buf.Bytes()), nil)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, ieee802154.BeaconRequest(1), all[0])

	data, err := LoadPcap(bytes.NewReader(buf.Bytes()), DataFrames)
	require.NoError(t, err)
	require.Len(t, data, 1)
	assert.Equal(t, mustHex(t, securedMPDU), data[0])
}

func TestLoadJSON(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	sink := monitor.NewJSONSink(&buf)
	for _, mpdu := range [][]byte{mustHex(t, securedMPDU), ieee802154.BeaconRequest(4)} {
		data := ieee802154.AppendFCS(mpdu)
		require.NoError(t, sink.WriteRecord(&monitor.Record{Data: data, Len: len(data)}))
	}
	buf.WriteString("\n")

	frames, err := LoadJSON(bytes.NewReader(buf.Bytes()), nil)
	require.NoError(t, err)
	require.Len(t, frames, 2)
	assert.Equal(t, ieee802154.BeaconRequest(4), frames[1])

	frames, err = LoadJSON(bytes.NewReader(buf.Bytes()), DataFrames)
	require.NoError(t, err)
	assert.Len(t, frames, 1)

	_, err = LoadJSON(bytes.NewReader([]byte("{not json}\n")), nil)
	require.Error(t, err)
}
