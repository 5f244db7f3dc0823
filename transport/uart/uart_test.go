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
	"testing"
	"time"

	"github.com/zbsniff/go-zbsniff"
	virt "github.com/zbsniff/go-zbsniff/internal/testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// drainingPort fails Drain a fixed number of times
type drainingPort struct {
	*virt.VirtualPort
	err      error
	failures int
	drains   int
}

func (d *drainingPort) Drain() error {
	d.drains++
	if d.drains <= d.failures {
		return d.err
	}
	return nil
}

func TestWrap_Applies8N1(t *testing.T) {
	t.Parallel()

	vp := virt.NewVirtualPort()
	port, err := Wrap(vp, "/dev/ttyUSB0")
	require.NoError(t, err)

	mode := vp.Mode()
	assert.Equal(t, DefaultBaudRate, mode.BaudRate)
	assert.Equal(t, 8, mode.DataBits)
	assert.Equal(t, "/dev/ttyUSB0", port.Name())
	assert.Equal(t, DefaultBaudRate, port.BaudRate())
}

func TestPort_ReadWrite(t *testing.T) {
	t.Parallel()

	vp := virt.NewVirtualPort()
	port, err := Wrap(vp, "virtual")
	require.NoError(t, err)
	require.NoError(t, port.SetReadTimeout(10*time.Millisecond))

	vp.InjectString("#CMD#STATUS")
	buf := make([]byte, 64)
	n, err := port.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, "#CMD#STATUS", string(buf[:n]))

	n, err = port.Read(buf)
	require.NoError(t, err)
	assert.Zero(t, n, "timeout reads return no data and no error")

	record := "[     1|RSSI: -40dB|  2B] 0203\r\n"
	n, err = port.Write([]byte(record))
	require.NoError(t, err)
	assert.Equal(t, len(record), n)
	assert.Equal(t, record, string(vp.Output()))
}

func TestPort_ClosedMapsToErrPortClosed(t *testing.T) {
	t.Parallel()

	vp := virt.NewVirtualPort()
	port, err := Wrap(vp, "virtual")
	require.NoError(t, err)

	require.NoError(t, port.Close())
	require.NoError(t, port.Close(), "second close is a no-op")

	_, err = port.Read(make([]byte, 4))
	require.ErrorIs(t, err, zbsniff.ErrPortClosed)
	assert.True(t, zbsniff.IsFatal(err))

	_, err = port.Write([]byte("x"))
	require.ErrorIs(t, err, zbsniff.ErrPortClosed)
}

func TestPort_DrainRetriesInterruptedCalls(t *testing.T) {
	t.Parallel()

	dp := &drainingPort{
		VirtualPort: virt.NewVirtualPort(),
		err:         errors.New("interrupted system call"),
		failures:    2,
	}
	port, err := Wrap(dp, "virtual")
	require.NoError(t, err)

	_, err = port.Write([]byte("#STATUS# mode=SNIFF\r\n"))
	require.NoError(t, err)
	assert.Equal(t, 3, dp.drains)
}

func TestPort_DrainGivesUp(t *testing.T) {
	t.Parallel()

	dp := &drainingPort{
		VirtualPort: virt.NewVirtualPort(),
		err:         errors.New("input/output error"),
		failures:    10,
	}
	port, err := Wrap(dp, "virtual")
	require.NoError(t, err)

	_, err = port.Write([]byte("x"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "drain failed")
	assert.Equal(t, 1, dp.drains, "only interrupted calls are retried")
}

func TestPort_Reset(t *testing.T) {
	t.Parallel()

	vp := virt.NewVirtualPort()
	port, err := Wrap(vp, "virtual")
	require.NoError(t, err)

	vp.InjectString("[ stale record ]")
	require.NoError(t, port.Reset())
	assert.Zero(t, vp.Pending())
}

func TestIsInterruptedSystemCall(t *testing.T) {
	t.Parallel()

	assert.False(t, isInterruptedSystemCall(nil))
	assert.True(t, isInterruptedSystemCall(errors.New("read /dev/ttyACM0: interrupted system call")))
	assert.True(t, isInterruptedSystemCall(errors.New("EINTR")))
	assert.False(t, isInterruptedSystemCall(errors.New("no such device")))
}

func TestDefaultReadTimeout(t *testing.T) {
	t.Parallel()

	if isWindows() {
		assert.Equal(t, 200*time.Millisecond, defaultReadTimeout())
	} else {
		assert.Equal(t, zbsniff.DefaultReadTimeout, defaultReadTimeout())
	}
}
