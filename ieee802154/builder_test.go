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

package ieee802154

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFCS(t *testing.T) {
	t.Parallel()

	assert.Equal(t, uint16(0x2189), FCS([]byte("123456789")))
	assert.Equal(t, uint16(0x5ed6), FCS(mustHex(t, "02002c")))
	assert.Equal(t, uint16(0x23bf), FCS(BeaconRequest(0x42)))
}

func TestAppendFCS(t *testing.T) {
	t.Parallel()

	mpdu := BeaconRequest(0x42)
	psdu := AppendFCS(mpdu)
	assert.Equal(t, mustHex(t, "030842ffffffff07bf23"), psdu)
	assert.Len(t, mpdu, 8, "input is not modified")
	assert.True(t, CheckFCS(psdu))

	psdu[3] ^= 0x01
	assert.False(t, CheckFCS(psdu))
	assert.False(t, CheckFCS([]byte{0x01}))
}

func TestBeaconRequest(t *testing.T) {
	t.Parallel()

	assert.Equal(t, mustHex(t, "030842ffffffff07"), BeaconRequest(0x42))
	assert.Equal(t, mustHex(t, "030800ffffffff07"), BeaconRequest(0))
}

func TestPSDU(t *testing.T) {
	t.Parallel()

	psdu, err := PSDU(BeaconRequest(0x42))
	require.NoError(t, err)
	assert.Equal(t, mustHex(t, "0a030842ffffffff07"), psdu)

	_, err = PSDU(make([]byte, MaxPSDUSize-FCSLen))
	require.NoError(t, err)
	_, err = PSDU(make([]byte, MaxPSDUSize-FCSLen+1))
	require.ErrorIs(t, err, ErrUnsupported)
}

func TestIncrementSequence(t *testing.T) {
	t.Parallel()

	out, err := IncrementSequence(BeaconRequest(0xFF), 2)
	require.NoError(t, err)
	assert.Equal(t, mustHex(t, "030801ffffffff07"), out)

	orig := mustHex(t, securedData)
	out, err = IncrementSequence(orig, 1)
	require.NoError(t, err)
	f, err := Decode(out)
	require.NoError(t, err)
	assert.Equal(t, uint8(0x31), f.Sequence)
	assert.Equal(t, uint8(0x23), f.NWK.Sequence)
	assert.Equal(t, uint8(0x30), orig[2], "input is not modified")

	_, err = IncrementSequence([]byte{0x02}, 1)
	require.ErrorIs(t, err, ErrTruncated)
}

func TestIncrementFrameCounter(t *testing.T) {
	t.Parallel()

	out, err := IncrementFrameCounter(mustHex(t, securedData), 0x100)
	require.NoError(t, err)
	f, err := Decode(out)
	require.NoError(t, err)
	assert.Equal(t, uint32(0x00027124), f.NWK.Security.FrameCounter)
	assert.Equal(t, mustHex(t, "24710200"), out[34:38])

	_, err = IncrementFrameCounter(BeaconRequest(1), 1)
	require.ErrorIs(t, err, ErrNotNWK)

	_, err = IncrementFrameCounter(mustHex(t, "4188011234ffff0000"+"0800"+"0000"+"0000"+"1e01"), 1)
	require.ErrorIs(t, err, ErrNotSecured)
}
