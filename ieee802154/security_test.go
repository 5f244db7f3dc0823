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
	"crypto/aes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testKey(t *testing.T) []byte {
	t.Helper()
	return mustHex(t, "00112233445566778899aabbccddeeff")
}

func TestOpen(t *testing.T) {
	t.Parallel()

	f, err := DecodePSDU(mustHex(t, securedData+securedDataFCS))
	require.NoError(t, err)

	plaintext, err := Open(testKey(t), f)
	require.NoError(t, err)
	assert.Equal(t, mustHex(t, "400a0600040101010018"), plaintext)
}

func TestOpen_Errors(t *testing.T) {
	t.Parallel()

	f, err := Decode(mustHex(t, securedData))
	require.NoError(t, err)

	_, err = Open([]byte{0x01, 0x02}, f)
	require.ErrorIs(t, err, ErrInvalidKey)

	wrongKey := testKey(t)
	wrongKey[0] ^= 0xFF
	_, err = Open(wrongKey, f)
	require.ErrorIs(t, err, ErrAuthFailed)

	tampered := mustHex(t, securedData)
	tampered[50] ^= 0x01
	f, err = Decode(tampered)
	require.NoError(t, err)
	_, err = Open(testKey(t), f)
	require.ErrorIs(t, err, ErrAuthFailed)

	// Authenticated header: changing the NWK radius breaks the MIC.
	tampered = mustHex(t, securedData)
	tampered[9+6] = 0x0F
	f, err = Decode(tampered)
	require.NoError(t, err)
	_, err = Open(testKey(t), f)
	require.ErrorIs(t, err, ErrAuthFailed)

	f, err = Decode(BeaconRequest(1))
	require.NoError(t, err)
	_, err = Open(testKey(t), f)
	require.ErrorIs(t, err, ErrNotNWK)

	f, err = Decode(mustHex(t, "4188011234ffff0000"+"0800"+"0000"+"0000"+"1e01"+"aabb"))
	require.NoError(t, err)
	require.NotNil(t, f.NWK)
	_, err = Open(testKey(t), f)
	require.ErrorIs(t, err, ErrNotSecured)
}

func TestSeal_RoundTrip(t *testing.T) {
	t.Parallel()

	key := testKey(t)
	f, err := Decode(mustHex(t, securedData))
	require.NoError(t, err)

	sealed, err := Seal(key, f, mustHex(t, "400a0600040101010018"))
	require.NoError(t, err)
	assert.Equal(t, mustHex(t, securedData), sealed)

	// A bumped frame counter invalidates the old MIC until resealed.
	bumped, err := IncrementFrameCounter(sealed, 1)
	require.NoError(t, err)
	f, err = Decode(bumped)
	require.NoError(t, err)
	_, err = Open(key, f)
	require.ErrorIs(t, err, ErrAuthFailed)

	resealed, err := Seal(key, f, []byte("hello zigbee"))
	require.NoError(t, err)
	f, err = Decode(resealed)
	require.NoError(t, err)
	assert.Equal(t, uint32(0x00027025), f.NWK.Security.FrameCounter)
	plaintext, err := Open(key, f)
	require.NoError(t, err)
	assert.Equal(t, []byte("hello zigbee"), plaintext)
}

// CCM packet vector #1 of RFC 3610 (M=8, L=2).
func TestCCM_RFC3610Vector(t *testing.T) {
	t.Parallel()

	block, err := aes.NewCipher(mustHex(t, "c0c1c2c3c4c5c6c7c8c9cacbcccdcecf"))
	require.NoError(t, err)

	var nonce [nonceLen]byte
	copy(nonce[:], mustHex(t, "00000003020100a0a1a2a3a4a5"))
	a := mustHex(t, "0001020304050607")
	m := mustHex(t, "08090a0b0c0d0e0f101112131415161718191a1b1c1d1e")

	c := make([]byte, len(m))
	ccmCTR(block, nonce, c, m)
	assert.Equal(t, mustHex(t, "588c979a61c663d2f066d0c2c0f989806d5f6b61dac384"), c)
	assert.Equal(t, mustHex(t, "17e8d12cfdf926e0"), ccmMIC(block, nonce, a, m, 8))
}

func TestNonce_FallsBackToNWKSource(t *testing.T) {
	t.Parallel()

	h := &NWKHeader{
		Control: NWKFrameControl{SrcIEEE: true},
		SrcIEEE: 0x0102030405060708,
	}
	aux := &AuxHeader{Control: 0x08, FrameCounter: 0x0A0B0C0D}
	nonce, err := nwkNonce(h, aux)
	require.NoError(t, err)
	assert.Equal(t, mustHex(t, "08070605040302010d0c0b0a0d"), nonce[:])

	_, err = nwkNonce(&NWKHeader{}, aux)
	require.ErrorIs(t, err, ErrUnsupported)
}
