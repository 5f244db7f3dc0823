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
	"crypto/cipher"
	"crypto/subtle"
	"encoding/binary"
	"fmt"
)

// MICLen is the size of the message integrity code at security level 5
const MICLen = 4

const nonceLen = 13

// Open authenticates and decrypts the payload of a secured NWK frame with
// the network key. It returns the plaintext NWK payload (the APS frame).
func Open(key []byte, f *Frame) ([]byte, error) {
	block, aux, err := secured(key, f)
	if err != nil {
		return nil, err
	}

	body := f.Payload[f.NWK.PayloadOffset():]
	if len(body) < MICLen {
		return nil, fmt.Errorf("%w: no room for MIC", ErrTruncated)
	}
	ciphertext, mic := body[:len(body)-MICLen], body[len(body)-MICLen:]

	nonce, err := nwkNonce(f.NWK, aux)
	if err != nil {
		return nil, err
	}

	plaintext := make([]byte, len(ciphertext))
	ccmCTR(block, nonce, plaintext, ciphertext)

	want := ccmMIC(block, nonce, authData(f), plaintext, MICLen)
	if subtle.ConstantTimeCompare(want, mic) != 1 {
		return nil, ErrAuthFailed
	}
	return plaintext, nil
}

// Seal returns a copy of the frame's MPDU (without FCS) whose NWK payload is
// plaintext encrypted under key, followed by a fresh MIC. The headers,
// frame counter included, are taken from f as they are.
func Seal(key []byte, f *Frame, plaintext []byte) ([]byte, error) {
	block, aux, err := secured(key, f)
	if err != nil {
		return nil, err
	}
	nonce, err := nwkNonce(f.NWK, aux)
	if err != nil {
		return nil, err
	}

	headerLen := f.HeaderLen + f.NWK.PayloadOffset()
	out := make([]byte, headerLen, headerLen+len(plaintext)+MICLen)
	copy(out, f.raw[:headerLen])

	ciphertext := make([]byte, len(plaintext))
	ccmCTR(block, nonce, ciphertext, plaintext)
	mic := ccmMIC(block, nonce, authData(f), plaintext, MICLen)

	out = append(out, ciphertext...)
	return append(out, mic...), nil
}

func secured(key []byte, f *Frame) (cipher.Block, *AuxHeader, error) {
	if len(key) != 16 {
		return nil, nil, ErrInvalidKey
	}
	if f.NWK == nil {
		return nil, nil, ErrNotNWK
	}
	if f.NWK.Security == nil {
		return nil, nil, ErrNotSecured
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create AES cipher: %w", err)
	}
	return block, f.NWK.Security, nil
}

// withLevel replaces the on-air security level with the network's level
func withLevel(control uint8) uint8 {
	return control&^0x07 | SecurityLevelENCMIC32
}

// nwkNonce builds the CCM* nonce: source address and frame counter in the
// order they are sent, then the security control byte.
func nwkNonce(h *NWKHeader, aux *AuxHeader) ([nonceLen]byte, error) {
	var nonce [nonceLen]byte
	var source uint64
	switch {
	case aux.ExtendedNonce:
		source = aux.Source
	case h.Control.SrcIEEE:
		source = h.SrcIEEE
	default:
		return nonce, fmt.Errorf("%w: no extended source address for the nonce", ErrUnsupported)
	}
	binary.LittleEndian.PutUint64(nonce[0:], source)
	binary.LittleEndian.PutUint32(nonce[8:], aux.FrameCounter)
	nonce[12] = withLevel(aux.Control)
	return nonce, nil
}

// authData is the NWK header plus the auxiliary header, level substituted
func authData(f *Frame) []byte {
	start := f.HeaderLen
	end := start + f.NWK.PayloadOffset()
	a := append([]byte(nil), f.raw[start:end]...)
	a[f.NWK.Len] = withLevel(a[f.NWK.Len])
	return a
}

// ccmCTR encrypts or decrypts src into dst with counter blocks A1, A2, ...
func ccmCTR(block cipher.Block, nonce [nonceLen]byte, dst, src []byte) {
	cipher.NewCTR(block, counterBlock(nonce, 1)).XORKeyStream(dst, src)
}

// ccmMIC computes the encrypted CBC-MAC over a and m
func ccmMIC(block cipher.Block, nonce [nonceLen]byte, a, m []byte, micLen int) []byte {
	var b0 [aes.BlockSize]byte
	b0[0] = byte((micLen-2)/2) << 3
	if len(a) > 0 {
		b0[0] |= 0x40
	}
	b0[0] |= 2 - 1 // length field size L = 2
	copy(b0[1:], nonce[:])
	binary.BigEndian.PutUint16(b0[14:], uint16(len(m)))

	buf := append([]byte(nil), b0[:]...)
	if len(a) > 0 {
		buf = binary.BigEndian.AppendUint16(buf, uint16(len(a)))
		buf = append(buf, a...)
		buf = padBlock(buf)
	}
	buf = append(buf, m...)
	buf = padBlock(buf)

	iv := make([]byte, aes.BlockSize)
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(buf, buf)
	tag := buf[len(buf)-aes.BlockSize : len(buf)-aes.BlockSize+micLen]

	var s0 [aes.BlockSize]byte
	block.Encrypt(s0[:], counterBlock(nonce, 0))
	mic := make([]byte, micLen)
	subtle.XORBytes(mic, tag, s0[:micLen])
	return mic
}

func counterBlock(nonce [nonceLen]byte, i uint16) []byte {
	a := make([]byte, aes.BlockSize)
	a[0] = 2 - 1
	copy(a[1:], nonce[:])
	binary.BigEndian.PutUint16(a[14:], i)
	return a
}

func padBlock(b []byte) []byte {
	if r := len(b) % aes.BlockSize; r != 0 {
		b = append(b, make([]byte, aes.BlockSize-r)...)
	}
	return b
}
