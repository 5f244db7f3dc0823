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

package mrf24j40

// Short address registers
const (
	regRXMCR   = 0x00
	regPANIDL  = 0x01
	regPANIDH  = 0x02
	regSADRL   = 0x03
	regSADRH   = 0x04
	regTXMCR   = 0x11
	regPACON2  = 0x18
	regTXNCON  = 0x1B
	regTXSTAT  = 0x24
	regSOFTRST = 0x2A
	regTXSTBL  = 0x2E
	regINTSTAT = 0x31
	regINTCON  = 0x32
	regRFCTL   = 0x36
	regBBREG1  = 0x39
	regBBREG2  = 0x3A
	regBBREG6  = 0x3E
	regCCAEDTH = 0x3F
)

// Long address registers and FIFOs
const (
	regRFCON0  = 0x200
	regRFCON1  = 0x201
	regRFCON2  = 0x202
	regRFCON6  = 0x206
	regRFCON7  = 0x207
	regRFCON8  = 0x208
	regSLPCON1 = 0x220

	fifoTXNormal = 0x000
	fifoRX       = 0x300
)

// Register bits
const (
	rxmcrPromiscuous = 1 << 0
	txmcrNoCSMA      = 1 << 7
	txnconTrigger    = 1 << 0
	txstatFailed     = 1 << 0
	intTXN           = 1 << 0
	intRX            = 1 << 3
	bbreg1RXDecInv   = 1 << 2
	rfctlReset       = 1 << 2
)

// SPI framing: short addresses are 6 bits, long addresses 10 bits
func shortRead(addr byte) byte  { return (addr << 1) & 0x7E }
func shortWrite(addr byte) byte { return shortRead(addr) | 0x01 }

func longAddr(addr uint16, write bool) [2]byte {
	hi := 0x80 | byte(addr>>3)
	lo := byte(addr<<5) & 0xE0
	if write {
		lo |= 0x10
	}
	return [2]byte{hi, lo}
}
