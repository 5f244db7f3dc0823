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
	"fmt"
	"strings"
)

// OperationMode selects between capturing and transmitting.
type OperationMode int32

const (
	// ModeSniff captures every frame on the channel in promiscuous mode
	ModeSniff OperationMode = iota
	// ModeTX forwards serial input to the radio as raw frames
	ModeTX
)

func (m OperationMode) String() string {
	switch m {
	case ModeSniff:
		return "SNIFF"
	case ModeTX:
		return "TX"
	default:
		return fmt.Sprintf("MODE(%d)", int32(m))
	}
}

// Valid reports whether m is one of the known modes
func (m OperationMode) Valid() bool {
	return m == ModeSniff || m == ModeTX
}

// ParseMode accepts "sniff", "SNIFF", "MODE_SNIFF", "tx", "TX" and "MODE_TX".
func ParseMode(s string) (OperationMode, error) {
	switch strings.TrimPrefix(strings.ToUpper(strings.TrimSpace(s)), "MODE_") {
	case "SNIFF":
		return ModeSniff, nil
	case "TX":
		return ModeTX, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrInvalidMode, s)
	}
}
