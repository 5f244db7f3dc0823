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
)

// CommandPrefix marks a serial chunk as a command rather than a frame
const CommandPrefix = "#CMD#"

// Command tokens, matched anywhere after the prefix
const (
	TokenModeSniff = "MODE_SNIFF"
	TokenModeTX    = "MODE_TX"
	TokenStatus    = "STATUS"
)

// Prefixes of the lines the bridge writes besides capture records
const (
	StatusPrefix = "#STATUS#"
	ErrorPrefix  = "#ERR#"
)

// Command is a parsed serial command
type Command int

const (
	// CommandUnknown is a prefixed chunk with no known token; it is ignored
	CommandUnknown Command = iota
	CommandModeSniff
	CommandModeTX
	CommandStatus
)

func (c Command) String() string {
	switch c {
	case CommandModeSniff:
		return TokenModeSniff
	case CommandModeTX:
		return TokenModeTX
	case CommandStatus:
		return TokenStatus
	default:
		return "UNKNOWN"
	}
}

// ParseCommand reports whether chunk is a command and which one. Tokens are
// found by substring search in the order MODE_SNIFF, MODE_TX, STATUS, so
// "#CMD#please MODE_TX now" is a TX command.
func ParseCommand(chunk []byte) (Command, bool) {
	if !bytes.HasPrefix(chunk, []byte(CommandPrefix)) {
		return CommandUnknown, false
	}
	rest := chunk[len(CommandPrefix):]
	switch {
	case bytes.Contains(rest, []byte(TokenModeSniff)):
		return CommandModeSniff, true
	case bytes.Contains(rest, []byte(TokenModeTX)):
		return CommandModeTX, true
	case bytes.Contains(rest, []byte(TokenStatus)):
		return CommandStatus, true
	default:
		return CommandUnknown, true
	}
}

// EncodeCommand returns the serial form of a command, for clients
func EncodeCommand(c Command) []byte {
	return []byte(CommandPrefix + c.String())
}
