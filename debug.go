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
	"io"
	"os"
	"sync/atomic"

	"github.com/rs/zerolog"
)

const logTimeFormat = "15:04:05.000"

var (
	debugEnabled atomic.Bool
	logger       atomic.Pointer[zerolog.Logger]
	consoleOut   io.Writer = os.Stderr
)

func init() {
	if os.Getenv("ZBSNIFF_DEBUG") != "" || os.Getenv("DEBUG") != "" {
		debugEnabled.Store(true)
	}
	rebuildLogger()
}

// rebuildLogger wires the console and the session log into one zerolog
// logger. The session log always receives debug events; the console only
// when debug output is enabled.
func rebuildLogger() {
	sessionMu.Lock()
	console, session := consoleOut, sessionLogWriter
	sessionMu.Unlock()

	consoleLevel := zerolog.InfoLevel
	if debugEnabled.Load() {
		consoleLevel = zerolog.DebugLevel
	}

	writers := []io.Writer{
		&zerolog.FilteredLevelWriter{
			Writer: zerolog.LevelWriterAdapter{Writer: zerolog.ConsoleWriter{
				Out:        console,
				TimeFormat: logTimeFormat,
			}},
			Level: consoleLevel,
		},
	}
	if session != nil {
		writers = append(writers, zerolog.ConsoleWriter{
			Out:        session,
			NoColor:    true,
			TimeFormat: logTimeFormat,
		})
	}

	// Debug events are only built when some writer keeps them.
	level := consoleLevel
	if session != nil {
		level = zerolog.DebugLevel
	}
	l := zerolog.New(zerolog.MultiLevelWriter(writers...)).
		Level(level).
		With().Timestamp().Logger()
	logger.Store(&l)
}

// Logger returns the package logger. Callers add their own fields:
//
//	zbsniff.Logger().Info().Str("mode", "SNIFF").Msg("mode changed")
func Logger() *zerolog.Logger {
	return logger.Load()
}

// Debugf logs a formatted debug message
func Debugf(format string, args ...any) {
	Logger().Debug().Msgf(format, args...)
}

// Debugln logs its operands as a debug message
func Debugln(args ...any) {
	if e := Logger().Debug(); e.Enabled() {
		e.Msg(fmt.Sprint(args...))
	}
}

// SetDebugEnabled turns console debug output on or off
func SetDebugEnabled(enabled bool) {
	debugEnabled.Store(enabled)
	rebuildLogger()
}

// DebugEnabled reports whether console debug output is on
func DebugEnabled() bool {
	return debugEnabled.Load()
}

// SetLogOutput redirects console logging, mainly for tests
func SetLogOutput(w io.Writer) {
	if w == nil {
		w = os.Stderr
	}
	sessionMu.Lock()
	consoleOut = w
	sessionMu.Unlock()
	rebuildLogger()
}
