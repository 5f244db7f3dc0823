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
	"errors"
	"fmt"
	"io"
	"runtime"
	"syscall"
)

// Error categories for retry logic and reporting
var (
	// Radio errors
	ErrRadioNotEnabled = errors.New("radio not enabled")
	ErrRadioBusy       = errors.New("radio busy")
	ErrRadioTimeout    = errors.New("radio operation timeout")
	ErrNotSupported    = errors.New("operation not supported by radio")
	ErrInvalidChannel  = errors.New("invalid IEEE 802.15.4 channel")

	// Frame errors - not retryable
	ErrFrameTooLarge = errors.New("frame too large")
	ErrEmptyFrame    = errors.New("empty frame")

	// Pipeline errors
	ErrQueueClosed    = errors.New("capture queue closed")
	ErrPortClosed     = errors.New("serial port is closed")
	ErrBridgeRunning  = errors.New("bridge already running")
	ErrBridgeStopped  = errors.New("bridge not running")
	ErrInvalidMode    = errors.New("invalid operation mode")
	ErrInvalidOptions = errors.New("invalid options")
)

// RadioError wraps radio-adapter errors with the failing operation
type RadioError struct {
	Err       error  // Underlying error
	Op        string // Operation that failed
	Device    string // Adapter or device identifier
	Retryable bool   // Whether the error is retryable
}

func (e *RadioError) Error() string {
	if e.Device != "" {
		return fmt.Sprintf("%s %s: %v", e.Op, e.Device, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *RadioError) Unwrap() error {
	return e.Err
}

// NewRadioError creates a radio error. Timeouts and busy errors are retryable.
func NewRadioError(op, device string, err error) *RadioError {
	return &RadioError{
		Op:        op,
		Device:    device,
		Err:       err,
		Retryable: errors.Is(err, ErrRadioTimeout) || errors.Is(err, ErrRadioBusy),
	}
}

// ModeError reports a failed mode transition. The controller stays in From.
type ModeError struct {
	Err  error
	Step string
	From OperationMode
	To   OperationMode
}

func (e *ModeError) Error() string {
	return fmt.Sprintf("switch %s -> %s failed at %s: %v", e.From, e.To, e.Step, e.Err)
}

func (e *ModeError) Unwrap() error {
	return e.Err
}

// IsRetryable returns true if the error is potentially retryable
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	var re *RadioError
	if errors.As(err, &re) {
		return re.Retryable
	}

	switch {
	case errors.Is(err, ErrRadioTimeout),
		errors.Is(err, ErrRadioBusy):
		return true
	default:
		return false
	}
}

// IsFatal returns true if the error indicates the port or radio is gone and
// the loop that hit it should stop. A frame-level failure is never fatal.
func IsFatal(err error) bool {
	if err == nil {
		return false
	}

	if isDeviceGoneError(err) {
		return true
	}

	switch {
	case errors.Is(err, ErrPortClosed),
		errors.Is(err, ErrQueueClosed),
		errors.Is(err, io.EOF),
		errors.Is(err, io.ErrClosedPipe):
		return true
	default:
		return false
	}
}

// Windows error codes for device disconnection detection.
const (
	errAccessDenied syscall.Errno = 5   // ERROR_ACCESS_DENIED
	errGenFailure   syscall.Errno = 31  // ERROR_GEN_FAILURE
	errNoSuchDevice syscall.Errno = 433 // ERROR_NO_SUCH_DEVICE
)

// isDeviceGoneError checks for OS-level errors raised when a USB serial
// adapter or radio dongle is unplugged during I/O.
func isDeviceGoneError(err error) bool {
	var errno syscall.Errno
	if !errors.As(err, &errno) {
		return false
	}

	//nolint:exhaustive // Only checking specific device-gone errors
	switch errno {
	case syscall.EIO, syscall.ENXIO, syscall.ENODEV:
		return true
	}

	if runtime.GOOS == "windows" {
		//nolint:exhaustive // Only checking specific device-gone errors
		switch errno {
		case errAccessDenied, errGenFailure, errNoSuchDevice:
			return true
		}
	}

	return false
}
