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

package main

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/manifoldco/promptui"
	"github.com/zbsniff/go-zbsniff/detection"
	_ "github.com/zbsniff/go-zbsniff/detection/uart"
	_ "github.com/zbsniff/go-zbsniff/detection/usb"
	"github.com/zbsniff/go-zbsniff/transport/uart"
)

// Replaced in tests
var selectDevice = promptSelect

// resolvePort returns path, or finds a serial bridge when path is empty.
// With several candidates the user picks one.
func resolvePort(ctx context.Context, path string) (string, error) {
	if path != "" {
		return path, nil
	}

	opts := detection.DefaultOptions()
	opts.Transports = []string{"uart"}
	devices, err := detection.DetectAll(ctx, &opts)
	if err != nil {
		return "", fmt.Errorf("no --port given and auto-detection failed: %w", err)
	}
	devices = bridgesOnly(devices)
	switch len(devices) {
	case 0:
		return "", fmt.Errorf("no --port given: %w", detection.ErrNoDevicesFound)
	case 1:
		return devices[0].Path, nil
	}
	device, err := selectDevice(devices)
	if err != nil {
		return "", err
	}
	return device.Path, nil
}

func bridgesOnly(devices []detection.DeviceInfo) []detection.DeviceInfo {
	var out []detection.DeviceInfo
	for _, d := range devices {
		if d.Radio == detection.RadioBridge {
			out = append(out, d)
		}
	}
	return out
}

func promptSelect(devices []detection.DeviceInfo) (detection.DeviceInfo, error) {
	prompt := promptui.Select{
		Label: "Select sniffer",
		Items: devices,
		Templates: &promptui.SelectTemplates{
			Label:    "{{ . }}",
			Active:   "▸ {{ .Path | cyan }} {{ .Name }}",
			Inactive: "  {{ .Path }} {{ .Name }}",
			Selected: "Using {{ .Path | green }}",
		},
	}
	idx, _, err := prompt.Run()
	if err != nil {
		return detection.DeviceInfo{}, fmt.Errorf("device selection: %w", err)
	}
	return devices[idx], nil
}

// confirm asks before anything is put on the air
func confirm(label string) error {
	prompt := promptui.Prompt{Label: label, IsConfirm: true}
	if _, err := prompt.Run(); err != nil {
		if errors.Is(err, promptui.ErrAbort) {
			return errors.New("aborted")
		}
		return err
	}
	return nil
}

func openPort(ctx context.Context, path string, baud int) (*uart.Port, error) {
	path, err := resolvePort(ctx, path)
	if err != nil {
		return nil, err
	}
	return uart.New(path, uart.WithBaudRate(baud))
}

// parseKey accepts a 16-byte network key as hex, with optional ':' or ' '
// separators. An empty string means no key.
func parseKey(s string) ([]byte, error) {
	if s == "" {
		return nil, nil
	}
	clean := strings.NewReplacer(":", "", " ", "", "0x", "").Replace(strings.ToLower(s))
	key, err := hex.DecodeString(clean)
	if err != nil {
		return nil, fmt.Errorf("network key: %w", err)
	}
	if len(key) != 16 {
		return nil, fmt.Errorf("network key must be 16 bytes, got %d", len(key))
	}
	return key, nil
}
