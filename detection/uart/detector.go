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

// Package uart detects sniffer bridges on serial ports. Importing it
// registers the detector with the detection package.
package uart

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/zbsniff/go-zbsniff"
	"github.com/zbsniff/go-zbsniff/detection"
	"github.com/zbsniff/go-zbsniff/monitor"
	"github.com/zbsniff/go-zbsniff/transport/uart"
	"go.bug.st/serial/enumerator"
)

// Transport is the name this detector registers under
const Transport = "uart"

const probePollInterval = 50 * time.Millisecond

// Replaced in tests
var (
	listPorts = enumerator.GetDetailedPortsList
	probeFn   = probePath
	accessFn  = accessible
)

type detector struct{}

// New returns the serial port detector
func New() detection.Detector {
	return &detector{}
}

func init() {
	detection.RegisterDetector(New())
}

func (*detector) Transport() string {
	return Transport
}

// Detect lists serial ports and keeps the ones that look like sniffers
func (d *detector) Detect(ctx context.Context, opts *detection.Options) ([]detection.DeviceInfo, error) {
	ports, err := listPorts()
	if err != nil {
		return nil, fmt.Errorf("failed to enumerate serial ports: %w", err)
	}

	var devices []detection.DeviceInfo
	for _, port := range ports {
		if ctx.Err() != nil {
			break
		}
		device, ok := d.classify(port, opts)
		if !ok {
			continue
		}
		if opts.Mode == detection.Probe {
			if device, ok = d.probe(ctx, device, opts); !ok {
				continue
			}
		}
		devices = append(devices, device)
	}

	if len(devices) == 0 {
		return nil, detection.ErrNoDevicesFound
	}
	return devices, nil
}

// classify applies the block and ignore lists and the known device table
func (*detector) classify(port *enumerator.PortDetails, opts *detection.Options) (detection.DeviceInfo, bool) {
	if detection.IsPathIgnored(port.Name, opts.IgnorePaths) {
		return detection.DeviceInfo{}, false
	}

	device := detection.DeviceInfo{
		Transport:  Transport,
		Path:       port.Name,
		Name:       port.Name,
		Radio:      detection.RadioBridge,
		Confidence: detection.Low,
		Metadata:   make(map[string]string),
	}

	if !port.IsUSB {
		// On-board UARTs can be wired to a radio module but are never a given.
		if !opts.IncludeGeneric {
			return detection.DeviceInfo{}, false
		}
		return withAccess(device), true
	}

	vidpid := strings.ToUpper(port.VID + ":" + port.PID)
	if detection.IsBlocked(vidpid, opts.Blocklist) {
		zbsniff.Debugf("detect: %s (%s) is blocklisted", port.Name, vidpid)
		return detection.DeviceInfo{}, false
	}
	device.Metadata["vidpid"] = vidpid
	if port.Product != "" {
		device.Metadata["product"] = port.Product
	}
	if port.SerialNumber != "" {
		device.Metadata["serial"] = port.SerialNumber
	}

	known, ok := detection.Lookup(port.VID, port.PID)
	switch {
	case ok && known.Radio != detection.RadioBridge:
		// Not a serial sniffer even if the OS gave it a tty.
		return detection.DeviceInfo{}, false
	case ok:
		device.Name = known.Name
		if !known.Generic {
			device.Confidence = detection.Medium
		}
	case !opts.IncludeGeneric:
		return detection.DeviceInfo{}, false
	}
	return withAccess(device), true
}

// probe asks the bridge for its status. A generic adapter that does not
// answer is dropped; known hardware stays at its descriptor confidence.
func (*detector) probe(ctx context.Context, device detection.DeviceInfo, opts *detection.Options) (detection.DeviceInfo, bool) {
	timeout := opts.ProbeTimeout
	if timeout <= 0 {
		timeout = time.Second
	}
	probeCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	st, err := probeFn(probeCtx, device.Path)
	if err != nil {
		zbsniff.Debugf("detect: probe of %s failed: %v", device.Path, err)
		return device, device.Confidence >= detection.Medium
	}
	device.Confidence = detection.High
	device.Metadata["mode"] = st.Mode.String()
	return device, true
}

func withAccess(device detection.DeviceInfo) detection.DeviceInfo {
	if err := accessFn(device.Path); err != nil {
		device.Metadata["access"] = err.Error()
	}
	return device
}

// probePath opens path at the bridge's line settings and probes it. A single
// attempt is made: retries would keep poking devices that are not bridges.
func probePath(ctx context.Context, path string) (zbsniff.Status, error) {
	port, err := uart.New(path)
	if err != nil {
		return zbsniff.Status{}, err
	}
	defer func() { _ = port.Close() }()
	return ProbePort(ctx, port)
}

// ProbePort sends a STATUS command over port and waits for the status line,
// skipping capture records and log lines that arrive first.
func ProbePort(ctx context.Context, port zbsniff.Port) (zbsniff.Status, error) {
	if err := port.SetReadTimeout(probePollInterval); err != nil {
		return zbsniff.Status{}, err
	}
	if err := monitor.SendCommand(port, zbsniff.CommandStatus); err != nil {
		return zbsniff.Status{}, err
	}

	var pending []byte
	buf := make([]byte, 256)
	for {
		if err := ctx.Err(); err != nil {
			return zbsniff.Status{}, fmt.Errorf("no status reply: %w", err)
		}
		n, err := port.Read(buf)
		if err != nil {
			return zbsniff.Status{}, err
		}
		pending = append(pending, buf[:n]...)
		for {
			idx := bytes.IndexByte(pending, '\n')
			if idx < 0 {
				break
			}
			line := string(pending[:idx])
			pending = pending[idx+1:]
			if st, err := monitor.ParseStatus(line); err == nil {
				return st, nil
			}
		}
	}
}
