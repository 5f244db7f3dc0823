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

// Package usb detects CC2531 packet sniffer dongles, which have no serial
// interface and are driven over libusb. Importing it registers the detector.
package usb

import (
	"context"
	"fmt"

	"github.com/google/gousb"
	"github.com/zbsniff/go-zbsniff"
	"github.com/zbsniff/go-zbsniff/detection"
)

// Transport is the name this detector registers under
const Transport = "usb"

// descriptor is the part of a USB device descriptor detection looks at
type descriptor struct {
	Bus     int
	Address int
	Vendor  gousb.ID
	Product gousb.ID
}

// Replaced in tests
var listDevices = enumerate

type detector struct{}

// New returns the USB detector
func New() detection.Detector {
	return &detector{}
}

func init() {
	detection.RegisterDetector(New())
}

func (*detector) Transport() string {
	return Transport
}

// Detect walks the USB device descriptors without opening any device
func (*detector) Detect(_ context.Context, opts *detection.Options) ([]detection.DeviceInfo, error) {
	descs, err := listDevices()
	if err != nil {
		return nil, fmt.Errorf("failed to enumerate USB devices: %w", err)
	}

	var devices []detection.DeviceInfo
	for _, desc := range descs {
		vidpid := fmt.Sprintf("%04X:%04X", uint16(desc.Vendor), uint16(desc.Product))
		known, ok := detection.Lookup(desc.Vendor.String(), desc.Product.String())
		if !ok || known.Radio != detection.RadioCC2531 {
			continue
		}
		path := fmt.Sprintf("%03d:%03d", desc.Bus, desc.Address)
		if detection.IsBlocked(vidpid, opts.Blocklist) || detection.IsPathIgnored(path, opts.IgnorePaths) {
			zbsniff.Debugf("detect: skipping USB device %s (%s)", path, vidpid)
			continue
		}
		devices = append(devices, detection.DeviceInfo{
			Transport:  Transport,
			Path:       path,
			Name:       known.Name,
			Radio:      known.Radio,
			Confidence: detection.Medium,
			Metadata:   map[string]string{"vidpid": vidpid},
		})
	}

	if len(devices) == 0 {
		return nil, detection.ErrNoDevicesFound
	}
	return devices, nil
}

func enumerate() ([]descriptor, error) {
	ctx := gousb.NewContext()
	defer func() { _ = ctx.Close() }()

	var descs []descriptor
	// The opener never accepts, so nothing is opened or claimed.
	_, err := ctx.OpenDevices(func(desc *gousb.DeviceDesc) bool {
		descs = append(descs, descriptor{
			Bus:     desc.Bus,
			Address: desc.Address,
			Vendor:  desc.Vendor,
			Product: desc.Product,
		})
		return false
	})
	if err != nil {
		return nil, err
	}
	return descs, nil
}
