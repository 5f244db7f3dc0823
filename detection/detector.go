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

// Package detection finds Zigbee sniffer hardware attached to the host:
// serial bridges running the sniffer firmware and CC2531 USB dongles.
package detection

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Mode is how far detection goes beyond reading USB descriptors
type Mode int

const (
	// Passive only looks at port and USB descriptors
	Passive Mode = iota
	// Probe also asks serial bridges for their status line
	Probe
)

// Confidence is how sure detection is that a device is a sniffer
type Confidence int

const (
	// Low: a generic USB-serial adapter
	Low Confidence = iota
	// Medium: the USB IDs belong to known sniffer hardware
	Medium
	// High: the device answered a status request
	High
)

func (c Confidence) String() string {
	switch c {
	case Low:
		return "low"
	case Medium:
		return "medium"
	case High:
		return "high"
	default:
		return "unknown"
	}
}

// Radio backends a detected device is used with
const (
	RadioBridge = "bridge" // serial link to sniffer firmware
	RadioCC2531 = "cc2531" // TI packet sniffer over USB bulk
)

// DeviceInfo is a detected sniffer
type DeviceInfo struct {
	// Extra descriptors: "vidpid", "manufacturer", "product", "serial",
	// and "mode" once a probe succeeded
	Metadata map[string]string
	// "uart" or "usb"
	Transport string
	// Serial device path, or "bus:address" for USB devices
	Path string
	// Hardware name from the known device table, or the port name
	Name string
	// RadioBridge or RadioCC2531
	Radio      string
	Confidence Confidence
}

func (d DeviceInfo) String() string {
	name := d.Name
	if name == "" {
		name = d.Transport + " device"
	}
	return fmt.Sprintf("%s at %s (confidence: %s)", name, d.Path, d.Confidence)
}

// Options configures detection
type Options struct {
	// USB VID:PID pairs to skip
	Blocklist []string
	// Device paths to skip
	IgnorePaths []string
	// Transports to check; empty checks all registered ones
	Transports []string
	CacheTTL   time.Duration
	// Bound on the whole run
	Timeout time.Duration
	// Bound on a single status probe
	ProbeTimeout time.Duration
	Mode         Mode
	EnableCache  bool
	// Report generic USB-serial adapters too, at Low confidence
	IncludeGeneric bool
}

// DefaultOptions returns passive detection with a short cache
func DefaultOptions() Options {
	return Options{
		Mode:         Passive,
		Timeout:      5 * time.Second,
		ProbeTimeout: time.Second,
		Blocklist:    DefaultBlocklist(),
		EnableCache:  true,
		CacheTTL:     30 * time.Second,
	}
}

// Detector finds devices on one transport
type Detector interface {
	Detect(ctx context.Context, opts *Options) ([]DeviceInfo, error)
	Transport() string
}

var (
	// ErrNoDevicesFound is returned when no sniffer was found
	ErrNoDevicesFound = errors.New("no sniffer devices found")
	// ErrDetectionTimeout is returned when Options.Timeout elapsed
	ErrDetectionTimeout = errors.New("detection timeout")
	// ErrNoDetectors is returned when no detector matches Options.Transports
	ErrNoDetectors = errors.New("no detectors available for specified transports")
)

var registry []Detector

// RegisterDetector adds a detector; transport packages call it from init
func RegisterDetector(d Detector) {
	registry = append(registry, d)
}

func getDetectors(transports []string) []Detector {
	if len(transports) == 0 {
		return registry
	}

	var filtered []Detector
	for _, d := range registry {
		for _, t := range transports {
			if d.Transport() == t {
				filtered = append(filtered, d)
				break
			}
		}
	}
	return filtered
}

type detectionResult struct {
	err     error
	devices []DeviceInfo
}

// DetectAll runs every selected detector in parallel and merges the results.
// Devices are returned even when some detectors failed.
func DetectAll(ctx context.Context, opts *Options) ([]DeviceInfo, error) {
	return detectWith(ctx, getDetectors(opts.Transports), opts)
}

func detectWith(ctx context.Context, detectors []Detector, opts *Options) ([]DeviceInfo, error) {
	if len(detectors) == 0 {
		return nil, ErrNoDetectors
	}
	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	results := make(chan detectionResult, len(detectors))
	for _, d := range detectors {
		go func(d Detector) {
			results <- runSingleDetector(ctx, d, opts)
		}(d)
	}

	var devices []DeviceInfo
	var errs []error
	for range detectors {
		select {
		case res := <-results:
			if res.err != nil {
				errs = append(errs, res.err)
				continue
			}
			devices = append(devices, res.devices...)
		case <-ctx.Done():
			return nil, ErrDetectionTimeout
		}
	}

	if len(devices) > 0 {
		return devices, nil
	}
	if len(errs) > 0 {
		return nil, errs[0]
	}
	return nil, ErrNoDevicesFound
}

func runSingleDetector(ctx context.Context, d Detector, opts *Options) detectionResult {
	if opts.EnableCache {
		if cached, found := getCached(d.Transport(), opts.CacheTTL); found {
			// Cached results were filtered with the options of their run.
			return detectionResult{devices: filterDevices(cached, opts)}
		}
	}

	devices, err := d.Detect(ctx, opts)
	if err != nil && !errors.Is(err, ErrNoDevicesFound) {
		return detectionResult{err: fmt.Errorf("%s detection: %w", d.Transport(), err)}
	}

	if opts.EnableCache {
		if len(devices) > 0 {
			setCached(d.Transport(), devices)
		} else {
			clearCacheForTransport(d.Transport())
		}
	}
	return detectionResult{devices: devices}
}

// filterDevices applies IgnorePaths and Blocklist
func filterDevices(devices []DeviceInfo, opts *Options) []DeviceInfo {
	if len(opts.IgnorePaths) == 0 && len(opts.Blocklist) == 0 {
		return devices
	}

	var filtered []DeviceInfo
	for _, device := range devices {
		if IsPathIgnored(device.Path, opts.IgnorePaths) {
			continue
		}
		if vidpid, ok := device.Metadata["vidpid"]; ok && IsBlocked(vidpid, opts.Blocklist) {
			continue
		}
		filtered = append(filtered, device)
	}
	return filtered
}

// ClearDetectionCache drops all cached results
func ClearDetectionCache() {
	clearCache()
}

// ClearDetectionCacheForTransport drops the cached results of one transport
func ClearDetectionCacheForTransport(transport string) {
	clearCacheForTransport(transport)
}
