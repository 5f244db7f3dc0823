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

package detection

import "strings"

// KnownDevice is USB hardware that ships or can run a Zigbee sniffer
type KnownDevice struct {
	VID   string
	PID   string // empty matches any product of the vendor
	Name  string
	Radio string
	// Generic marks USB-serial bridge chips that only sometimes carry a sniffer
	Generic bool
}

// KnownDevices is consulted in order; the first match wins
var KnownDevices = []KnownDevice{
	{VID: "303A", PID: "1001", Name: "ESP32-H2/C6 (USB Serial/JTAG)", Radio: RadioBridge},
	{VID: "303A", Name: "Espressif native USB", Radio: RadioBridge},
	{VID: "0451", PID: "16AE", Name: "TI CC2531 packet sniffer", Radio: RadioCC2531},
	{VID: "0451", PID: "16A8", Name: "TI CC2531 ZNP", Radio: RadioBridge},
	{VID: "1CF1", PID: "0030", Name: "dresden elektronik RaspBee/ConBee", Radio: RadioBridge},
	{VID: "10C4", PID: "EA60", Name: "Silicon Labs CP210x", Radio: RadioBridge, Generic: true},
	{VID: "1A86", PID: "7523", Name: "QinHeng CH340", Radio: RadioBridge, Generic: true},
	{VID: "0403", Name: "FTDI USB serial", Radio: RadioBridge, Generic: true},
}

// Lookup finds vid and pid (hex, any case) in KnownDevices
func Lookup(vid, pid string) (KnownDevice, bool) {
	vid = strings.ToUpper(strings.TrimSpace(vid))
	pid = strings.ToUpper(strings.TrimSpace(pid))
	for _, known := range KnownDevices {
		if known.VID != vid {
			continue
		}
		if known.PID == "" || known.PID == pid {
			return known, true
		}
	}
	return KnownDevice{}, false
}
