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

package monitor

import (
	"encoding/json"
	"fmt"
	"time"

	zmq "github.com/pebbe/zmq4"
)

// DefaultZMQTopic prefixes every published message
const DefaultZMQTopic = "zbsniff"

// ZMQSink publishes records as two-part messages (topic, JSON record) on a
// ZeroMQ PUB socket
type ZMQSink struct {
	sock  *zmq.Socket
	topic string
}

// NewZMQSink binds a PUB socket to endpoint, e.g. "tcp://*:5556"
func NewZMQSink(endpoint, topic string) (*ZMQSink, error) {
	sock, err := zmq.NewSocket(zmq.PUB)
	if err != nil {
		return nil, fmt.Errorf("failed to create ZeroMQ socket: %w", err)
	}
	// Unsent records are dropped at Close instead of blocking shutdown
	if err := sock.SetLinger(100 * time.Millisecond); err != nil {
		_ = sock.Close()
		return nil, fmt.Errorf("failed to set ZeroMQ linger: %w", err)
	}
	if err := sock.Bind(endpoint); err != nil {
		_ = sock.Close()
		return nil, fmt.Errorf("failed to bind %s: %w", endpoint, err)
	}
	if topic == "" {
		topic = DefaultZMQTopic
	}
	return &ZMQSink{sock: sock, topic: topic}, nil
}

func (s *ZMQSink) WriteRecord(r *Record) error {
	msg, err := json.Marshal(r.JSON())
	if err != nil {
		return fmt.Errorf("failed to encode record: %w", err)
	}
	if _, err := s.sock.SendMessage(s.topic, msg); err != nil {
		return fmt.Errorf("failed to publish record: %w", err)
	}
	return nil
}

func (s *ZMQSink) Close() error {
	if err := s.sock.Close(); err != nil {
		return fmt.Errorf("failed to close ZeroMQ socket: %w", err)
	}
	return nil
}
