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
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// Status is an immutable snapshot of the bridge state
type Status struct {
	Mode        OperationMode
	Queued      int
	Capacity    int
	Dropped     uint64
	Captured    uint64
	Truncated   uint64 // captured frames clipped to MaxFrameSize
	Transmitted int64
}

// String renders the fields reported by the STATUS command
func (s Status) String() string {
	return fmt.Sprintf("mode=%s queue=%d/%d dropped=%d", s.Mode, s.Queued, s.Capacity, s.Dropped)
}

// Config holds bridge configuration
type Config struct {
	Retry          *RetryConfig
	Sequence       SequenceSource
	ReadTimeout    time.Duration
	QueueCapacity  int
	ReadBufferSize int
	Channel        uint8
}

// DefaultConfig matches the reference sniffer firmware: channel 13, a
// 40-frame queue and 100 ms serial polling.
func DefaultConfig() *Config {
	return &Config{
		Channel:        DefaultChannel,
		QueueCapacity:  DefaultQueueCapacity,
		ReadTimeout:    DefaultReadTimeout,
		ReadBufferSize: DefaultReadBufferSize,
		Retry:          DefaultRetryConfig(),
	}
}

// Option configures a Bridge
type Option func(*Config) error

// WithChannel sets the radio channel (11-26)
func WithChannel(channel uint8) Option {
	return func(c *Config) error {
		if err := ValidateChannel(channel); err != nil {
			return err
		}
		c.Channel = channel
		return nil
	}
}

// WithQueueCapacity sets the capture queue size
func WithQueueCapacity(capacity int) Option {
	return func(c *Config) error {
		if capacity < 1 {
			return fmt.Errorf("%w: queue capacity must be at least 1, got %d", ErrInvalidOptions, capacity)
		}
		c.QueueCapacity = capacity
		return nil
	}
}

// WithReadTimeout sets how long a serial read waits before re-polling
func WithReadTimeout(timeout time.Duration) Option {
	return func(c *Config) error {
		if timeout <= 0 {
			return fmt.Errorf("%w: read timeout must be positive", ErrInvalidOptions)
		}
		c.ReadTimeout = timeout
		return nil
	}
}

// WithReadBufferSize sets the serial read chunk size
func WithReadBufferSize(size int) Option {
	return func(c *Config) error {
		if size <= MaxFrameSize {
			return fmt.Errorf("%w: read buffer must exceed %d bytes", ErrInvalidOptions, MaxFrameSize)
		}
		c.ReadBufferSize = size
		return nil
	}
}

// WithRetryConfig sets the retry policy for radio configuration steps
func WithRetryConfig(retry *RetryConfig) Option {
	return func(c *Config) error {
		c.Retry = retry
		return nil
	}
}

// WithSequenceSource overrides the record sequence counter
func WithSequenceSource(seq SequenceSource) Option {
	return func(c *Config) error {
		c.Sequence = seq
		return nil
	}
}

// Bridge connects a Radio to a serial Port: captured frames go out as text
// records, serial input comes back as commands or frames to transmit.
type Bridge struct {
	radio     Radio
	port      Port
	config    *Config
	queue     *CaptureQueue
	pool      *framePool
	ctrl      *ModeController
	out       *Output
	sender    *Sender
	receiver  *Receiver
	cancel    context.CancelFunc
	errs      chan error
	wg        sync.WaitGroup
	captured  atomic.Uint64
	truncated atomic.Uint64
	running   atomic.Bool
}

// NewBridge builds a bridge. Nothing touches the radio or the port before Start.
func NewBridge(radio Radio, port Port, opts ...Option) (*Bridge, error) {
	if radio == nil || port == nil {
		return nil, fmt.Errorf("%w: radio and port are required", ErrInvalidOptions)
	}

	config := DefaultConfig()
	for _, opt := range opts {
		if err := opt(config); err != nil {
			return nil, fmt.Errorf("failed to apply bridge option: %w", err)
		}
	}
	if config.Sequence == nil {
		config.Sequence = TickSequence(time.Now())
	}

	b := &Bridge{
		radio:  radio,
		port:   port,
		config: config,
		queue:  NewCaptureQueue(config.QueueCapacity),
		// Frames are in the queue, in the sender, or in the handler.
		pool: newFramePool(config.QueueCapacity + 2),
		out:  NewOutput(port),
	}
	// The controller starts in TX so that switching to SNIFF at Start
	// really configures the radio.
	b.ctrl = NewModeController(radio, ModeTX, config.Retry)
	b.ctrl.OnChange(func(from, to OperationMode) {
		Logger().Info().
			Str("from", from.String()).
			Str("mode", to.String()).
			Uint8("channel", config.Channel).
			Msg("mode changed")
	})
	b.sender = NewSender(b.queue, b.out, config.Sequence, b.pool.put)
	b.receiver = NewReceiver(port, b.ctrl, radio, b.out, b.Status, config.ReadTimeout, config.ReadBufferSize)
	return b, nil
}

// Start enables the radio, tunes it, enters SNIFF mode and launches the
// sender and receiver goroutines. They run until ctx is cancelled, Close is
// called or one of them fails.
func (b *Bridge) Start(ctx context.Context) error {
	if !b.running.CompareAndSwap(false, true) {
		return ErrBridgeRunning
	}

	if err := b.radio.Enable(); err != nil {
		b.running.Store(false)
		return fmt.Errorf("failed to enable radio: %w", err)
	}
	if err := b.radio.SetChannel(b.config.Channel); err != nil {
		b.running.Store(false)
		return fmt.Errorf("failed to set channel %d: %w", b.config.Channel, err)
	}
	b.radio.SetReceiveHandler(b.HandleFrame)

	if err := b.ctrl.SetMode(ModeSniff); err != nil {
		b.radio.SetReceiveHandler(nil)
		b.running.Store(false)
		return fmt.Errorf("failed to enter sniff mode: %w", err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	b.cancel = cancel
	b.errs = make(chan error, 2)

	b.wg.Add(2)
	go b.runLoop(runCtx, "sender", b.sender.Run)
	go b.runLoop(runCtx, "receiver", b.receiver.Run)

	Logger().Info().
		Uint8("channel", b.config.Channel).
		Int("queue", b.queue.Cap()).
		Msg("bridge started")
	return nil
}

func (b *Bridge) runLoop(ctx context.Context, name string, run func(context.Context) error) {
	defer b.wg.Done()
	if err := run(ctx); err != nil {
		Logger().Error().Err(err).Str("loop", name).Msg("bridge loop stopped")
		b.errs <- fmt.Errorf("%s: %w", name, err)
		// One side without the other is useless.
		b.cancel()
	}
}

// HandleFrame is the radio receive handler. It never blocks: outside SNIFF
// mode the frame is ignored, and when no pooled frame or queue slot is free
// the frame is dropped and counted.
func (b *Bridge) HandleFrame(raw []byte, info FrameInfo) {
	if b.ctrl.Mode() != ModeSniff {
		return
	}

	f := b.pool.get()
	if f == nil {
		b.queue.CountDrop()
		return
	}
	truncated := f.fill(raw, info.RSSI)

	if !b.queue.TryEnqueue(f) {
		b.pool.put(f)
		return
	}
	b.captured.Add(1)
	if truncated {
		b.truncated.Add(1)
		Debugf("frame of %d bytes clipped to %d", len(raw), MaxFrameSize)
	}
}

// SetMode switches the bridge between SNIFF and TX
func (b *Bridge) SetMode(mode OperationMode) error {
	return b.ctrl.SetMode(mode)
}

// Mode returns the current operation mode
func (b *Bridge) Mode() OperationMode {
	return b.ctrl.Mode()
}

// Status returns a snapshot of mode, queue occupancy and counters
func (b *Bridge) Status() Status {
	return Status{
		Mode:        b.ctrl.Mode(),
		Queued:      b.queue.Len(),
		Capacity:    b.queue.Cap(),
		Dropped:     b.queue.Dropped(),
		Captured:    b.captured.Load(),
		Truncated:   b.truncated.Load(),
		Transmitted: b.receiver.GetMetrics().Transmitted,
	}
}

// Metrics returns the sender and receiver counters
func (b *Bridge) Metrics() (SenderMetrics, ReceiverMetrics) {
	return b.sender.GetMetrics(), b.receiver.GetMetrics()
}

// Wait blocks until both loops have exited and returns the first loop error
func (b *Bridge) Wait() error {
	b.wg.Wait()
	if b.errs == nil {
		return nil
	}
	select {
	case err := <-b.errs:
		return err
	default:
		return nil
	}
}

// Close stops the loops, detaches the receive handler and disables the radio.
// The radio and port themselves are left open for the caller to close.
func (b *Bridge) Close() error {
	if !b.running.CompareAndSwap(true, false) {
		return ErrBridgeStopped
	}
	b.cancel()
	b.wg.Wait()

	b.radio.SetReceiveHandler(nil)
	if err := b.radio.Disable(); err != nil && !errors.Is(err, ErrNotSupported) {
		return fmt.Errorf("failed to disable radio: %w", err)
	}
	Logger().Info().Str("status", b.Status().String()).Msg("bridge stopped")
	return nil
}
