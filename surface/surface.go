// Copyright 2026 The Canopy Authors
// SPDX-License-Identifier: Apache-2.0

package surface

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/canopy-foundation/canopy/lib/clock"
	"github.com/canopy-foundation/canopy/wire"
)

// ID is a surface's opaque identifier, assigned by the supervisor at
// creation. IDs are stable for the surface's lifetime and never
// reused, including across crash recovery — a recreated surface gets a
// fresh ID.
type ID string

// State is a surface's position in the lifecycle state machine:
//
//	Requested → Starting → Ready → (Terminated | Closing → Closed)
//
// Terminated is entered on abnormal process exit while Ready; for
// recoverable roles the supervisor transitions the role back to
// Requested with a fresh ID. Closing/Closed is the explicit-shutdown
// path and is never auto-recovered.
type State int

const (
	StateRequested State = iota
	StateStarting
	StateReady
	StateTerminated
	StateClosing
	StateClosed
)

// String returns the lowercase state name used in logs and diagnostics.
func (s State) String() string {
	switch s {
	case StateRequested:
		return "requested"
	case StateStarting:
		return "starting"
	case StateReady:
		return "ready"
	case StateTerminated:
		return "terminated"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Send errors.
var (
	// ErrBackpressure indicates the surface's outbound queue is full.
	// The caller must batch or retry; it is never a surface failure.
	ErrBackpressure = errors.New("surface: outbound queue full")

	// ErrClosed indicates the handle no longer accepts sends.
	ErrClosed = errors.New("surface: handle closed")
)

// HandleConfig configures a Handle. ID, Role, Codec, Channel, and
// Process are required; callbacks are optional but a supervisor always
// sets them.
type HandleConfig struct {
	ID      ID
	Role    wire.Role
	Codec   *wire.Codec
	Channel io.ReadWriteCloser

	// Process is the surface's OS process (or test double). The
	// handle's monitor goroutine is its only Wait caller.
	Process Process

	// QueueSize bounds the outbound queue. Zero selects
	// DefaultQueueSize.
	QueueSize int

	// Clock drives the drain-on-close deadline. Nil selects the real
	// clock.
	Clock clock.Clock

	// Logger receives per-handle structured logging. Nil selects
	// slog.Default().
	Logger *slog.Logger

	// OnMessage is called from the reader goroutine for every decoded
	// inbound message. Implementations must only post to a channel —
	// never block on supervisor work.
	OnMessage func(ID, wire.Message)

	// OnDecodeError is called for per-message decode failures
	// (unknown type, version mismatch). The channel stays alive.
	OnDecodeError func(ID, error)

	// OnChannelClosed is called once when the reader hits a fatal
	// channel error (EOF, broken pipe). Not called for a close the
	// handle itself initiated.
	OnChannelClosed func(ID, error)

	// OnExit is called once when the process exits, with its exit
	// code (-1 when killed by signal).
	OnExit func(ID, int)
}

// DefaultQueueSize is the outbound queue bound when HandleConfig does
// not specify one. Sized for bursts of per-keystroke traffic between
// batch flushes.
const DefaultQueueSize = 256

// Handle is the supervisor-side owner of one surface process. All
// sends are serialized through its writer goroutine; the supervisor is
// the only caller of Send and Close.
type Handle struct {
	id        ID
	role      wire.Role
	codec     *wire.Codec
	channel   io.ReadWriteCloser
	process   Process
	clock     clock.Clock
	logger    *slog.Logger
	createdAt time.Time

	mu       sync.Mutex
	closing  bool
	sequence uint64
	outbound chan wire.Message

	alive      atomic.Bool
	writerDone chan struct{}
	readerDone chan struct{}

	onMessage       func(ID, wire.Message)
	onDecodeError   func(ID, error)
	onChannelClosed func(ID, error)
	onExit          func(ID, int)
}

// NewHandle starts a handle's writer, reader, and process monitor
// goroutines and returns it.
func NewHandle(config HandleConfig) *Handle {
	queueSize := config.QueueSize
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	clk := config.Clock
	if clk == nil {
		clk = clock.Real()
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}

	h := &Handle{
		id:              config.ID,
		role:            config.Role,
		codec:           config.Codec,
		channel:         config.Channel,
		process:         config.Process,
		clock:           clk,
		logger:          logger.With("surface", config.ID, "role", config.Role.String()),
		createdAt:       clk.Now(),
		outbound:        make(chan wire.Message, queueSize),
		writerDone:      make(chan struct{}),
		readerDone:      make(chan struct{}),
		onMessage:       config.OnMessage,
		onDecodeError:   config.OnDecodeError,
		onChannelClosed: config.OnChannelClosed,
		onExit:          config.OnExit,
	}
	h.alive.Store(true)

	go h.writeLoop()
	go h.readLoop()
	go h.monitorProcess()

	return h
}

// ID returns the surface's identifier.
func (h *Handle) ID() ID { return h.id }

// Role returns the surface's role.
func (h *Handle) Role() wire.Role { return h.role }

// PID returns the surface process's PID.
func (h *Handle) PID() int { return h.process.PID() }

// CreatedAt returns when the handle was created.
func (h *Handle) CreatedAt() time.Time { return h.createdAt }

// IsAlive reports last-known process liveness, updated asynchronously
// by the monitor goroutine — it is not a synchronous poll.
func (h *Handle) IsAlive() bool { return h.alive.Load() }

// Send enqueues a message for serialized delivery, assigning its
// per-channel sequence number. It never blocks: a full queue returns
// ErrBackpressure, a closed handle returns ErrClosed.
func (h *Handle) Send(message wire.Message) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closing {
		return ErrClosed
	}

	message.Sequence = h.sequence + 1
	select {
	case h.outbound <- message:
		h.sequence = message.Sequence
		return nil
	default:
		return ErrBackpressure
	}
}

// Close shuts the surface down: stop accepting sends, give the writer
// drainTimeout to flush the queue, then terminate the process and
// release the channel. Queued messages still unsent when the timeout
// elapses are discarded. Close is idempotent.
func (h *Handle) Close(drainTimeout time.Duration) error {
	h.mu.Lock()
	if h.closing {
		h.mu.Unlock()
		<-h.writerDone
		return nil
	}
	h.closing = true
	close(h.outbound)
	h.mu.Unlock()

	select {
	case <-h.writerDone:
	case <-h.clock.After(drainTimeout):
		h.logger.Warn("drain timeout elapsed, discarding queued messages")
	}

	// Terminate the process and release the channel. Closing the
	// channel unblocks both loops; discarded queue entries fail fast
	// in the writer.
	if err := h.process.Kill(); err != nil {
		h.logger.Debug("kill after close", "error", err)
	}
	if err := h.channel.Close(); err != nil {
		h.logger.Debug("channel close", "error", err)
	}

	<-h.writerDone
	return nil
}

// writeLoop is the single writer for the surface's channel. It drains
// the outbound queue in order; per-destination delivery order is
// send order because nothing else ever writes the channel.
func (h *Handle) writeLoop() {
	defer close(h.writerDone)
	for message := range h.outbound {
		if err := h.codec.WriteMessage(h.channel, message); err != nil {
			// Channel is gone; keep draining so Close never blocks
			// on a full queue, but stop paying for encode work.
			h.logger.Debug("write failed", "type", message.Type, "error", err)
		}
	}
}

// readLoop decodes inbound frames and posts them via OnMessage.
// Per-message decode errors are reported and the loop continues; a
// fatal channel error ends the loop and reports OnChannelClosed unless
// the handle initiated the close itself.
func (h *Handle) readLoop() {
	defer close(h.readerDone)
	for {
		message, err := h.codec.ReadMessage(h.channel)
		if err == nil {
			if h.onMessage != nil {
				h.onMessage(h.id, message)
			}
			continue
		}
		if errors.Is(err, wire.ErrUnknownType) || errors.Is(err, wire.ErrVersionMismatch) || errors.Is(err, wire.ErrTruncated) {
			if h.onDecodeError != nil {
				h.onDecodeError(h.id, err)
			}
			continue
		}

		h.mu.Lock()
		closing := h.closing
		h.mu.Unlock()
		if !closing && h.onChannelClosed != nil {
			h.onChannelClosed(h.id, err)
		}
		return
	}
}

// monitorProcess waits for process exit and reports it. This is the
// only Wait caller, so exit codes are never lost to a race.
func (h *Handle) monitorProcess() {
	exitCode, err := h.process.Wait()
	h.alive.Store(false)
	if err != nil {
		h.logger.Debug("process wait", "error", err)
	}
	if h.onExit != nil {
		h.onExit(h.id, exitCode)
	}
}
