// Copyright 2026 The Canopy Authors
// SPDX-License-Identifier: Apache-2.0

package surface

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"sync"

	"github.com/canopy-foundation/canopy/wire"
)

// InheritedChannel adopts the protocol channel descriptor passed by
// the supervisor. Surface processes call this once at startup.
func InheritedChannel() (io.ReadWriteCloser, error) {
	fdText := os.Getenv(ChannelFDEnv)
	if fdText == "" {
		fdText = strconv.Itoa(channelFD)
	}
	fd, err := strconv.Atoi(fdText)
	if err != nil || fd < 0 {
		return nil, fmt.Errorf("invalid %s value %q", ChannelFDEnv, fdText)
	}
	file := os.NewFile(uintptr(fd), "canopy-channel")
	if file == nil {
		return nil, fmt.Errorf("descriptor %d is not open", fd)
	}
	return file, nil
}

// InheritedRole returns the role key the supervisor assigned this
// surface process.
func InheritedRole() (wire.Role, error) {
	key := os.Getenv(RoleEnv)
	if key == "" {
		return wire.Role{}, fmt.Errorf("%s is not set", RoleEnv)
	}
	return wire.ParseRole(key)
}

// Host is the surface-process side of the protocol: it owns the
// inherited channel, announces readiness, and serves inbound messages
// to registered handlers. Real surfaces embed their rendering loop
// around it; canopy-surface-mock is a minimal example.
type Host struct {
	// Codec frames messages. Required, and must agree with the
	// supervisor's registry.
	Codec *wire.Codec

	// Channel is the bidirectional byte channel, normally from
	// InheritedChannel.
	Channel io.ReadWriteCloser

	// Logger receives structured log output. Nil selects
	// slog.Default().
	Logger *slog.Logger

	mu       sync.Mutex
	sequence uint64
	handlers map[string]func(wire.Message)
}

// HandleFunc registers fn for a message type. Later registrations for
// the same type replace earlier ones. Not safe to call concurrently
// with Run.
func (h *Host) HandleFunc(messageType string, fn func(wire.Message)) {
	if h.handlers == nil {
		h.handlers = make(map[string]func(wire.Message))
	}
	h.handlers[messageType] = fn
}

// Send writes one message to the supervisor, assigning the channel's
// next sequence number. Safe for concurrent use.
func (h *Host) Send(messageType string, payload []byte) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.sequence++
	return h.Codec.WriteMessage(h.Channel, wire.Message{
		Type:     messageType,
		Sequence: h.sequence,
		Payload:  payload,
	})
}

// Ready emits the handshake message. The supervisor treats the surface
// as spawn-failed unless this arrives within its handshake timeout, so
// call it as early as startup allows.
func (h *Host) Ready() error {
	return h.Send(wire.TypeReady, nil)
}

// Run serves inbound messages until the channel closes or ctx is
// cancelled. Decode errors are logged and skipped; messages without a
// registered handler are logged at debug. Returns nil on a clean
// channel close or cancellation.
func (h *Host) Run(ctx context.Context) error {
	logger := h.Logger
	if logger == nil {
		logger = slog.Default()
	}

	// Cancellation unblocks the read loop by closing the channel.
	stop := context.AfterFunc(ctx, func() { h.Channel.Close() })
	defer stop()

	for {
		message, err := h.Codec.ReadMessage(h.Channel)
		if err != nil {
			if errors.Is(err, wire.ErrUnknownType) || errors.Is(err, wire.ErrVersionMismatch) || errors.Is(err, wire.ErrTruncated) {
				logger.Warn("discarding malformed message", "error", err)
				continue
			}
			if ctx.Err() != nil || errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("reading from supervisor channel: %w", err)
		}

		if fn, ok := h.handlers[message.Type]; ok {
			fn(message)
			continue
		}
		logger.Debug("no handler for message", "type", message.Type)
	}
}
