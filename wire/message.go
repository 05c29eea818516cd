// Copyright 2026 The Canopy Authors
// SPDX-License-Identifier: Apache-2.0

package wire

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// FormatVersion is the wire format version this package encodes. The
// fixed header layout (version, tag, flags, sequence) is invariant
// across versions by contract, so a decoder can always consume a full
// frame before rejecting its version.
const FormatVersion byte = 1

// fixedHeaderLength is the size of the invariant frame prefix:
// 1 byte version + 2 bytes type tag + 1 byte flags + 8 bytes sequence.
const fixedHeaderLength = 12

// maxPayloadLength bounds a single frame's payload. 16 MB is generous
// for UI coordination traffic; a full diagnostics set for a large file
// is tens of kilobytes.
const maxPayloadLength = 16 * 1024 * 1024

// maxKindLength bounds the target-role kind string in a frame header.
const maxKindLength = 64

// Flags byte layout.
const (
	flagCompressionMask byte = 0x03 // low two bits: CompressionTag
	flagTargetPresent   byte = 0x04
)

// Target-role tags in the frame header.
const (
	roleTagPrimary   byte = 1
	roleTagSecondary byte = 2
)

// Decode errors. All three are per-message: callers log, discard the
// frame, and keep the channel alive.
var (
	// ErrTruncated indicates fewer bytes were available than the
	// frame declared.
	ErrTruncated = errors.New("wire: truncated frame")

	// ErrUnknownType indicates the frame's type tag is not in the
	// registry.
	ErrUnknownType = errors.New("wire: unknown message type")

	// ErrVersionMismatch indicates an unsupported format version.
	ErrVersionMismatch = errors.New("wire: unsupported format version")
)

// Message is one typed message on the coordination bus. Messages are
// immutable once constructed; routing and policy decisions read them,
// never modify them.
type Message struct {
	// Type is the namespaced message type, e.g.
	// "debug.breakpoint_added".
	Type string

	// Target, when non-nil, routes the message only to live surfaces
	// of that role. When nil, the router consults the static routing
	// table for the message type.
	Target *Role

	// Sequence is the per-(sender, channel) counter, assigned at
	// enqueue time. Used to detect reordering and drops for
	// diagnostics only — no cross-surface order is derived from it.
	Sequence uint64

	// Payload is the opaque typed body, conventionally CBOR via
	// lib/codec. Nil for payload-free control messages.
	Payload []byte
}

// BatchPayload is the CBOR body of a TypeBatch message: the ordered
// items of one flush window for a single high-frequency message type.
type BatchPayload struct {
	// Type is the batched application message type.
	Type string `cbor:"type"`

	// Items are the original payload bodies in arrival order.
	Items [][]byte `cbor:"items"`
}

// LayoutUpdate is the CBOR body of a TypeLayout message. Surfaces emit
// it when their window moves, resizes, or toggles visibility; the
// supervisor folds it into the persisted layout.
type LayoutUpdate struct {
	Visible bool `cbor:"visible"`
	X       int  `cbor:"x"`
	Y       int  `cbor:"y"`
	Width   int  `cbor:"width"`
	Height  int  `cbor:"height"`
}

// Codec encodes and decodes frames against a type registry. The zero
// value is unusable; populate Registry. A Codec is read-only after
// construction and safe for concurrent use.
type Codec struct {
	// Registry maps type names to wire tags. Required.
	Registry *Registry

	// Compression is applied to payloads at or above
	// CompressionThreshold. CompressionNone disables it.
	Compression CompressionTag

	// CompressionThreshold is the minimum payload size, in bytes, for
	// Compression to apply. Zero means compress everything when
	// Compression is set.
	CompressionThreshold int
}

// Encode serializes a message to a single frame. Encoding is
// deterministic: the same message through the same codec configuration
// always yields identical bytes.
func (c *Codec) Encode(message Message) ([]byte, error) {
	tag, ok := c.Registry.TagFor(message.Type)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, message.Type)
	}
	if len(message.Payload) > maxPayloadLength {
		return nil, fmt.Errorf("payload length %d exceeds maximum %d", len(message.Payload), maxPayloadLength)
	}

	compression := CompressionNone
	stored := message.Payload
	if c.Compression != CompressionNone && len(message.Payload) >= c.CompressionThreshold && len(message.Payload) > 0 {
		var err error
		stored, compression, err = compressPayload(c.Compression, message.Payload)
		if err != nil {
			return nil, err
		}
	}

	flags := byte(compression) & flagCompressionMask
	if message.Target != nil {
		flags |= flagTargetPresent
	}

	var frame bytes.Buffer
	frame.WriteByte(FormatVersion)

	var header [fixedHeaderLength - 1]byte
	binary.BigEndian.PutUint16(header[0:2], tag)
	header[2] = flags
	binary.BigEndian.PutUint64(header[3:11], message.Sequence)
	frame.Write(header[:])

	if message.Target != nil {
		if err := encodeTarget(&frame, *message.Target); err != nil {
			return nil, err
		}
	}

	var lengths [4]byte
	binary.BigEndian.PutUint32(lengths[:], uint32(len(stored)))
	frame.Write(lengths[:])
	if compression != CompressionNone {
		binary.BigEndian.PutUint32(lengths[:], uint32(len(message.Payload)))
		frame.Write(lengths[:])
	}
	frame.Write(stored)

	return frame.Bytes(), nil
}

// encodeTarget appends the target-role header section.
func encodeTarget(frame *bytes.Buffer, target Role) error {
	if target.IsZero() {
		return fmt.Errorf("encoding target: zero role")
	}
	if target.IsPrimary() {
		frame.WriteByte(roleTagPrimary)
		return nil
	}
	kind := target.Kind()
	if len(kind) > maxKindLength {
		return fmt.Errorf("encoding target: kind %q exceeds %d bytes", kind, maxKindLength)
	}
	frame.WriteByte(roleTagSecondary)
	frame.WriteByte(byte(len(kind)))
	frame.WriteString(kind)
	return nil
}

// Decode parses a single frame from a buffer. Trailing bytes beyond
// the declared frame are ignored. Returns ErrTruncated, ErrUnknownType
// or ErrVersionMismatch for malformed frames; all are per-message
// errors.
func (c *Codec) Decode(data []byte) (Message, error) {
	if len(data) == 0 {
		return Message{}, fmt.Errorf("%w: empty buffer", ErrTruncated)
	}
	message, err := c.ReadMessage(bytes.NewReader(data))
	if err != nil && (errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF)) {
		return Message{}, fmt.Errorf("%w: frame shorter than declared", ErrTruncated)
	}
	return message, err
}

// ReadMessage reads one frame from r. On a clean close before the
// first header byte it returns io.EOF. For frames carrying an
// unsupported version or an unregistered type tag, the full declared
// frame is consumed before the error is returned, so stream readers
// can treat both as per-message errors and continue.
func (c *Codec) ReadMessage(r io.Reader) (Message, error) {
	var header [fixedHeaderLength]byte
	if _, err := io.ReadFull(r, header[:1]); err != nil {
		return Message{}, err
	}
	if _, err := io.ReadFull(r, header[1:]); err != nil {
		return Message{}, fmt.Errorf("reading frame header: %w", err)
	}

	version := header[0]
	tag := binary.BigEndian.Uint16(header[1:3])
	flags := header[3]
	sequence := binary.BigEndian.Uint64(header[4:12])

	compression := CompressionTag(flags & flagCompressionMask)

	var target *Role
	if flags&flagTargetPresent != 0 {
		role, err := readTarget(r)
		if err != nil {
			return Message{}, err
		}
		target = &role
	}

	var lengths [4]byte
	if _, err := io.ReadFull(r, lengths[:]); err != nil {
		return Message{}, fmt.Errorf("reading payload length: %w", err)
	}
	storedLength := binary.BigEndian.Uint32(lengths[:])
	if storedLength > maxPayloadLength {
		return Message{}, fmt.Errorf("stored payload length %d exceeds maximum %d", storedLength, maxPayloadLength)
	}

	rawLength := int(storedLength)
	if compression != CompressionNone {
		if _, err := io.ReadFull(r, lengths[:]); err != nil {
			return Message{}, fmt.Errorf("reading raw payload length: %w", err)
		}
		declaredRaw := binary.BigEndian.Uint32(lengths[:])
		if declaredRaw > maxPayloadLength {
			return Message{}, fmt.Errorf("raw payload length %d exceeds maximum %d", declaredRaw, maxPayloadLength)
		}
		rawLength = int(declaredRaw)
	}

	var stored []byte
	if storedLength > 0 {
		stored = make([]byte, storedLength)
		if _, err := io.ReadFull(r, stored); err != nil {
			return Message{}, fmt.Errorf("%w: payload declared %d bytes: %v", ErrTruncated, storedLength, err)
		}
	}

	// Frame fully consumed — version and type checks come after so the
	// stream stays aligned for the next frame.
	if version != FormatVersion {
		return Message{}, fmt.Errorf("%w: got %d, support %d", ErrVersionMismatch, version, FormatVersion)
	}
	name, ok := c.Registry.NameFor(tag)
	if !ok {
		return Message{}, fmt.Errorf("%w: tag 0x%04x", ErrUnknownType, tag)
	}

	payload, err := decompressPayload(compression, stored, rawLength)
	if err != nil {
		return Message{}, err
	}
	if len(payload) == 0 {
		payload = nil
	}

	return Message{
		Type:     name,
		Target:   target,
		Sequence: sequence,
		Payload:  payload,
	}, nil
}

// readTarget reads the target-role header section.
func readTarget(r io.Reader) (Role, error) {
	var roleTag [1]byte
	if _, err := io.ReadFull(r, roleTag[:]); err != nil {
		return Role{}, fmt.Errorf("reading target role tag: %w", err)
	}
	switch roleTag[0] {
	case roleTagPrimary:
		return Primary(), nil
	case roleTagSecondary:
		var kindLength [1]byte
		if _, err := io.ReadFull(r, kindLength[:]); err != nil {
			return Role{}, fmt.Errorf("reading target kind length: %w", err)
		}
		if kindLength[0] == 0 {
			return Role{}, fmt.Errorf("target secondary role with empty kind")
		}
		kind := make([]byte, kindLength[0])
		if _, err := io.ReadFull(r, kind); err != nil {
			return Role{}, fmt.Errorf("reading target kind: %w", err)
		}
		return Secondary(string(kind)), nil
	default:
		return Role{}, fmt.Errorf("invalid target role tag %d", roleTag[0])
	}
}

// WriteMessage encodes message and writes the frame to w in a single
// Write call, so concurrent writers interleave at frame granularity at
// worst (Canopy serializes writers per channel regardless).
func (c *Codec) WriteMessage(w io.Writer, message Message) error {
	frame, err := c.Encode(message)
	if err != nil {
		return err
	}
	if _, err := w.Write(frame); err != nil {
		return fmt.Errorf("writing frame: %w", err)
	}
	return nil
}
