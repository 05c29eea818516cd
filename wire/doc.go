// Copyright 2026 The Canopy Authors
// SPDX-License-Identifier: Apache-2.0

// Package wire defines Canopy's framed binary message format.
//
// Every byte that crosses a surface channel is a frame:
//
//	[1B format version] [2B type tag BE] [1B flags] [8B sequence BE]
//	[target role, when flagged: 1B role tag + 1B kind length + kind]
//	[4B stored payload length BE]
//	[4B raw payload length BE, when compressed]
//	[payload bytes]
//
// The version byte and type tag come first so a decoder can reject a
// frame before touching the payload. Payload length is explicit — no
// delimiter scanning. Payloads at or above a configurable threshold
// are compressed (LZ4 by default, zstd for text-heavy types) and
// decompressed eagerly on decode into owned buffers, so no parse state
// survives across suspension points.
//
// Type names are namespaced strings ("debug.breakpoint_added"); the
// [Registry] maps them to the uint16 tags that actually travel on the
// wire. Control types used by the coordination layer itself occupy
// tags below [ApplicationTagBase]; application types are registered
// from supervisor configuration.
//
// Decode failures are per-message, never channel-fatal:
//
//   - [ErrTruncated]: fewer bytes available than the frame declares
//   - [ErrUnknownType]: type tag absent from the registry
//   - [ErrVersionMismatch]: unsupported format version
//
// [Codec.ReadMessage] consumes the full declared frame even when it
// returns ErrUnknownType or ErrVersionMismatch, so a stream reader can
// log the error and keep reading subsequent frames.
//
// Encoding is deterministic: the same Message through the same Codec
// configuration always produces identical bytes, and
// Decode(Encode(m)) == m.
package wire
