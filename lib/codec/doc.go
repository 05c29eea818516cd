// Copyright 2026 The Canopy Authors
// SPDX-License-Identifier: Apache-2.0

// Package codec provides Canopy's standard CBOR encoding configuration.
//
// Canopy uses CBOR for everything that crosses a process or restart
// boundary: message payload bodies carried inside wire frames, the
// batch envelope, and on-disk state files (the persisted surface
// layout). This package provides the shared encoding and decoding
// modes so that every Canopy package encodes identically without
// duplicating configuration.
//
// The encoder uses Core Deterministic Encoding (RFC 8949 §4.2): sorted
// map keys, smallest integer encoding, no indefinite-length items.
// Same logical data always produces identical bytes — which is what
// makes last-sent payload comparison (update suppression) a plain byte
// comparison instead of a structural one.
//
// For buffer-oriented operations (payload bodies, layout files):
//
//	data, err := codec.Marshal(value)
//	err = codec.Unmarshal(data, &value)
//
// Struct tags: types serialized by this package carry `cbor` tags.
// Canopy has no JSON wire surface, so no type doubles up.
package codec
