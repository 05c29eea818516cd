// Copyright 2026 The Canopy Authors
// SPDX-License-Identifier: Apache-2.0

package wire

import (
	"fmt"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// CompressionTag identifies the compression algorithm applied to a
// frame's payload. The tag occupies the low two bits of the frame's
// flags byte — these values are protocol constants.
type CompressionTag uint8

const (
	// CompressionNone indicates an uncompressed payload. Always used
	// below the codec's size threshold, and as the stored form when
	// compression would not shrink the payload.
	CompressionNone CompressionTag = 0

	// CompressionLZ4 indicates LZ4 block compression. The default for
	// large payloads: decode speed matters more than ratio on a
	// per-keystroke message bus.
	CompressionLZ4 CompressionTag = 1

	// CompressionZstd indicates zstd compression at the default
	// level. Better ratios for text-heavy payloads (diagnostic sets,
	// graph descriptions).
	CompressionZstd CompressionTag = 2
)

// String returns the human-readable name of a compression tag.
func (tag CompressionTag) String() string {
	switch tag {
	case CompressionNone:
		return "none"
	case CompressionLZ4:
		return "lz4"
	case CompressionZstd:
		return "zstd"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(tag))
	}
}

// ParseCompressionTag parses a compression tag from its string form.
func ParseCompressionTag(name string) (CompressionTag, error) {
	switch name {
	case "none":
		return CompressionNone, nil
	case "lz4":
		return CompressionLZ4, nil
	case "zstd":
		return CompressionZstd, nil
	default:
		return 0, fmt.Errorf("unknown compression tag %q", name)
	}
}

// Shared zstd coders. EncodeAll/DecodeAll on nil buffers are safe for
// concurrent use.
var (
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func init() {
	var err error
	zstdEncoder, err = zstd.NewWriter(nil)
	if err != nil {
		panic("wire: zstd encoder initialization failed: " + err.Error())
	}
	zstdDecoder, err = zstd.NewReader(nil)
	if err != nil {
		panic("wire: zstd decoder initialization failed: " + err.Error())
	}
}

// compressPayload compresses data with the given algorithm. Returns
// the stored bytes and the tag actually used: when compression does
// not shrink the payload, the raw bytes are returned with
// CompressionNone so the frame never grows.
func compressPayload(tag CompressionTag, data []byte) ([]byte, CompressionTag, error) {
	switch tag {
	case CompressionNone:
		return data, CompressionNone, nil
	case CompressionLZ4:
		compressed := make([]byte, lz4.CompressBlockBound(len(data)))
		var compressor lz4.Compressor
		n, err := compressor.CompressBlock(data, compressed)
		if err != nil {
			return nil, 0, fmt.Errorf("lz4 compression: %w", err)
		}
		if n == 0 || n >= len(data) {
			// Incompressible: store raw.
			return data, CompressionNone, nil
		}
		return compressed[:n], CompressionLZ4, nil
	case CompressionZstd:
		compressed := zstdEncoder.EncodeAll(data, nil)
		if len(compressed) >= len(data) {
			return data, CompressionNone, nil
		}
		return compressed, CompressionZstd, nil
	default:
		return nil, 0, fmt.Errorf("unsupported compression tag %d", uint8(tag))
	}
}

// decompressPayload expands stored bytes back to the raw payload.
// rawLength is the declared uncompressed size from the frame header.
func decompressPayload(tag CompressionTag, stored []byte, rawLength int) ([]byte, error) {
	switch tag {
	case CompressionNone:
		return stored, nil
	case CompressionLZ4:
		raw := make([]byte, rawLength)
		n, err := lz4.UncompressBlock(stored, raw)
		if err != nil {
			return nil, fmt.Errorf("lz4 decompression: %w", err)
		}
		if n != rawLength {
			return nil, fmt.Errorf("lz4 decompression produced %d bytes, frame declared %d", n, rawLength)
		}
		return raw, nil
	case CompressionZstd:
		raw, err := zstdDecoder.DecodeAll(stored, make([]byte, 0, rawLength))
		if err != nil {
			return nil, fmt.Errorf("zstd decompression: %w", err)
		}
		if len(raw) != rawLength {
			return nil, fmt.Errorf("zstd decompression produced %d bytes, frame declared %d", len(raw), rawLength)
		}
		return raw, nil
	default:
		return nil, fmt.Errorf("unsupported compression tag %d", uint8(tag))
	}
}
