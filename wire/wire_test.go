// Copyright 2026 The Canopy Authors
// SPDX-License-Identifier: Apache-2.0

package wire

import (
	"bytes"
	"errors"
	"io"
	"reflect"
	"testing"
)

// testRegistry returns a registry with a few application types on top
// of the control set.
func testRegistry(t *testing.T) *Registry {
	t.Helper()
	r := NewRegistry()
	for name, tag := range map[string]uint16{
		"debug.breakpoint_added": 0x0100,
		"editor.text_changed":    0x0101,
		"app.theme_changed":      0x0102,
	} {
		if err := r.Register(name, tag); err != nil {
			t.Fatalf("Register(%q): %v", name, err)
		}
	}
	return r
}

func TestRoundTrip(t *testing.T) {
	codec := &Codec{Registry: testRegistry(t)}
	debug := Secondary(KindDebug)
	primary := Primary()

	cases := []Message{
		{Type: "debug.breakpoint_added", Sequence: 1, Payload: []byte("bp")},
		{Type: "app.theme_changed", Sequence: 42},
		{Type: "editor.text_changed", Target: &debug, Sequence: 7, Payload: []byte{0x00, 0xff, 0x10}},
		{Type: TypeReady, Target: &primary, Sequence: 0},
		{Type: TypeLayout, Sequence: 1 << 40, Payload: bytes.Repeat([]byte("x"), 4096)},
	}

	for _, original := range cases {
		frame, err := codec.Encode(original)
		if err != nil {
			t.Fatalf("Encode(%q): %v", original.Type, err)
		}
		decoded, err := codec.Decode(frame)
		if err != nil {
			t.Fatalf("Decode(%q): %v", original.Type, err)
		}
		if !reflect.DeepEqual(decoded, original) {
			t.Errorf("round trip mismatch for %q:\n got %+v\nwant %+v", original.Type, decoded, original)
		}
	}
}

func TestEncodeDeterministic(t *testing.T) {
	codec := &Codec{Registry: testRegistry(t), Compression: CompressionLZ4, CompressionThreshold: 64}
	message := Message{Type: "editor.text_changed", Sequence: 9, Payload: bytes.Repeat([]byte("edit "), 100)}

	first, err := codec.Encode(message)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	second, err := codec.Encode(message)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if !bytes.Equal(first, second) {
		t.Fatal("same message encoded to different bytes")
	}
}

func TestCompressionRoundTrip(t *testing.T) {
	for _, compression := range []CompressionTag{CompressionLZ4, CompressionZstd} {
		t.Run(compression.String(), func(t *testing.T) {
			codec := &Codec{Registry: testRegistry(t), Compression: compression, CompressionThreshold: 128}
			payload := bytes.Repeat([]byte("diagnostic: unused binding 'x'\n"), 200)
			message := Message{Type: "editor.text_changed", Sequence: 3, Payload: payload}

			frame, err := codec.Encode(message)
			if err != nil {
				t.Fatalf("Encode: %v", err)
			}
			if len(frame) >= len(payload) {
				t.Errorf("compressed frame (%d bytes) not smaller than payload (%d bytes)", len(frame), len(payload))
			}

			decoded, err := codec.Decode(frame)
			if err != nil {
				t.Fatalf("Decode: %v", err)
			}
			if !bytes.Equal(decoded.Payload, payload) {
				t.Fatal("payload corrupted through compression round trip")
			}
		})
	}
}

func TestCompressionSkipsSmallPayloads(t *testing.T) {
	plain := &Codec{Registry: testRegistry(t)}
	compressing := &Codec{Registry: testRegistry(t), Compression: CompressionZstd, CompressionThreshold: 1024}
	message := Message{Type: "debug.breakpoint_added", Sequence: 1, Payload: []byte("tiny")}

	plainFrame, err := plain.Encode(message)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	compressingFrame, err := compressing.Encode(message)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if !bytes.Equal(plainFrame, compressingFrame) {
		t.Fatal("below-threshold payload was not stored uncompressed")
	}
}

func TestDecodeTruncated(t *testing.T) {
	codec := &Codec{Registry: testRegistry(t)}
	frame, err := codec.Encode(Message{Type: "debug.breakpoint_added", Sequence: 5, Payload: []byte("breakpoint payload")})
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}

	for _, cut := range []int{0, 1, fixedHeaderLength - 1, fixedHeaderLength + 2, len(frame) - 1} {
		if _, err := codec.Decode(frame[:cut]); !errors.Is(err, ErrTruncated) {
			t.Errorf("Decode(frame[:%d]) = %v, want ErrTruncated", cut, err)
		}
	}
}

func TestDecodeUnknownType(t *testing.T) {
	full := &Codec{Registry: testRegistry(t)}
	frame, err := full.Encode(Message{Type: "app.theme_changed", Sequence: 2, Payload: []byte("dark")})
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}

	// A decoder whose registry lacks the application type.
	bare := &Codec{Registry: NewRegistry()}
	if _, err := bare.Decode(frame); !errors.Is(err, ErrUnknownType) {
		t.Fatalf("Decode = %v, want ErrUnknownType", err)
	}
}

func TestDecodeVersionMismatch(t *testing.T) {
	codec := &Codec{Registry: testRegistry(t)}
	frame, err := codec.Encode(Message{Type: "app.theme_changed", Sequence: 2})
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	frame[0] = 99
	if _, err := codec.Decode(frame); !errors.Is(err, ErrVersionMismatch) {
		t.Fatalf("Decode = %v, want ErrVersionMismatch", err)
	}
}

// TestStreamStaysAlignedAfterBadFrame verifies the per-message error
// contract on streams: a frame with an unknown tag or bad version is
// fully consumed, and the next frame decodes normally.
func TestStreamStaysAlignedAfterBadFrame(t *testing.T) {
	full := &Codec{Registry: testRegistry(t)}
	good := Message{Type: "debug.breakpoint_added", Sequence: 8, Payload: []byte("after")}

	t.Run("unknown type", func(t *testing.T) {
		var stream bytes.Buffer
		if err := full.WriteMessage(&stream, Message{Type: "editor.text_changed", Sequence: 7, Payload: []byte("before")}); err != nil {
			t.Fatalf("WriteMessage: %v", err)
		}
		if err := full.WriteMessage(&stream, good); err != nil {
			t.Fatalf("WriteMessage: %v", err)
		}

		bare := &Codec{Registry: NewRegistry()}
		if err := bare.Registry.Register("debug.breakpoint_added", 0x0100); err != nil {
			t.Fatalf("Register: %v", err)
		}
		if _, err := bare.ReadMessage(&stream); !errors.Is(err, ErrUnknownType) {
			t.Fatalf("first ReadMessage = %v, want ErrUnknownType", err)
		}
		decoded, err := bare.ReadMessage(&stream)
		if err != nil {
			t.Fatalf("second ReadMessage: %v", err)
		}
		if !reflect.DeepEqual(decoded, good) {
			t.Fatalf("second frame corrupted: got %+v, want %+v", decoded, good)
		}
	})

	t.Run("version mismatch", func(t *testing.T) {
		badFrame, err := full.Encode(Message{Type: "editor.text_changed", Sequence: 7, Payload: []byte("before")})
		if err != nil {
			t.Fatalf("Encode: %v", err)
		}
		badFrame[0] = 2

		var stream bytes.Buffer
		stream.Write(badFrame)
		if err := full.WriteMessage(&stream, good); err != nil {
			t.Fatalf("WriteMessage: %v", err)
		}

		if _, err := full.ReadMessage(&stream); !errors.Is(err, ErrVersionMismatch) {
			t.Fatalf("first ReadMessage = %v, want ErrVersionMismatch", err)
		}
		decoded, err := full.ReadMessage(&stream)
		if err != nil {
			t.Fatalf("second ReadMessage: %v", err)
		}
		if !reflect.DeepEqual(decoded, good) {
			t.Fatalf("second frame corrupted: got %+v, want %+v", decoded, good)
		}
	})
}

func TestReadMessageCleanEOF(t *testing.T) {
	codec := &Codec{Registry: testRegistry(t)}
	if _, err := codec.ReadMessage(bytes.NewReader(nil)); err != io.EOF {
		t.Fatalf("ReadMessage on empty stream = %v, want io.EOF", err)
	}
}

func TestRegistryRejectsCollisions(t *testing.T) {
	r := NewRegistry()
	if err := r.Register("a.b", 0x0100); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := r.Register("a.b", 0x0101); err == nil {
		t.Error("duplicate name accepted")
	}
	if err := r.Register("c.d", 0x0100); err == nil {
		t.Error("duplicate tag accepted")
	}
	if err := r.Register("e.f", 0x0001); err == nil {
		t.Error("tag in the control range accepted")
	}
}

func TestParseRole(t *testing.T) {
	role, err := ParseRole("primary")
	if err != nil || !role.IsPrimary() {
		t.Fatalf("ParseRole(primary) = %v, %v", role, err)
	}
	role, err = ParseRole(KindGraphView)
	if err != nil || role.Kind() != KindGraphView {
		t.Fatalf("ParseRole(graph-view) = %v, %v", role, err)
	}
	if _, err := ParseRole("spreadsheet"); err == nil {
		t.Fatal("unknown role accepted")
	}
}
