// Copyright 2026 The Canopy Authors
// SPDX-License-Identifier: Apache-2.0

package surface

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/canopy-foundation/canopy/lib/testutil"
	"github.com/canopy-foundation/canopy/wire"
)

const testTimeout = 5 * time.Second

func testCodec(t *testing.T) *wire.Codec {
	t.Helper()
	registry := wire.NewRegistry()
	if err := registry.Register("editor.text_changed", 0x0101); err != nil {
		t.Fatalf("Register: %v", err)
	}
	return &wire.Codec{Registry: registry}
}

// fakeProcess is a Process double whose exit is triggered by the test.
type fakeProcess struct {
	pid  int
	exit chan int
	once sync.Once
}

func newFakeProcess(pid int) *fakeProcess {
	return &fakeProcess{pid: pid, exit: make(chan int, 1)}
}

func (p *fakeProcess) exitWith(code int) {
	p.once.Do(func() { p.exit <- code })
}

func (p *fakeProcess) PID() int { return p.pid }

func (p *fakeProcess) Wait() (int, error) { return <-p.exit, nil }

func (p *fakeProcess) Signal(os.Signal) error { return nil }

func (p *fakeProcess) Kill() error {
	p.exitWith(-1)
	return nil
}

// gatedChannel blocks every Write until released, so tests can pin the
// writer goroutine mid-send deterministically. Reads block until the
// channel is closed.
type gatedChannel struct {
	writeEntered chan struct{}
	release      chan struct{}
	done         chan struct{}
	closeOnce    sync.Once
}

func newGatedChannel() *gatedChannel {
	return &gatedChannel{
		writeEntered: make(chan struct{}, 16),
		release:      make(chan struct{}),
		done:         make(chan struct{}),
	}
}

func (g *gatedChannel) Write(p []byte) (int, error) {
	g.writeEntered <- struct{}{}
	select {
	case <-g.release:
		return len(p), nil
	case <-g.done:
		return 0, errors.New("channel closed")
	}
}

func (g *gatedChannel) Read(p []byte) (int, error) {
	<-g.done
	return 0, io.EOF
}

func (g *gatedChannel) Close() error {
	g.closeOnce.Do(func() { close(g.done) })
	return nil
}

func TestSendOrderPreserved(t *testing.T) {
	codec := testCodec(t)
	supervisorEnd, peerEnd := net.Pipe()

	process := newFakeProcess(100)
	handle := NewHandle(HandleConfig{
		ID:      "editor#1",
		Role:    wire.Primary(),
		Codec:   codec,
		Channel: supervisorEnd,
		Process: process,
	})

	const count = 20
	received := make(chan wire.Message, count)
	go func() {
		for i := 0; i < count; i++ {
			message, err := codec.ReadMessage(peerEnd)
			if err != nil {
				return
			}
			received <- message
		}
	}()

	for i := 0; i < count; i++ {
		err := handle.Send(wire.Message{
			Type:    "editor.text_changed",
			Payload: []byte(fmt.Sprintf("edit-%d", i)),
		})
		if err != nil {
			t.Fatalf("Send(%d): %v", i, err)
		}
	}

	for i := 0; i < count; i++ {
		message := testutil.RequireReceive(t, received, testTimeout, "message %d", i)
		if want := fmt.Sprintf("edit-%d", i); string(message.Payload) != want {
			t.Fatalf("message %d out of order: payload %q, want %q", i, message.Payload, want)
		}
		if message.Sequence != uint64(i+1) {
			t.Fatalf("message %d has sequence %d, want %d", i, message.Sequence, i+1)
		}
	}

	handle.Close(time.Second)
	peerEnd.Close()
}

func TestSendBackpressure(t *testing.T) {
	channel := newGatedChannel()
	handle := NewHandle(HandleConfig{
		ID:        "graph#1",
		Role:      wire.Secondary(wire.KindGraphView),
		Codec:     testCodec(t),
		Channel:   channel,
		Process:   newFakeProcess(101),
		QueueSize: 2,
	})

	send := func() error {
		return handle.Send(wire.Message{Type: "editor.text_changed", Payload: []byte("x")})
	}

	// First message: wait until the writer is pinned inside Write so
	// the queue is observably empty again.
	if err := send(); err != nil {
		t.Fatalf("first Send: %v", err)
	}
	testutil.RequireReceive(t, channel.writeEntered, testTimeout, "writer pinned in Write")

	// Fill the bounded queue.
	if err := send(); err != nil {
		t.Fatalf("second Send: %v", err)
	}
	if err := send(); err != nil {
		t.Fatalf("third Send: %v", err)
	}

	// Queue full: backpressure, not blocking.
	if err := send(); !errors.Is(err, ErrBackpressure) {
		t.Fatalf("fourth Send = %v, want ErrBackpressure", err)
	}

	handle.Close(10 * time.Millisecond)
}

func TestCloseDiscardsQueueAfterDrainTimeout(t *testing.T) {
	channel := newGatedChannel()
	process := newFakeProcess(102)
	exits := make(chan int, 1)
	handle := NewHandle(HandleConfig{
		ID:        "terminal#1",
		Role:      wire.Secondary(wire.KindTerminal),
		Codec:     testCodec(t),
		Channel:   channel,
		Process:   process,
		QueueSize: 8,
		OnExit:    func(_ ID, code int) { exits <- code },
	})

	for i := 0; i < 3; i++ {
		if err := handle.Send(wire.Message{Type: "editor.text_changed", Payload: []byte("queued")}); err != nil {
			t.Fatalf("Send(%d): %v", i, err)
		}
	}
	testutil.RequireReceive(t, channel.writeEntered, testTimeout, "writer pinned in Write")

	done := make(chan struct{})
	go func() {
		handle.Close(20 * time.Millisecond)
		close(done)
	}()
	testutil.RequireClosed(t, done, testTimeout, "Close returned after drain timeout")

	// Close kills the process; the monitor reports the exit.
	testutil.RequireReceive(t, exits, testTimeout, "exit event after Close")
	if handle.IsAlive() {
		t.Error("process still reported alive after Close")
	}
	if err := handle.Send(wire.Message{Type: "editor.text_changed"}); !errors.Is(err, ErrClosed) {
		t.Errorf("Send after Close = %v, want ErrClosed", err)
	}
}

func TestCloseIdempotent(t *testing.T) {
	supervisorEnd, peerEnd := net.Pipe()
	defer peerEnd.Close()
	go io.Copy(io.Discard, peerEnd)

	handle := NewHandle(HandleConfig{
		ID:      "debug#1",
		Role:    wire.Secondary(wire.KindDebug),
		Codec:   testCodec(t),
		Channel: supervisorEnd,
		Process: newFakeProcess(103),
	})

	if err := handle.Close(time.Second); err != nil {
		t.Fatalf("first Close: %v", err)
	}
	if err := handle.Close(time.Second); err != nil {
		t.Fatalf("second Close: %v", err)
	}
}

func TestReaderPostsMessagesAndSurvivesDecodeErrors(t *testing.T) {
	codec := testCodec(t)
	supervisorEnd, peerEnd := net.Pipe()
	defer peerEnd.Close()

	messages := make(chan wire.Message, 4)
	decodeErrors := make(chan error, 4)
	channelClosed := make(chan error, 1)

	handle := NewHandle(HandleConfig{
		ID:      "debug#2",
		Role:    wire.Secondary(wire.KindDebug),
		Codec:   codec,
		Channel: supervisorEnd,
		Process: newFakeProcess(104),
		OnMessage: func(_ ID, m wire.Message) {
			messages <- m
		},
		OnDecodeError: func(_ ID, err error) {
			decodeErrors <- err
		},
		OnChannelClosed: func(_ ID, err error) {
			channelClosed <- err
		},
	})
	defer handle.Close(time.Second)

	write := func(m wire.Message) {
		t.Helper()
		if err := codec.WriteMessage(peerEnd, m); err != nil {
			t.Fatalf("WriteMessage: %v", err)
		}
	}

	write(wire.Message{Type: "editor.text_changed", Sequence: 1, Payload: []byte("first")})
	received := testutil.RequireReceive(t, messages, testTimeout, "first message")
	if string(received.Payload) != "first" {
		t.Fatalf("unexpected payload %q", received.Payload)
	}

	// A bad-version frame is a per-message error, not channel-fatal.
	badFrame, err := codec.Encode(wire.Message{Type: "editor.text_changed", Sequence: 2})
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	badFrame[0] = 77
	if _, err := peerEnd.Write(badFrame); err != nil {
		t.Fatalf("writing bad frame: %v", err)
	}
	decodeErr := testutil.RequireReceive(t, decodeErrors, testTimeout, "decode error")
	if !errors.Is(decodeErr, wire.ErrVersionMismatch) {
		t.Fatalf("decode error = %v, want ErrVersionMismatch", decodeErr)
	}

	write(wire.Message{Type: "editor.text_changed", Sequence: 3, Payload: []byte("after")})
	received = testutil.RequireReceive(t, messages, testTimeout, "message after decode error")
	if string(received.Payload) != "after" {
		t.Fatalf("unexpected payload %q", received.Payload)
	}

	peerEnd.Close()
	testutil.RequireReceive(t, channelClosed, testTimeout, "channel closed event")
}

func TestMonitorReportsExit(t *testing.T) {
	supervisorEnd, peerEnd := net.Pipe()
	defer supervisorEnd.Close()
	defer peerEnd.Close()

	process := newFakeProcess(105)
	exits := make(chan int, 1)
	handle := NewHandle(HandleConfig{
		ID:      "debug#3",
		Role:    wire.Secondary(wire.KindDebug),
		Codec:   testCodec(t),
		Channel: supervisorEnd,
		Process: process,
		OnExit: func(_ ID, code int) {
			exits <- code
		},
	})

	if !handle.IsAlive() {
		t.Fatal("handle not alive before exit")
	}

	process.exitWith(1)
	code := testutil.RequireReceive(t, exits, testTimeout, "exit event")
	if code != 1 {
		t.Fatalf("exit code %d, want 1", code)
	}
	if handle.IsAlive() {
		t.Error("IsAlive still true after exit event")
	}
}

func TestHostReadyAndDispatch(t *testing.T) {
	codec := testCodec(t)
	hostEnd, supervisorEnd := net.Pipe()
	defer supervisorEnd.Close()

	handled := make(chan wire.Message, 1)
	host := &Host{Codec: codec, Channel: hostEnd}
	host.HandleFunc("editor.text_changed", func(m wire.Message) {
		handled <- m
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	runDone := make(chan error, 1)
	go func() { runDone <- host.Run(ctx) }()

	go func() {
		if err := host.Ready(); err != nil {
			t.Errorf("Ready: %v", err)
		}
	}()
	ready, err := codec.ReadMessage(supervisorEnd)
	if err != nil {
		t.Fatalf("reading ready: %v", err)
	}
	if ready.Type != wire.TypeReady || ready.Sequence != 1 {
		t.Fatalf("handshake = %+v, want surface.ready with sequence 1", ready)
	}

	if err := codec.WriteMessage(supervisorEnd, wire.Message{Type: "editor.text_changed", Sequence: 1, Payload: []byte("hi")}); err != nil {
		t.Fatalf("WriteMessage: %v", err)
	}
	message := testutil.RequireReceive(t, handled, testTimeout, "dispatched message")
	if string(message.Payload) != "hi" {
		t.Fatalf("payload %q, want %q", message.Payload, "hi")
	}

	cancel()
	if err := testutil.RequireReceive(t, runDone, testTimeout, "Run returned"); err != nil {
		t.Fatalf("Run = %v, want nil", err)
	}
}
