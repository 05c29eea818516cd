// Copyright 2026 The Canopy Authors
// SPDX-License-Identifier: Apache-2.0

package supervisor

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/canopy-foundation/canopy/lib/codec"
	"github.com/canopy-foundation/canopy/lib/testutil"
	"github.com/canopy-foundation/canopy/wire"
)

func TestLayoutRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "layout.cbor")

	// Missing file: a fresh profile, not an error.
	layout, err := LoadLayout(path)
	if err != nil {
		t.Fatalf("LoadLayout on missing file: %v", err)
	}
	if len(layout.Surfaces) != 0 {
		t.Fatalf("missing file produced %d entries", len(layout.Surfaces))
	}

	saved := Layout{Surfaces: []LayoutEntry{
		{Role: "graph-view", Visible: true, X: 800, Y: 0, Width: 400, Height: 600},
		{Role: "debug", Visible: true, X: 0, Y: 0, Width: 300, Height: 600},
	}}
	if err := SaveLayout(path, saved); err != nil {
		t.Fatalf("SaveLayout: %v", err)
	}

	loaded, err := LoadLayout(path)
	if err != nil {
		t.Fatalf("LoadLayout: %v", err)
	}
	if len(loaded.Surfaces) != 2 {
		t.Fatalf("loaded %d entries, want 2", len(loaded.Surfaces))
	}
	// Saves sort by role, so debug comes first.
	if loaded.Surfaces[0].Role != "debug" || loaded.Surfaces[0].Width != 300 {
		t.Fatalf("first entry = %+v", loaded.Surfaces[0])
	}
	if loaded.Surfaces[1].Role != "graph-view" || loaded.Surfaces[1].X != 800 {
		t.Fatalf("second entry = %+v", loaded.Surfaces[1])
	}
}

func TestLayoutUpdateFromSurfaceIsPersisted(t *testing.T) {
	config := testConfig()
	config.LayoutPath = filepath.Join(t.TempDir(), "layout.cbor")
	s, spawner, _ := newTestSupervisor(t, config, nil)
	startSupervisor(t, s, spawner)
	defer shutdown(t, s)

	ensure(t, s, wire.Secondary(wire.KindDebug))
	debug := testutil.RequireReceive(t, spawner.spawned, testTimeout, "debug spawned")

	update, err := codec.Marshal(wire.LayoutUpdate{Visible: true, X: 40, Y: 20, Width: 640, Height: 480})
	if err != nil {
		t.Fatalf("encoding layout update: %v", err)
	}
	if err := debug.send(wire.TypeLayout, update); err != nil {
		t.Fatalf("sending layout update: %v", err)
	}

	deadline := time.Now().Add(testTimeout)
	for {
		layout, err := LoadLayout(config.LayoutPath)
		if err == nil {
			for _, entry := range layout.Surfaces {
				if entry.Role == "debug" && entry.Width == 640 && entry.X == 40 {
					return
				}
			}
		}
		if time.Now().After(deadline) {
			t.Fatalf("persisted layout never picked up the update: %+v (err %v)", layout, err)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestLayoutRestoreIsolatesBrokenEntries(t *testing.T) {
	config := testConfig()
	config.LayoutPath = filepath.Join(t.TempDir(), "layout.cbor")

	// A previous session left a debug surface open, plus an entry for
	// a role this build does not know. The bad entry must not stop the
	// good one from being restored.
	previous := Layout{Surfaces: []LayoutEntry{
		{Role: "sidebar", Visible: true},
		{Role: "debug", Visible: true, X: 10, Y: 10, Width: 300, Height: 500},
		{Role: "graph-view", Visible: false},
	}}
	if err := SaveLayout(config.LayoutPath, previous); err != nil {
		t.Fatalf("SaveLayout: %v", err)
	}

	s, spawner, _ := newTestSupervisor(t, config, nil)
	startSupervisor(t, s, spawner)
	defer shutdown(t, s)

	// The visible debug surface is recreated; the hidden graph view
	// and the unknown role are not.
	restored := testutil.RequireReceive(t, spawner.spawned, testTimeout, "restored surface spawned")
	if restored.role != wire.Secondary(wire.KindDebug) {
		t.Fatalf("restored role %s, want debug", restored.role)
	}
	barrier(t, s)
	select {
	case peer := <-spawner.spawned:
		t.Fatalf("unexpected restore of %s", peer.role)
	default:
	}
}
