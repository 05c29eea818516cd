// Copyright 2026 The Canopy Authors
// SPDX-License-Identifier: Apache-2.0

package supervisor

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/canopy-foundation/canopy/lib/codec"
)

// Layout is the persisted surface arrangement: which roles had open
// surfaces and where they sat. It intentionally stores roles, not
// surface IDs — IDs are never reused, so a restored session creates
// fresh surfaces into remembered positions.
type Layout struct {
	Surfaces []LayoutEntry `cbor:"surfaces"`
}

// LayoutEntry records one surface's role, visibility, and geometry.
type LayoutEntry struct {
	Role    string `cbor:"role"`
	Visible bool   `cbor:"visible"`
	X       int    `cbor:"x"`
	Y       int    `cbor:"y"`
	Width   int    `cbor:"width"`
	Height  int    `cbor:"height"`
}

// LoadLayout reads a persisted layout. A missing file returns an empty
// layout and no error: a fresh profile simply has nothing to restore.
func LoadLayout(path string) (Layout, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Layout{}, nil
		}
		return Layout{}, fmt.Errorf("reading layout: %w", err)
	}
	var layout Layout
	if err := codec.Unmarshal(data, &layout); err != nil {
		return Layout{}, fmt.Errorf("decoding layout %s: %w", path, err)
	}
	return layout, nil
}

// SaveLayout writes the layout atomically: encode, write to a temp file
// in the same directory, fsync, rename. A crash mid-save leaves the
// previous layout intact. Entries are sorted by role so saves are
// byte-stable.
func SaveLayout(path string, layout Layout) error {
	sort.Slice(layout.Surfaces, func(i, j int) bool {
		return layout.Surfaces[i].Role < layout.Surfaces[j].Role
	})
	data, err := codec.Marshal(layout)
	if err != nil {
		return fmt.Errorf("encoding layout: %w", err)
	}

	directory := filepath.Dir(path)
	if err := os.MkdirAll(directory, 0o700); err != nil {
		return fmt.Errorf("creating layout directory: %w", err)
	}
	temp, err := os.CreateTemp(directory, ".layout-*")
	if err != nil {
		return fmt.Errorf("creating layout temp file: %w", err)
	}
	tempPath := temp.Name()
	defer os.Remove(tempPath)

	if _, err := temp.Write(data); err != nil {
		temp.Close()
		return fmt.Errorf("writing layout: %w", err)
	}
	if err := temp.Sync(); err != nil {
		temp.Close()
		return fmt.Errorf("syncing layout: %w", err)
	}
	if err := temp.Close(); err != nil {
		return fmt.Errorf("closing layout temp file: %w", err)
	}
	if err := os.Rename(tempPath, path); err != nil {
		return fmt.Errorf("replacing layout: %w", err)
	}
	return nil
}
