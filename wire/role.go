// Copyright 2026 The Canopy Authors
// SPDX-License-Identifier: Apache-2.0

package wire

import "fmt"

// Secondary surface kinds. Exactly these kinds participate in static
// routing; multi-instance policy per kind is supervisor configuration.
const (
	KindDebug     = "debug"
	KindGraphView = "graph-view"
	KindTerminal  = "terminal"
	KindFloating  = "floating"
)

// Role identifies what a surface is for: the single primary surface,
// or a secondary surface of a given kind. The zero Role is invalid.
type Role struct {
	primary bool
	kind    string
}

// Primary returns the primary surface role. Exactly one primary
// surface exists per running application; it is created eagerly at
// startup and closing it is the application-exit signal.
func Primary() Role { return Role{primary: true} }

// Secondary returns the secondary role for the given kind. Secondary
// surfaces are created lazily and may be closed and recreated any
// number of times.
func Secondary(kind string) Role { return Role{kind: kind} }

// IsPrimary reports whether the role is the primary surface role.
func (r Role) IsPrimary() bool { return r.primary }

// Kind returns the secondary kind, or "" for the primary role.
func (r Role) Kind() string { return r.kind }

// IsZero reports whether the role is the invalid zero value.
func (r Role) IsZero() bool { return !r.primary && r.kind == "" }

// String returns "primary" or the secondary kind. The result is also
// the role's key in configuration and the persisted layout.
func (r Role) String() string {
	if r.primary {
		return "primary"
	}
	return r.kind
}

// ParseRole parses a role key as produced by String: "primary" or a
// known secondary kind.
func ParseRole(key string) (Role, error) {
	if key == "primary" {
		return Primary(), nil
	}
	switch key {
	case KindDebug, KindGraphView, KindTerminal, KindFloating:
		return Secondary(key), nil
	}
	return Role{}, fmt.Errorf("unknown surface role %q", key)
}
