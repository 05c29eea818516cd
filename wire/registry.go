// Copyright 2026 The Canopy Authors
// SPDX-License-Identifier: Apache-2.0

package wire

import "fmt"

// Control message types used by the coordination layer itself. Their
// tags are protocol constants below ApplicationTagBase — changing them
// breaks frame compatibility between supervisor and surface binaries.
const (
	// TypeReady is the handshake message a surface must emit within
	// the handshake timeout after spawn. Payload is empty.
	TypeReady = "surface.ready"

	// TypeClose asks a surface to exit gracefully. Sent during the
	// drain window before the supervisor terminates the process.
	TypeClose = "surface.close"

	// TypeBatch carries an ordered list of coalesced high-frequency
	// messages. Payload is a CBOR BatchPayload.
	TypeBatch = "canopy.batch"

	// TypeLayout carries a surface's geometry and visibility. Payload
	// is a CBOR LayoutUpdate. Surfaces emit it on move/resize/hide;
	// the supervisor folds it into the persisted layout.
	TypeLayout = "surface.layout"
)

// Tags for the control types above.
const (
	tagReady  uint16 = 0x0001
	tagClose  uint16 = 0x0002
	tagBatch  uint16 = 0x0003
	tagLayout uint16 = 0x0004
)

// ApplicationTagBase is the first tag available to application message
// types. Tags below it are reserved for control types.
const ApplicationTagBase uint16 = 0x0100

// Registry maps namespaced type names to the uint16 tags that travel
// on the wire. A Registry is populated once at startup (control types
// plus configured application types) and read-only afterwards, so it
// needs no locking.
type Registry struct {
	byName map[string]uint16
	byTag  map[uint16]string
}

// NewRegistry returns a Registry pre-populated with the control types.
func NewRegistry() *Registry {
	r := &Registry{
		byName: make(map[string]uint16),
		byTag:  make(map[uint16]string),
	}
	r.byName[TypeReady] = tagReady
	r.byTag[tagReady] = TypeReady
	r.byName[TypeClose] = tagClose
	r.byTag[tagClose] = TypeClose
	r.byName[TypeBatch] = tagBatch
	r.byTag[tagBatch] = TypeBatch
	r.byName[TypeLayout] = tagLayout
	r.byTag[tagLayout] = TypeLayout
	return r
}

// Register adds an application message type. The tag must be at or
// above ApplicationTagBase, and neither name nor tag may collide with
// an existing registration.
func (r *Registry) Register(name string, tag uint16) error {
	if name == "" {
		return fmt.Errorf("registering message type: empty name")
	}
	if tag < ApplicationTagBase {
		return fmt.Errorf("registering message type %q: tag 0x%04x is below the application range (0x%04x)", name, tag, ApplicationTagBase)
	}
	if existing, ok := r.byName[name]; ok {
		return fmt.Errorf("message type %q already registered with tag 0x%04x", name, existing)
	}
	if existing, ok := r.byTag[tag]; ok {
		return fmt.Errorf("tag 0x%04x already registered for type %q", tag, existing)
	}
	r.byName[name] = tag
	r.byTag[tag] = name
	return nil
}

// TagFor returns the wire tag for a type name.
func (r *Registry) TagFor(name string) (uint16, bool) {
	tag, ok := r.byName[name]
	return tag, ok
}

// NameFor returns the type name for a wire tag.
func (r *Registry) NameFor(tag uint16) (string, bool) {
	name, ok := r.byTag[tag]
	return name, ok
}

// Names returns all registered type names in unspecified order.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.byName))
	for name := range r.byName {
		names = append(names, name)
	}
	return names
}
