// Copyright 2026 The Canopy Authors
// SPDX-License-Identifier: Apache-2.0

package supervisor

import (
	"sort"

	"github.com/canopy-foundation/canopy/surface"
)

// roleTypeKey indexes the last-sent record: one slot per (role key,
// message type) pair.
type roleTypeKey struct {
	role        string
	messageType string
}

// coordinationState is the authoritative cross-surface record. It is
// owned by the control loop and mutated only there, so it carries no
// locks. Surfaces hold no authoritative state; after a crash this
// record is what rebuilds a recreated surface's view.
type coordinationState struct {
	// active lists the live (Ready) surface IDs per role key, in
	// creation order.
	active map[string][]surface.ID

	// lastSent holds the most recent payload delivered per (role,
	// type). Types marked for resync replay from here when a surface
	// of the role is recreated.
	lastSent map[roleTypeKey][]byte
}

func newCoordinationState() *coordinationState {
	return &coordinationState{
		active:   make(map[string][]surface.ID),
		lastSent: make(map[roleTypeKey][]byte),
	}
}

// markActive records a surface as live under its role key.
func (s *coordinationState) markActive(roleKey string, id surface.ID) {
	s.active[roleKey] = append(s.active[roleKey], id)
}

// markInactive removes a surface from its role's live list.
func (s *coordinationState) markInactive(roleKey string, id surface.ID) {
	ids := s.active[roleKey]
	for i, existing := range ids {
		if existing == id {
			s.active[roleKey] = append(ids[:i:i], ids[i+1:]...)
			break
		}
	}
	if len(s.active[roleKey]) == 0 {
		delete(s.active, roleKey)
	}
}

// activeIDs returns the live surface IDs for a role key in creation
// order. The returned slice is the state's own; callers must not
// mutate it.
func (s *coordinationState) activeIDs(roleKey string) []surface.ID {
	return s.active[roleKey]
}

// recordSent notes the latest payload delivered to a role for a type.
func (s *coordinationState) recordSent(roleKey, messageType string, payload []byte) {
	s.lastSent[roleTypeKey{role: roleKey, messageType: messageType}] = payload
}

// resyncPayloads returns the last-sent payloads for a role restricted
// to the given types, keyed by type name, in sorted type order. This is
// the replay set for a recreated surface.
func (s *coordinationState) resyncPayloads(roleKey string, types map[string]bool) []resyncEntry {
	var entries []resyncEntry
	for key, payload := range s.lastSent {
		if key.role == roleKey && types[key.messageType] {
			entries = append(entries, resyncEntry{messageType: key.messageType, payload: payload})
		}
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].messageType < entries[j].messageType
	})
	return entries
}

type resyncEntry struct {
	messageType string
	payload     []byte
}
