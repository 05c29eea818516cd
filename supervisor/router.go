// Copyright 2026 The Canopy Authors
// SPDX-License-Identifier: Apache-2.0

package supervisor

import (
	"errors"
	"fmt"
	"sort"

	"github.com/canopy-foundation/canopy/lib/codec"
	"github.com/canopy-foundation/canopy/surface"
	"github.com/canopy-foundation/canopy/wire"
)

// Every function in this file runs on the control loop.

// batchBacklogFactor caps how many flush-intervals' worth of batched
// items a backed-up surface may accumulate before the backlog is
// dropped with a diagnostic.
const batchBacklogFactor = 4

// handleInbound processes one decoded message from a surface: sequence
// tracking, control handling, then routing.
func (s *Supervisor) handleInbound(id surface.ID, message wire.Message) {
	entry := s.surfaces[id]
	if entry == nil {
		return
	}

	if entry.sawInbound && message.Sequence != entry.lastInbound+1 {
		s.diagnose(Diagnostic{
			Kind:        DiagnosticSequenceGap,
			Surface:     id,
			MessageType: message.Type,
			Detail:      fmt.Sprintf("sequence %d after %d", message.Sequence, entry.lastInbound),
		})
	}
	entry.sawInbound = true
	entry.lastInbound = message.Sequence

	switch message.Type {
	case wire.TypeReady:
		s.surfaceReady(entry)
	case wire.TypeLayout:
		s.applyLayoutUpdate(entry, message.Payload)
	case wire.TypeClose:
		// The surface asked to be closed (user dismissed its window).
		s.closeRequested(id, make(chan error, 1))
	default:
		s.route(entry, message)
	}
}

// applyLayoutUpdate folds a surface's geometry report into the layout
// map and persists it.
func (s *Supervisor) applyLayoutUpdate(entry *surfaceEntry, payload []byte) {
	var update wire.LayoutUpdate
	if err := codec.Unmarshal(payload, &update); err != nil {
		s.diagnose(Diagnostic{
			Kind:        DiagnosticCodecError,
			Surface:     entry.id,
			MessageType: wire.TypeLayout,
			Detail:      err.Error(),
		})
		return
	}
	s.layout[entry.role.String()] = LayoutEntry{
		Role:    entry.role.String(),
		Visible: update.Visible,
		X:       update.X,
		Y:       update.Y,
		Width:   update.Width,
		Height:  update.Height,
	}
	s.saveLayout()
}

// route resolves a message's destinations: the explicit target's live
// surfaces when one is set, otherwise the static routing table. source
// is nil for external producers.
func (s *Supervisor) route(source *surfaceEntry, message wire.Message) {
	if message.Target != nil {
		s.routeToRole(*message.Target, message)
		return
	}

	destinations, ok := s.config.routeFor(message.Type)
	if !ok {
		s.diagnose(Diagnostic{
			Kind:        DiagnosticUnroutable,
			MessageType: message.Type,
			Detail:      "no explicit target and no routing-table entry",
		})
		return
	}
	for _, destination := range destinations {
		role, err := wire.ParseRole(destination)
		if err != nil {
			// Validation makes this unreachable; guard anyway.
			continue
		}
		s.routeToRole(role, message)
	}
}

// routeToRole delivers to every live surface of a role. A role with no
// live surface is a silent drop, except mid-recovery: a Terminated
// marker turns the drop into a terminated_target diagnostic so senders
// can see why their message vanished.
func (s *Supervisor) routeToRole(role wire.Role, message wire.Message) {
	ids := s.state.activeIDs(role.String())
	if len(ids) == 0 {
		if s.roleHasTerminatedMarker(role) {
			s.diagnose(Diagnostic{
				Kind:        DiagnosticTerminatedTarget,
				MessageType: message.Type,
				Detail:      fmt.Sprintf("role %q is mid-recovery", role),
			})
		}
		return
	}
	for _, id := range ids {
		if entry := s.surfaces[id]; entry != nil {
			s.deliver(entry, message)
		}
	}
}

func (s *Supervisor) roleHasTerminatedMarker(role wire.Role) bool {
	for _, entry := range s.surfaces {
		if entry.role == role && entry.state == surface.StateTerminated {
			return true
		}
	}
	return false
}

// deliver applies the message type's delivery policy for one surface.
func (s *Supervisor) deliver(entry *surfaceEntry, message wire.Message) {
	switch s.config.policyFor(message.Type) {
	case PolicySuppress:
		s.deliverSuppressed(entry, message)
	case PolicyBatch:
		s.deliverBatched(entry, message)
	default:
		s.sendDirect(entry, message)
	}
}

// sendDirect enqueues one message, recording it for resync. A full
// queue drops the message with a diagnostic: direct types are expected
// to be low-rate, so a full queue means the surface is wedged.
func (s *Supervisor) sendDirect(entry *surfaceEntry, message wire.Message) {
	err := entry.handle.Send(message)
	switch {
	case err == nil:
		s.recordDelivered(entry, message.Type, message.Payload)
	case errors.Is(err, surface.ErrBackpressure):
		s.diagnose(Diagnostic{
			Kind:        DiagnosticBackpressure,
			Surface:     entry.id,
			MessageType: message.Type,
			Detail:      "outbound queue full, message dropped",
		})
	default:
		s.logger.Debug("send failed", "surface", entry.id, "type", message.Type, "error", err)
	}
}

// deliverSuppressed sends immediately when the queue has room; under
// backpressure it keeps only the latest payload per type, so a slow
// surface converges on the newest value instead of replaying every
// intermediate one.
func (s *Supervisor) deliverSuppressed(entry *surfaceEntry, message wire.Message) {
	if _, waiting := entry.pendingSuppressed[message.Type]; waiting {
		entry.pendingSuppressed[message.Type] = message.Payload
		return
	}
	err := entry.handle.Send(wire.Message{Type: message.Type, Payload: message.Payload})
	switch {
	case err == nil:
		s.recordDelivered(entry, message.Type, message.Payload)
	case errors.Is(err, surface.ErrBackpressure):
		entry.pendingSuppressed[message.Type] = message.Payload
	default:
		s.logger.Debug("send failed", "surface", entry.id, "type", message.Type, "error", err)
	}
}

// deliverBatched accumulates the payload; the batch flushes on the
// interval tick or as soon as it hits the size cap.
func (s *Supervisor) deliverBatched(entry *surfaceEntry, message wire.Message) {
	entry.pendingBatch[message.Type] = append(entry.pendingBatch[message.Type], message.Payload)
	if len(entry.pendingBatch[message.Type]) >= s.config.batchMaxItems() {
		s.flushBatch(entry, message.Type)
	}
}

// flushPending retries suppressed sends and flushes accumulated
// batches for every live surface. Runs on the batch-interval tick.
func (s *Supervisor) flushPending() {
	for _, id := range s.sortedSurfaceIDs() {
		entry := s.surfaces[id]
		if entry == nil || entry.state != surface.StateReady {
			continue
		}
		for _, messageType := range sortedKeys(entry.pendingSuppressed) {
			payload := entry.pendingSuppressed[messageType]
			err := entry.handle.Send(wire.Message{Type: messageType, Payload: payload})
			switch {
			case err == nil:
				delete(entry.pendingSuppressed, messageType)
				s.recordDelivered(entry, messageType, payload)
			case errors.Is(err, surface.ErrBackpressure):
				// Still backed up; the latest value keeps waiting.
			default:
				delete(entry.pendingSuppressed, messageType)
				s.logger.Debug("suppressed send failed", "surface", entry.id, "type", messageType, "error", err)
			}
		}
		for _, messageType := range sortedKeys(entry.pendingBatch) {
			s.flushBatch(entry, messageType)
		}
	}
}

// flushBatch emits one canopy.batch frame carrying every accumulated
// item for (surface, type), preserving arrival order. Under
// backpressure the items wait for the next tick, up to a backlog cap.
func (s *Supervisor) flushBatch(entry *surfaceEntry, messageType string) {
	items := entry.pendingBatch[messageType]
	if len(items) == 0 {
		return
	}
	payload, err := codec.Marshal(wire.BatchPayload{Type: messageType, Items: items})
	if err != nil {
		delete(entry.pendingBatch, messageType)
		s.logger.Error("encoding batch", "surface", entry.id, "type", messageType, "error", err)
		return
	}

	err = entry.handle.Send(wire.Message{Type: wire.TypeBatch, Payload: payload})
	switch {
	case err == nil:
		delete(entry.pendingBatch, messageType)
		s.recordDelivered(entry, messageType, items[len(items)-1])
	case errors.Is(err, surface.ErrBackpressure):
		if len(items) >= batchBacklogFactor*s.config.batchMaxItems() {
			delete(entry.pendingBatch, messageType)
			s.diagnose(Diagnostic{
				Kind:        DiagnosticBackpressure,
				Surface:     entry.id,
				MessageType: messageType,
				Detail:      fmt.Sprintf("batch backlog of %d items dropped", len(items)),
			})
		}
	default:
		delete(entry.pendingBatch, messageType)
		s.logger.Debug("batch send failed", "surface", entry.id, "type", messageType, "error", err)
	}
}

// broadcast delivers to every Ready surface matching the predicate,
// exactly once each, in surface-ID order. Surfaces still starting are
// skipped; they catch up through resync when they become Ready.
func (s *Supervisor) broadcast(messageType string, payload []byte, predicate func(SurfaceInfo) bool) {
	for _, id := range s.sortedSurfaceIDs() {
		entry := s.surfaces[id]
		if entry == nil || entry.state != surface.StateReady {
			continue
		}
		if predicate != nil {
			info := SurfaceInfo{
				ID:        entry.id,
				Role:      entry.role,
				State:     entry.state,
				PID:       entry.handle.PID(),
				CreatedAt: entry.handle.CreatedAt(),
			}
			if !predicate(info) {
				continue
			}
		}
		s.sendDirect(entry, wire.Message{Type: messageType, Payload: payload})
	}
}

// recordDelivered notes a successful send for resync replay. Only
// resyncable types are recorded; everything else would be stale by the
// time a recovered surface could use it.
func (s *Supervisor) recordDelivered(entry *surfaceEntry, messageType string, payload []byte) {
	if s.resyncTypes[messageType] {
		s.state.recordSent(entry.role.String(), messageType, payload)
	}
}

func (s *Supervisor) sortedSurfaceIDs() []surface.ID {
	ids := make([]surface.ID, 0, len(s.surfaces))
	for id := range s.surfaces {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for key := range m {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}
