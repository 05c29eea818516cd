// Copyright 2026 The Canopy Authors
// SPDX-License-Identifier: Apache-2.0

package supervisor

import (
	"fmt"
	"io"

	"github.com/canopy-foundation/canopy/surface"
	"github.com/canopy-foundation/canopy/wire"
)

// Every function in this file runs on the control loop.

// ensure services an EnsureSurface request.
func (s *Supervisor) ensure(role wire.Role, reply chan ensureResult) {
	if s.shuttingDown {
		reply <- ensureResult{err: ErrStopped}
		return
	}
	roleConfig, ok := s.config.roleConfig(role.String())
	if !ok {
		reply <- ensureResult{err: fmt.Errorf("%w: %q", ErrUnknownRole, role)}
		return
	}

	if !roleConfig.MultiInstance {
		for _, entry := range s.surfaces {
			if entry.role != role {
				continue
			}
			switch entry.state {
			case surface.StateReady:
				reply <- ensureResult{id: entry.id}
				return
			case surface.StateRequested, surface.StateStarting:
				entry.waiters = append(entry.waiters, reply)
				return
			}
			// Terminated markers and closing surfaces don't count as
			// live; fall through to creation.
		}
	}

	s.createEntry(role, roleConfig, []chan ensureResult{reply}, 0)
}

// createEntry allocates a fresh surface ID and starts a spawn attempt.
// IDs are never reused: retries and recoveries always mint a new one.
func (s *Supervisor) createEntry(role wire.Role, roleConfig RoleConfig, waiters []chan ensureResult, attempts int) *surfaceEntry {
	s.nextInstance++
	id := surface.ID(fmt.Sprintf("%s#%d", role.String(), s.nextInstance))
	entry := &surfaceEntry{
		id:                id,
		role:              role,
		roleConfig:        roleConfig,
		state:             surface.StateRequested,
		attempts:          attempts,
		waiters:           waiters,
		pendingSuppressed: make(map[string][]byte),
		pendingBatch:      make(map[string][][]byte),
	}
	s.surfaces[id] = entry
	s.logger.Info("surface requested", "surface", id, "role", role.String(), "attempt", attempts+1)

	go func() {
		channel, process, err := s.spawner.Spawn(s.runContext, role)
		s.post(func() { s.spawnCompleted(id, channel, process, err) })
	}()
	return entry
}

// spawnCompleted wires a freshly spawned process into a Handle and
// starts the handshake window, or routes a spawn failure into the
// retry path.
func (s *Supervisor) spawnCompleted(id surface.ID, channel io.ReadWriteCloser, process surface.Process, err error) {
	entry := s.surfaces[id]
	if entry == nil || s.shuttingDown {
		// The creation was abandoned while the spawn was in flight.
		if err == nil {
			channel.Close()
			process.Kill()
		}
		if entry != nil {
			delete(s.surfaces, id)
			s.replyWaiters(entry, "", ErrStopped)
		}
		return
	}

	if err != nil {
		s.failAttempt(entry, fmt.Errorf("spawning surface: %w", err))
		return
	}

	entry.state = surface.StateStarting
	entry.handle = surface.NewHandle(surface.HandleConfig{
		ID:        id,
		Role:      entry.role,
		Codec:     s.codec,
		Channel:   channel,
		Process:   process,
		QueueSize: s.config.QueueSize,
		Clock:     s.clock,
		Logger:    s.logger,
		OnMessage: func(id surface.ID, message wire.Message) {
			s.post(func() { s.handleInbound(id, message) })
		},
		OnDecodeError: func(id surface.ID, err error) {
			s.post(func() {
				s.diagnose(Diagnostic{
					Kind:    DiagnosticCodecError,
					Surface: id,
					Detail:  err.Error(),
				})
			})
		},
		OnChannelClosed: func(id surface.ID, err error) {
			s.post(func() { s.handleChannelClosed(id, err) })
		},
		OnExit: func(id surface.ID, code int) {
			s.post(func() { s.handleExit(id, code) })
		},
	})
	entry.handshakeTimer = s.clock.AfterFunc(s.config.handshakeTimeout(), func() {
		s.post(func() { s.handshakeExpired(id) })
	})
	s.logger.Info("surface starting", "surface", id, "pid", entry.handle.PID())
}

// surfaceReady completes the handshake: the surface becomes routable,
// terminated markers it replaces are dropped, resync state is replayed,
// and blocked EnsureSurface callers get their ID.
func (s *Supervisor) surfaceReady(entry *surfaceEntry) {
	if entry.state != surface.StateStarting {
		s.logger.Debug("ignoring surface.ready", "surface", entry.id, "state", entry.state.String())
		return
	}
	if entry.handshakeTimer != nil {
		entry.handshakeTimer.Stop()
		entry.handshakeTimer = nil
	}
	entry.state = surface.StateReady
	roleKey := entry.role.String()
	s.state.markActive(roleKey, entry.id)
	s.logger.Info("surface ready", "surface", entry.id, "pid", entry.handle.PID())

	// This instance supersedes any crashed predecessor.
	for id, other := range s.surfaces {
		if other.role == entry.role && other.state == surface.StateTerminated {
			delete(s.surfaces, id)
		}
	}

	// Replay the last-sent value of every resyncable type so the
	// surface rebuilds its view without a handshake protocol of its
	// own.
	for _, resync := range s.state.resyncPayloads(roleKey, s.resyncTypes) {
		s.sendDirect(entry, wire.Message{Type: resync.messageType, Payload: resync.payload})
	}

	if _, ok := s.layout[roleKey]; !ok {
		s.layout[roleKey] = LayoutEntry{Role: roleKey, Visible: true}
		s.saveLayout()
	}

	s.replyWaiters(entry, entry.id, nil)
}

// handshakeExpired kills a surface that spawned but never said ready.
func (s *Supervisor) handshakeExpired(id surface.ID) {
	entry := s.surfaces[id]
	if entry == nil || entry.state != surface.StateStarting {
		return
	}
	s.logger.Warn("surface handshake timed out", "surface", id, "timeout", s.config.handshakeTimeout())
	handle := entry.handle
	go handle.Close(0)
	s.failAttempt(entry, ErrHandshakeTimeout)
}

// handleExit reacts to a surface process exiting. Expected exits
// (explicit close, shutdown) finish silently; an exit while Ready is
// the crash-recovery entry point.
func (s *Supervisor) handleExit(id surface.ID, code int) {
	entry := s.surfaces[id]
	if entry == nil {
		return
	}

	switch entry.state {
	case surface.StateClosing, surface.StateClosed:
		// Expected: entryClosed finishes the bookkeeping.
		return

	case surface.StateRequested, surface.StateStarting:
		// Died before the handshake: a failed spawn attempt.
		if entry.handshakeTimer != nil {
			entry.handshakeTimer.Stop()
			entry.handshakeTimer = nil
		}
		if entry.handle != nil {
			handle := entry.handle
			go handle.Close(0)
		}
		s.failAttempt(entry, fmt.Errorf("surface process exited with code %d during startup", code))

	case surface.StateReady:
		s.diagnose(Diagnostic{
			Kind:    DiagnosticUnexpectedTermination,
			Surface: id,
			Detail:  fmt.Sprintf("process exited with code %d", code),
		})
		entry.state = surface.StateTerminated
		s.state.markInactive(entry.role.String(), id)
		handle := entry.handle
		go handle.Close(0)

		if entry.role.IsPrimary() {
			s.logger.Error("primary surface terminated, shutting down", "surface", id, "code", code)
			s.beginShutdown("primary surface terminated")
			return
		}
		if s.shuttingDown {
			return
		}
		if entry.roleConfig.Recoverable {
			s.logger.Warn("recovering surface", "surface", id, "role", entry.role.String())
			// Fresh ID, fresh retry budget. The Terminated marker
			// stays until the replacement is Ready so in-flight
			// messages are diagnosed, not silently lost.
			s.createEntry(entry.role, entry.roleConfig, nil, 0)
			return
		}
		s.logger.Error("surface terminated and is not recoverable, reopen it manually",
			"surface", id, "role", entry.role.String(), "code", code)
	}
}

// handleChannelClosed reacts to a surface's channel dying while its
// process lives. The surface is unusable without its channel, so the
// process is terminated; the exit event then drives recovery.
func (s *Supervisor) handleChannelClosed(id surface.ID, err error) {
	entry := s.surfaces[id]
	if entry == nil || entry.state == surface.StateClosing || entry.state == surface.StateClosed {
		return
	}
	s.logger.Warn("surface channel closed", "surface", id, "error", err)
	if entry.handle != nil {
		handle := entry.handle
		go handle.Close(0)
	}
}

// failAttempt retires a failed creation attempt: retry with a fresh ID
// while budget remains, otherwise surface the creation error.
func (s *Supervisor) failAttempt(entry *surfaceEntry, cause error) {
	delete(s.surfaces, entry.id)

	if !s.shuttingDown && entry.attempts < entry.roleConfig.spawnRetries() {
		s.logger.Warn("surface attempt failed, retrying",
			"surface", entry.id, "role", entry.role.String(), "error", cause)
		s.createEntry(entry.role, entry.roleConfig, entry.waiters, entry.attempts+1)
		return
	}

	err := fmt.Errorf("creating %s surface after %d attempts: %w", entry.role, entry.attempts+1, cause)
	s.logger.Error("surface creation failed", "role", entry.role.String(), "error", err)
	s.replyWaiters(entry, "", err)
	if entry.role.IsPrimary() {
		s.beginShutdown("primary surface creation failed")
	}
}

// closeRequested services a CloseSurface call. Closing the primary is
// the application-exit signal.
func (s *Supervisor) closeRequested(id surface.ID, reply chan error) {
	entry := s.surfaces[id]
	if entry == nil {
		reply <- fmt.Errorf("%w: %q", ErrUnknownSurface, id)
		return
	}
	if entry.role.IsPrimary() {
		s.beginShutdown("primary surface closed")
		reply <- nil
		return
	}
	switch entry.state {
	case surface.StateClosing, surface.StateClosed:
		reply <- nil
	case surface.StateTerminated:
		delete(s.surfaces, id)
		reply <- nil
	case surface.StateRequested:
		delete(s.surfaces, id)
		s.replyWaiters(entry, "", ErrStopped)
		reply <- nil
	default:
		// The explicit close forgets the role's layout slot so the
		// next session doesn't resurrect a surface the user dismissed.
		delete(s.layout, entry.role.String())
		s.saveLayout()
		s.closeEntry(entry, reply)
	}
}

// closeEntry runs the graceful close sequence for a spawned surface: a
// close request on the channel, the drain window, then termination.
func (s *Supervisor) closeEntry(entry *surfaceEntry, reply chan error) {
	entry.state = surface.StateClosing
	s.state.markInactive(entry.role.String(), entry.id)
	s.replyWaiters(entry, "", ErrStopped)

	// Best effort: a full queue just means the surface won't see the
	// request before the drain window ends.
	if err := entry.handle.Send(wire.Message{Type: wire.TypeClose}); err != nil {
		s.logger.Debug("close request not delivered", "surface", entry.id, "error", err)
	}

	id := entry.id
	handle := entry.handle
	drain := s.config.drainTimeout()
	go func() {
		handle.Close(drain)
		s.post(func() { s.entryClosed(id, reply) })
	}()
}

// entryClosed finishes a close: drop the record and, during shutdown,
// advance the secondaries-then-primary sequence.
func (s *Supervisor) entryClosed(id surface.ID, reply chan error) {
	entry := s.surfaces[id]
	wasPrimary := false
	if entry != nil {
		entry.state = surface.StateClosed
		wasPrimary = entry.role.IsPrimary()
		delete(s.surfaces, id)
	}
	s.logger.Info("surface closed", "surface", id)
	if reply != nil {
		reply <- nil
	}

	if !s.shuttingDown {
		return
	}
	if wasPrimary {
		s.finishShutdown()
		return
	}
	s.pendingCloses--
	if s.pendingCloses == 0 && !s.closingPrimary {
		s.closePrimaryPhase()
	}
}

// beginShutdown starts the ordered teardown: flush pending deliveries,
// close every secondary, then the primary, then stop the loop.
func (s *Supervisor) beginShutdown(reason string) {
	if s.shuttingDown {
		return
	}
	s.shuttingDown = true
	s.logger.Info("shutting down", "reason", reason)
	s.flushPending()

	for _, entry := range s.surfaces {
		if entry.role.IsPrimary() {
			continue
		}
		switch entry.state {
		case surface.StateReady, surface.StateStarting:
			if entry.handshakeTimer != nil {
				entry.handshakeTimer.Stop()
				entry.handshakeTimer = nil
			}
			s.pendingCloses++
			s.closeEntry(entry, nil)
		case surface.StateClosing:
			// An explicit close already in flight; its completion
			// gates the primary phase like any other secondary.
			s.pendingCloses++
		case surface.StateRequested:
			// Spawn still in flight; spawnCompleted cleans it up.
			s.replyWaiters(entry, "", ErrStopped)
		case surface.StateTerminated:
			delete(s.surfaces, entry.id)
		}
	}

	if s.pendingCloses == 0 {
		s.closePrimaryPhase()
	}
}

// closePrimaryPhase closes the primary surface once all secondaries are
// gone. The primary outliving every secondary means secondaries never
// watch their coordinator die.
func (s *Supervisor) closePrimaryPhase() {
	s.closingPrimary = true
	for _, entry := range s.surfaces {
		if !entry.role.IsPrimary() {
			continue
		}
		switch entry.state {
		case surface.StateReady, surface.StateStarting:
			if entry.handshakeTimer != nil {
				entry.handshakeTimer.Stop()
				entry.handshakeTimer = nil
			}
			s.closeEntry(entry, nil)
			return
		case surface.StateTerminated, surface.StateRequested:
			delete(s.surfaces, entry.id)
			s.replyWaiters(entry, "", ErrStopped)
		}
	}
	s.finishShutdown()
}

// finishShutdown stops the control loop. The final layout was already
// saved by the close path.
func (s *Supervisor) finishShutdown() {
	s.cancelRun()
	s.stopped = true
	s.logger.Info("supervisor stopped")
}

// replyWaiters answers every blocked EnsureSurface caller on an entry.
func (s *Supervisor) replyWaiters(entry *surfaceEntry, id surface.ID, err error) {
	for _, waiter := range entry.waiters {
		waiter <- ensureResult{id: id, err: err}
	}
	entry.waiters = nil
}
