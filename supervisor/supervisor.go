// Copyright 2026 The Canopy Authors
// SPDX-License-Identifier: Apache-2.0

package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/canopy-foundation/canopy/lib/clock"
	"github.com/canopy-foundation/canopy/surface"
	"github.com/canopy-foundation/canopy/wire"
)

var (
	// ErrStopped is returned by every public method once the
	// supervisor has shut down.
	ErrStopped = errors.New("supervisor: stopped")

	// ErrUnknownRole is returned when a role has no configuration.
	ErrUnknownRole = errors.New("supervisor: role not configured")

	// ErrUnknownSurface is returned when an operation names a surface
	// ID the supervisor does not hold.
	ErrUnknownSurface = errors.New("supervisor: unknown surface")

	// ErrHandshakeTimeout marks a surface that spawned but never sent
	// surface.ready within the handshake window.
	ErrHandshakeTimeout = errors.New("supervisor: surface handshake timed out")
)

// Options configures a Supervisor.
type Options struct {
	// Config is the validated configuration.
	Config Config

	// Spawner creates surface processes. Required; production uses
	// surface.ExecSpawner.
	Spawner surface.Spawner

	// Clock drives every timed wait. Nil selects the real clock.
	Clock clock.Clock

	// Logger receives structured log output. Nil selects
	// slog.Default().
	Logger *slog.Logger

	// OnDiagnostic receives diagnostic events. Nil selects a sink that
	// logs them at warn level. Called from the control loop; keep it
	// fast.
	OnDiagnostic func(Diagnostic)
}

// SurfaceInfo is a point-in-time snapshot of one surface, as exposed to
// broadcast predicates and Surfaces.
type SurfaceInfo struct {
	ID        surface.ID
	Role      wire.Role
	State     surface.State
	PID       int
	CreatedAt time.Time
}

// ensureResult is the reply to an EnsureSurface request.
type ensureResult struct {
	id  surface.ID
	err error
}

// surfaceEntry is the control loop's record of one surface instance.
type surfaceEntry struct {
	id         surface.ID
	role       wire.Role
	roleConfig RoleConfig

	state  surface.State
	handle *surface.Handle

	// handshakeTimer pends while the surface is Starting.
	handshakeTimer *clock.Timer

	// attempts counts spawn attempts consumed by this creation
	// request, carried across retries.
	attempts int

	// waiters are EnsureSurface callers blocked on this creation.
	waiters []chan ensureResult

	// Inbound sequence tracking for gap diagnostics.
	lastInbound uint64
	sawInbound  bool

	// pendingSuppressed holds the latest undelivered payload per
	// suppressed type while the surface is backed up.
	pendingSuppressed map[string][]byte

	// pendingBatch accumulates payloads per batched type until the
	// next flush.
	pendingBatch map[string][][]byte
}

// Supervisor owns every surface process and all coordination state. It
// is an actor: one control-loop goroutine executes posted closures, so
// fields below the inbox are loop-owned and unlocked. Public methods
// are safe for concurrent use.
type Supervisor struct {
	config       Config
	codec        *wire.Codec
	spawner      surface.Spawner
	clock        clock.Clock
	logger       *slog.Logger
	onDiagnostic func(Diagnostic)

	// resyncTypes are the message type names replayed to recreated
	// surfaces.
	resyncTypes map[string]bool

	inbox chan func()
	done  chan struct{}

	runContext context.Context
	cancelRun  context.CancelFunc

	// Control-loop-owned state.
	state          *coordinationState
	surfaces       map[surface.ID]*surfaceEntry
	layout         map[string]LayoutEntry
	nextInstance   uint64
	shuttingDown   bool
	closingPrimary bool
	pendingCloses  int
	stopped        bool
}

// New validates the configuration and returns an idle supervisor.
// Start launches the control loop and the primary surface.
func New(options Options) (*Supervisor, error) {
	if err := options.Config.Validate(); err != nil {
		return nil, err
	}
	if options.Spawner == nil {
		return nil, fmt.Errorf("supervisor: no spawner")
	}
	codec, err := options.Config.buildCodec()
	if err != nil {
		return nil, err
	}

	clk := options.Clock
	if clk == nil {
		clk = clock.Real()
	}
	logger := options.Logger
	if logger == nil {
		logger = slog.Default()
	}

	s := &Supervisor{
		config:      options.Config,
		codec:       codec,
		spawner:     options.Spawner,
		clock:       clk,
		logger:      logger,
		resyncTypes: make(map[string]bool),
		inbox:       make(chan func(), 1024),
		done:        make(chan struct{}),
		state:       newCoordinationState(),
		surfaces:    make(map[surface.ID]*surfaceEntry),
		layout:      make(map[string]LayoutEntry),
	}
	s.onDiagnostic = options.OnDiagnostic
	if s.onDiagnostic == nil {
		s.onDiagnostic = s.logDiagnostic
	}
	for _, messageType := range options.Config.MessageTypes {
		if messageType.Resync {
			s.resyncTypes[messageType.Name] = true
		}
	}
	return s, nil
}

// Start launches the control loop, creates the primary surface, and
// blocks until it is Ready or its creation fails. On success it then
// restores the persisted layout in the background, one surface at a
// time, each failure isolated to its own entry.
func (s *Supervisor) Start(ctx context.Context) error {
	s.runContext, s.cancelRun = context.WithCancel(context.Background())
	go s.loop()

	id, err := s.EnsureSurface(ctx, wire.Primary())
	if err != nil {
		return fmt.Errorf("creating primary surface: %w", err)
	}
	s.logger.Info("primary surface ready", "surface", id)

	s.restoreLayout()
	return nil
}

// Shutdown closes every surface — secondaries first, the primary last —
// and stops the control loop. It blocks until shutdown completes or ctx
// expires. Idempotent.
func (s *Supervisor) Shutdown(ctx context.Context) error {
	s.post(func() { s.beginShutdown("shutdown requested") })
	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Done is closed when the supervisor has fully stopped: all surfaces
// closed, control loop exited. Primary-surface death closes it without
// a Shutdown call.
func (s *Supervisor) Done() <-chan struct{} { return s.done }

// EnsureSurface returns a live surface for role, creating one if
// needed. For single-instance roles an existing Ready surface is
// returned as-is and a Starting one is awaited; multi-instance roles
// get a fresh instance per call.
func (s *Supervisor) EnsureSurface(ctx context.Context, role wire.Role) (surface.ID, error) {
	if role.IsZero() {
		return "", fmt.Errorf("%w: zero role", ErrUnknownRole)
	}
	reply := make(chan ensureResult, 1)
	if err := s.post(func() { s.ensure(role, reply) }); err != nil {
		return "", err
	}
	result, err := awaitReply(ctx, s.done, reply)
	if err != nil {
		return "", err
	}
	return result.id, result.err
}

// CloseSurface closes a surface explicitly: queued messages get the
// drain window, then the process is terminated. Closing the primary
// surface shuts the whole application down. Blocks until the close
// completes or ctx expires.
func (s *Supervisor) CloseSurface(ctx context.Context, id surface.ID) error {
	reply := make(chan error, 1)
	if err := s.post(func() { s.closeRequested(id, reply) }); err != nil {
		return err
	}
	return firstError(awaitReply(ctx, s.done, reply))
}

// Dispatch routes one message: to its explicit target's live surfaces,
// or along the static routing table. It never blocks on slow surfaces
// and never returns routing failures — those become diagnostics. The
// only error is ErrStopped.
func (s *Supervisor) Dispatch(message wire.Message) error {
	return s.post(func() { s.route(nil, message) })
}

// Broadcast delivers one message to every Ready surface matching the
// predicate (nil matches all), exactly once each, in surface-ID order.
// Surfaces still starting are skipped: they resync on Ready instead.
func (s *Supervisor) Broadcast(messageType string, payload []byte, predicate func(SurfaceInfo) bool) error {
	return s.post(func() { s.broadcast(messageType, payload, predicate) })
}

// Surfaces returns a snapshot of every surface the supervisor holds,
// sorted by ID.
func (s *Supervisor) Surfaces() ([]SurfaceInfo, error) {
	reply := make(chan []SurfaceInfo, 1)
	if err := s.post(func() { reply <- s.snapshot() }); err != nil {
		return nil, err
	}
	return awaitReply(context.Background(), s.done, reply)
}

// post hands fn to the control loop. ErrStopped after shutdown.
func (s *Supervisor) post(fn func()) error {
	select {
	case s.inbox <- fn:
		return nil
	case <-s.done:
		return ErrStopped
	}
}

// loop is the control loop: it executes posted closures and flushes
// pending batched and suppressed deliveries on the batch interval.
func (s *Supervisor) loop() {
	defer close(s.done)
	flush := s.clock.NewTicker(s.config.batchInterval())
	defer flush.Stop()

	for !s.stopped {
		select {
		case fn := <-s.inbox:
			fn()
		case <-flush.C:
			s.flushPending()
		}
	}
}

// snapshot builds the SurfaceInfo view. Loop-owned.
func (s *Supervisor) snapshot() []SurfaceInfo {
	infos := make([]SurfaceInfo, 0, len(s.surfaces))
	for _, entry := range s.surfaces {
		info := SurfaceInfo{
			ID:    entry.id,
			Role:  entry.role,
			State: entry.state,
		}
		if entry.handle != nil {
			info.PID = entry.handle.PID()
			info.CreatedAt = entry.handle.CreatedAt()
		}
		infos = append(infos, info)
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].ID < infos[j].ID })
	return infos
}

// diagnose emits one diagnostic event. Loop-owned.
func (s *Supervisor) diagnose(d Diagnostic) {
	s.onDiagnostic(d)
}

func (s *Supervisor) logDiagnostic(d Diagnostic) {
	s.logger.Warn("diagnostic",
		"kind", string(d.Kind),
		"surface", d.Surface,
		"type", d.MessageType,
		"detail", d.Detail,
	)
}

// restoreLayout recreates the persisted secondary surfaces. Each
// entry's failure is logged and isolated; a broken layout file is
// logged and skipped wholesale.
func (s *Supervisor) restoreLayout() {
	if s.config.LayoutPath == "" {
		return
	}
	layout, err := LoadLayout(s.config.LayoutPath)
	if err != nil {
		s.logger.Warn("loading persisted layout", "error", err)
		return
	}
	for _, entry := range layout.Surfaces {
		role, err := wire.ParseRole(entry.Role)
		if err != nil {
			s.logger.Warn("skipping layout entry", "role", entry.Role, "error", err)
			continue
		}
		entry := entry
		s.post(func() { s.layout[entry.Role] = entry })
		if role.IsPrimary() || !entry.Visible {
			continue
		}
		go func() {
			if _, err := s.EnsureSurface(context.Background(), role); err != nil {
				s.logger.Warn("restoring surface from layout", "role", role.String(), "error", err)
			}
		}()
	}
}

// saveLayout persists the current layout map. Failures are logged, not
// fatal: layout is a convenience, not application state.
func (s *Supervisor) saveLayout() {
	if s.config.LayoutPath == "" {
		return
	}
	layout := Layout{Surfaces: make([]LayoutEntry, 0, len(s.layout))}
	for _, entry := range s.layout {
		layout.Surfaces = append(layout.Surfaces, entry)
	}
	if err := SaveLayout(s.config.LayoutPath, layout); err != nil {
		s.logger.Warn("saving layout", "error", err)
	}
}

// awaitReply waits for a reply from the control loop. A reply posted
// just before shutdown wins over the done signal, so callers see the
// real result (a creation error, say) rather than a generic ErrStopped.
func awaitReply[T any](ctx context.Context, done <-chan struct{}, reply <-chan T) (T, error) {
	select {
	case value := <-reply:
		return value, nil
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	case <-done:
		select {
		case value := <-reply:
			return value, nil
		default:
		}
		var zero T
		return zero, ErrStopped
	}
}

func firstError(replyErr, callErr error) error {
	if callErr != nil {
		return callErr
	}
	return replyErr
}
