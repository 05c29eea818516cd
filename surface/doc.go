// Copyright 2026 The Canopy Authors
// SPDX-License-Identifier: Apache-2.0

// Package surface owns the per-surface process and channel machinery.
//
// A surface is an isolated rendering process. The supervisor holds one
// [Handle] per surface: the process handle, the bidirectional byte
// channel, a bounded outbound queue, and the liveness monitor. The
// package is organized around the boundary:
//
//   - surface.go: [Handle] — supervisor-side ownership of one surface.
//     Send enqueues onto the bounded queue (ErrBackpressure when
//     full); a single writer goroutine serializes every channel write,
//     so per-destination delivery order equals send order; a reader
//     goroutine decodes frames and posts them to the supervisor's
//     inbox; a monitor goroutine waits for process exit.
//   - spawn.go: [Spawner] — how surface processes come to exist. The
//     production [ExecSpawner] launches the configured command with a
//     Unix socketpair, the surface inheriting its end as fd 3. Tests
//     inject in-memory spawners.
//   - host.go: the surface-side half. A surface process adopts the
//     inherited channel with [InheritedChannel], announces itself with
//     [Host.Ready], and serves messages from [Host.Run].
//
// Handle goroutines never touch coordination state: they move bytes
// and post events. All decisions happen on the supervisor's control
// loop.
package surface
