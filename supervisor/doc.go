// Copyright 2026 The Canopy Authors
// SPDX-License-Identifier: Apache-2.0

// Package supervisor is Canopy's coordination core: the single control
// loop that owns every surface's lifecycle, all routing decisions, and
// the authoritative cross-surface state.
//
// The package is organized around the coordination data flow:
//
//   - config.go: YAML configuration — roles, message types, routes,
//     timeouts — validated into a wire.Registry and routing tables.
//   - supervisor.go: the [Supervisor] actor. All mutation arrives as
//     closures on its inbox and runs on one goroutine, so the
//     coordination state needs no locks. Public methods post commands
//     and wait on reply channels.
//   - lifecycle.go: the per-surface state machine (Requested →
//     Starting → Ready → Terminated | Closing → Closed), handshake
//     timeouts, spawn retry budgets, crash recovery with resync, and
//     shutdown ordering (secondaries before primary).
//   - router.go: dispatch resolution — explicit target first, then the
//     static routing table — plus per-type delivery policy
//     (direct / suppress / batch) and the broadcast bus.
//   - state.go: the coordination state record — active surfaces per
//     role and last-sent payloads per (role, type), which double as
//     the resync source.
//   - layout.go: the persisted surface layout, written atomically and
//     restored entry-by-entry at startup.
//   - diagnostics.go: structured diagnostic events for everything that
//     is deliberately not an error (unroutable messages, sequence
//     gaps, messages addressed to terminated surfaces).
//
// The central correctness property: a secondary surface failing —
// crashing, timing out its handshake, refusing messages — never
// affects the primary surface or any other secondary. Only primary
// failure terminates the application.
package supervisor
