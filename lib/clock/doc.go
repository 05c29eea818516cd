// Copyright 2026 The Canopy Authors
// SPDX-License-Identifier: Apache-2.0

// Package clock abstracts time for the supervisor's bounded waits.
//
// Every timed path in Canopy — the ready-handshake timeout, the
// drain-on-close deadline, and the batch flush tick — goes through a
// [Clock] instead of the time package directly. Production code
// injects [Real]; tests inject [Fake] and drive time with Advance, so
// lifecycle and batching tests are deterministic and never sleep.
package clock
