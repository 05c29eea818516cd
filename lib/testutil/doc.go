// Copyright 2026 The Canopy Authors
// SPDX-License-Identifier: Apache-2.0

// Package testutil provides shared test helpers for Canopy packages.
//
// [RequireReceive], [RequireSend], and [RequireClosed] encapsulate the
// timeout safety valve pattern (select with time.After fallback) so
// that individual tests do not need direct time.After calls. These are
// the only wall-clock timeouts in the test suite; everything else goes
// through lib/clock's FakeClock.
//
// All helpers call t.Fatalf on failure rather than returning errors,
// since test setup failures are not recoverable.
//
// This package has no Canopy-internal dependencies.
package testutil
