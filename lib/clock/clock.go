// Copyright 2026 The Canopy Authors
// SPDX-License-Identifier: Apache-2.0

package clock

import "time"

// Clock is the time source injected into every component with a timed
// wait. Production code uses Real(); tests use Fake() and control time
// explicitly.
type Clock interface {
	// Now returns the current time.
	Now() time.Time

	// After returns a channel that receives the current time once
	// duration d has elapsed. If d <= 0, the channel receives
	// immediately.
	After(d time.Duration) <-chan time.Time

	// AfterFunc waits for duration d, then calls f. The returned
	// Timer cancels the pending call with Stop; its C field is nil,
	// matching time.AfterFunc.
	AfterFunc(d time.Duration, f func()) *Timer

	// NewTicker returns a Ticker delivering ticks on C at the given
	// interval. Panics if d <= 0.
	NewTicker(d time.Duration) *Ticker
}

// Ticker wraps a periodic timer. Read ticks from C; call Stop when
// done. C has capacity 1, matching time.Ticker: a slow consumer drops
// ticks rather than queuing them.
type Ticker struct {
	C <-chan time.Time

	stopFunc func()
}

// Stop turns the ticker off. No more ticks arrive on C after Stop
// returns. Stop does not close C.
func (t *Ticker) Stop() { t.stopFunc() }

// Timer represents a scheduled AfterFunc call. C is always nil.
type Timer struct {
	C <-chan time.Time

	stopFunc func() bool
}

// Stop prevents the Timer from firing. Returns true if the call stops
// the timer, false if it already fired or was stopped.
func (t *Timer) Stop() bool { return t.stopFunc() }
