// Copyright 2026 The Canopy Authors
// SPDX-License-Identifier: Apache-2.0

package clock

import (
	"sort"
	"sync"
	"time"
)

// Fake returns a FakeClock initialized to the given time. Time stands
// still until Advance is called; all waiters registered through After,
// AfterFunc, and NewTicker fire when the clock advances past their
// deadline.
//
// FakeClock is safe for concurrent use by multiple goroutines.
func Fake(initial time.Time) *FakeClock {
	c := &FakeClock{current: initial}
	c.registered = sync.NewCond(&c.mu)
	return c
}

// FakeClock is a deterministic Clock for tests. AfterFunc callbacks
// run synchronously during Advance in deadline order; do not call
// Advance from inside a callback.
type FakeClock struct {
	mu         sync.Mutex
	current    time.Time
	waiters    []*fakeWaiter
	registered *sync.Cond
}

// fakeWaiter is a pending timer or ticker registration.
type fakeWaiter struct {
	deadline time.Time

	// channel receives the fire time for After and Ticker waiters.
	// Nil for AfterFunc waiters.
	channel chan time.Time

	// callback runs synchronously during Advance for AfterFunc
	// waiters. Nil otherwise.
	callback func()

	// interval is non-zero for tickers: after firing, the waiter is
	// rescheduled at deadline + interval.
	interval time.Duration

	stopped bool
	fired   bool
}

// Now returns the current fake time.
func (c *FakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

// After returns a channel that receives once the clock has been
// advanced past duration d. If d <= 0, the channel receives
// immediately.
func (c *FakeClock) After(d time.Duration) <-chan time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()

	channel := make(chan time.Time, 1)
	if d <= 0 {
		channel <- c.current
		return channel
	}
	c.waiters = append(c.waiters, &fakeWaiter{
		deadline: c.current.Add(d),
		channel:  channel,
	})
	c.registered.Broadcast()
	return channel
}

// AfterFunc schedules f to run when the clock advances past duration
// d. If d <= 0, f runs synchronously before AfterFunc returns.
func (c *FakeClock) AfterFunc(d time.Duration, f func()) *Timer {
	c.mu.Lock()

	if d <= 0 {
		c.mu.Unlock()
		f()
		return &Timer{stopFunc: func() bool { return false }}
	}

	waiter := &fakeWaiter{
		deadline: c.current.Add(d),
		callback: f,
	}
	c.waiters = append(c.waiters, waiter)
	c.registered.Broadcast()
	c.mu.Unlock()

	return &Timer{stopFunc: func() bool {
		c.mu.Lock()
		defer c.mu.Unlock()
		if waiter.stopped || waiter.fired {
			return false
		}
		waiter.stopped = true
		return true
	}}
}

// NewTicker returns a Ticker that fires every time the clock advances
// past the next interval boundary. Panics if d <= 0.
func (c *FakeClock) NewTicker(d time.Duration) *Ticker {
	if d <= 0 {
		panic("clock: non-positive interval for NewTicker")
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	waiter := &fakeWaiter{
		deadline: c.current.Add(d),
		channel:  make(chan time.Time, 1),
		interval: d,
	}
	c.waiters = append(c.waiters, waiter)
	c.registered.Broadcast()

	return &Ticker{
		C: waiter.channel,
		stopFunc: func() {
			c.mu.Lock()
			defer c.mu.Unlock()
			waiter.stopped = true
		},
	}
}

// BlockUntil blocks until at least n waiters (timers, tickers, After
// channels) are pending. Tests use it to make sure the code under test
// has registered its timer before Advance fires it.
func (c *FakeClock) BlockUntil(n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for c.pendingLocked() < n {
		c.registered.Wait()
	}
}

func (c *FakeClock) pendingLocked() int {
	pending := 0
	for _, waiter := range c.waiters {
		if !waiter.stopped && !waiter.fired {
			pending++
		}
	}
	return pending
}

// Advance moves the fake time forward by d, firing every waiter whose
// deadline falls within the advanced window, in deadline order.
// Tickers fire once per elapsed interval (dropped if their channel
// buffer is full, matching time.Ticker).
func (c *FakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	target := c.current.Add(d)

	for {
		next := c.nextDueWaiterLocked(target)
		if next == nil {
			break
		}
		c.current = next.deadline
		c.fireLocked(next)
	}

	c.current = target
	c.mu.Unlock()
}

// nextDueWaiterLocked returns the unstopped, unfired waiter with the
// earliest deadline at or before target, or nil when none remain.
func (c *FakeClock) nextDueWaiterLocked(target time.Time) *fakeWaiter {
	live := c.waiters[:0]
	for _, waiter := range c.waiters {
		if !waiter.stopped && !waiter.fired {
			live = append(live, waiter)
		}
	}
	c.waiters = live

	sort.SliceStable(c.waiters, func(i, j int) bool {
		return c.waiters[i].deadline.Before(c.waiters[j].deadline)
	})

	if len(c.waiters) == 0 || c.waiters[0].deadline.After(target) {
		return nil
	}
	return c.waiters[0]
}

// fireLocked fires one waiter. One-shot waiters are marked fired;
// tickers are rescheduled one interval ahead.
func (c *FakeClock) fireLocked(waiter *fakeWaiter) {
	switch {
	case waiter.interval > 0:
		select {
		case waiter.channel <- waiter.deadline:
		default:
			// Slow consumer: drop the tick.
		}
		waiter.deadline = waiter.deadline.Add(waiter.interval)
	case waiter.callback != nil:
		waiter.fired = true
		callback := waiter.callback
		c.mu.Unlock()
		callback()
		c.mu.Lock()
	default:
		waiter.fired = true
		waiter.channel <- waiter.deadline
	}
}
