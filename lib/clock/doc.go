// Copyright 2026 The Gatehouse Authors
// SPDX-License-Identifier: Apache-2.0

// Package clock provides an injectable time abstraction for
// testability.
//
// Production code accepts a Clock interface parameter instead of
// calling time.Now, time.After, time.NewTimer, time.NewTicker,
// time.AfterFunc, or time.Sleep directly. In production, Real()
// provides the standard library behavior. In tests, Fake() provides a
// deterministic clock that advances only when Advance is called.
//
// Gatehouse is full of time-sensitive behavior that must be tested
// without real sleeps: the 300-second handshake replay window,
// heartbeat ping intervals and pong deadlines, idempotency record
// TTLs, hook execution timeouts, and run wall-clock limits. All of it
// reads time through this interface.
//
// # Wiring Pattern
//
// Add a Clock field to structs that use time:
//
//	type Monitor struct {
//	    clock clock.Clock
//	    // ...
//	}
//
// In production:
//
//	m := &Monitor{clock: clock.Real()}
//
// In tests:
//
//	c := clock.Fake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
//	m := &Monitor{clock: c}
//	// ... start goroutines ...
//	c.WaitForTimers(1) // wait for goroutine to register a timer
//	c.Advance(30 * time.Second) // fire the timer deterministically
//
// # FakeClock Synchronization
//
// When a goroutine calls Sleep, After, NewTimer, NewTicker, or
// AfterFunc on a FakeClock, it registers a pending timer. Use
// WaitForTimers to block until a specific number of timers are
// registered before calling Advance. This eliminates the race between
// timer registration and time advancement that plagues tests using
// time.Sleep for synchronization.
package clock
