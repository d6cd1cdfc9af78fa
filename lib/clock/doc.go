// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package clock provides the injectable time source used by every
// beacon component that reads the time or waits.
//
// The event queue sleeps between drain cycles, the policy enforcer
// compares cache ages and blackout deadlines, and the uploader
// measures latency. All of them take a [Clock] instead of calling the
// time package, so that tests can drive cooldowns and blackouts
// deterministically with [Fake].
//
// A goroutine that waits on a FakeClock registers a pending waiter.
// Tests call [FakeClock.WaitForTimers] before [FakeClock.Advance] so
// that the advance cannot race the registration:
//
//	fakeClock := clock.Fake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
//	go worker.run(ctx)           // worker waits on fakeClock.After
//	fakeClock.WaitForTimers(1)
//	fakeClock.Advance(500 * time.Millisecond)
package clock
