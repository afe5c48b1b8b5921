// Copyright 2026 The Voxlink Authors
// SPDX-License-Identifier: Apache-2.0

// Package clock provides an injectable time source.
//
// Every component that waits (heartbeat ticks, confirmation timeouts,
// pairing expiry, retry backoff, readiness polling) takes a Clock rather
// than calling the time package. Production wiring passes Real(); tests
// pass Fake() and drive time explicitly:
//
//	c := clock.Fake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
//	go session.Run(ctx)
//	c.WaitForTimers(1)          // heartbeat ticker registered
//	c.Advance(30 * time.Second) // first heartbeat interval elapses
//
// WaitForTimers closes the race between a goroutine registering a timer
// and the test advancing past it.
package clock
