// Copyright 2026 The OTA Image Authors
// SPDX-License-Identifier: Apache-2.0

// Package clock provides an injectable time abstraction for
// testability.
//
// Image timestamps — the created-at and signed-at annotations and the
// iat claim of the signature token — must be deterministic in tests,
// and the deployment engine's retry backoff must not slow the test
// suite down. Production code accepts a Clock instead of calling
// time.Now or time.Sleep directly: Real() in production, Fake() in
// tests.
package clock

import (
	"sort"
	"sync"
	"time"
)

// Clock abstracts the time operations the toolkit uses. Production
// code injects Real(); tests inject Fake() with deterministic time
// control.
type Clock interface {
	// Now returns the current time.
	Now() time.Time

	// Sleep pauses the current goroutine for at least duration d.
	// Equivalent to time.Sleep.
	Sleep(d time.Duration)
}

// Real returns a Clock backed by the standard time package.
func Real() Clock { return realClock{} }

type realClock struct{}

func (realClock) Now() time.Time        { return time.Now() }
func (realClock) Sleep(d time.Duration) { time.Sleep(d) }

// Fake returns a FakeClock initialized to the given time. Time stands
// still until Advance is called; Sleep blocks until the clock advances
// past the sleeper's deadline.
//
// FakeClock is safe for concurrent use by multiple goroutines.
func Fake(initial time.Time) *FakeClock {
	return &FakeClock{current: initial}
}

// FakeClock is a deterministic Clock for testing. Time advances only
// when Advance is called.
type FakeClock struct {
	mu       sync.Mutex
	current  time.Time
	sleepers []*fakeSleeper
}

type fakeSleeper struct {
	deadline time.Time
	done     chan struct{}
}

// Now returns the current fake time.
func (c *FakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

// Sleep blocks until the clock has been advanced past the deadline.
// If d <= 0, Sleep returns immediately.
func (c *FakeClock) Sleep(d time.Duration) {
	if d <= 0 {
		return
	}
	c.mu.Lock()
	sleeper := &fakeSleeper{
		deadline: c.current.Add(d),
		done:     make(chan struct{}),
	}
	c.sleepers = append(c.sleepers, sleeper)
	c.mu.Unlock()
	<-sleeper.done
}

// Advance moves the clock forward by d and wakes every sleeper whose
// deadline has passed, in deadline order.
func (c *FakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.current = c.current.Add(d)

	sort.Slice(c.sleepers, func(i, j int) bool {
		return c.sleepers[i].deadline.Before(c.sleepers[j].deadline)
	})
	remaining := c.sleepers[:0]
	for _, sleeper := range c.sleepers {
		if sleeper.deadline.After(c.current) {
			remaining = append(remaining, sleeper)
			continue
		}
		close(sleeper.done)
	}
	c.sleepers = remaining
}

// Sleepers reports how many goroutines are currently blocked in Sleep.
// Tests use it to wait for a goroutine to register before Advance.
func (c *FakeClock) Sleepers() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.sleepers)
}
