// Package timeutil provides the clock used for sensor staleness, state
// timestamps, cache TTLs, and retry delays, with a manual clock for tests.
package timeutil

import (
	"sort"
	"sync"
	"time"
)

// Clock abstracts wall-clock reads so gating decisions are testable.
type Clock interface {
	// Now returns the current time.
	Now() time.Time

	// Since returns the duration since t.
	Since(t time.Time) time.Duration

	// After waits for the duration to elapse and then sends the current time.
	After(d time.Duration) <-chan time.Time
}

// RealClock implements Clock using the standard time package.
type RealClock struct{}

// Now returns the current time.
func (RealClock) Now() time.Time { return time.Now() }

// Since returns the time elapsed since t.
func (RealClock) Since(t time.Time) time.Duration { return time.Since(t) }

// After waits for the duration to elapse and then sends the current time.
func (RealClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

// MockClock is a manually controlled clock for testing. After channels
// fire when Advance or Set moves the clock past their deadline.
type MockClock struct {
	mu      sync.Mutex
	now     time.Time
	waiters []waiter
}

type waiter struct {
	deadline time.Time
	ch       chan time.Time
}

// NewMockClock creates a new MockClock set to the given time.
func NewMockClock(t time.Time) *MockClock {
	return &MockClock{now: t}
}

// Now returns the mocked current time.
func (c *MockClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Since returns the duration since t.
func (c *MockClock) Since(t time.Time) time.Duration {
	return c.Now().Sub(t)
}

// After returns a channel that receives the mocked time once the clock
// has been advanced by at least d. A non-positive d fires immediately.
func (c *MockClock) After(d time.Duration) <-chan time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	ch := make(chan time.Time, 1)
	if d <= 0 {
		ch <- c.now
		return ch
	}
	c.waiters = append(c.waiters, waiter{deadline: c.now.Add(d), ch: ch})
	return ch
}

// Set moves the clock to t, firing any waiters whose deadline passed.
// Moving backwards is allowed and fires nothing.
func (c *MockClock) Set(t time.Time) {
	c.mu.Lock()
	c.now = t
	fired := c.expiredLocked()
	c.mu.Unlock()
	fire(fired, t)
}

// Advance moves the clock forward by d.
func (c *MockClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	now := c.now
	fired := c.expiredLocked()
	c.mu.Unlock()
	fire(fired, now)
}

// Pending returns the number of After channels that have not fired yet.
func (c *MockClock) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.waiters)
}

func (c *MockClock) expiredLocked() []waiter {
	var fired, kept []waiter
	for _, w := range c.waiters {
		if !c.now.Before(w.deadline) {
			fired = append(fired, w)
		} else {
			kept = append(kept, w)
		}
	}
	c.waiters = kept
	sort.Slice(fired, func(i, j int) bool { return fired[i].deadline.Before(fired[j].deadline) })
	return fired
}

func fire(ws []waiter, now time.Time) {
	for _, w := range ws {
		w.ch <- now
	}
}
