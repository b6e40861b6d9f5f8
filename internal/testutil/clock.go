package testutil

import (
	"sync"
	"time"
)

// WallClock is a settable wall clock for tests.
//
// Components that stamp times (LastSync, EnqueuedAt) accept a
// func() time.Time; pass clock.Now to make those stamps deterministic.
//
// Thread-safety: All methods are safe for concurrent use via internal mutex.
type WallClock struct {
	mu  sync.Mutex
	now time.Time
}

// NewWallClock creates a clock frozen at start (converted to UTC).
func NewWallClock(start time.Time) *WallClock {
	return &WallClock{now: start.UTC()}
}

// Now returns the current frozen time.
func (c *WallClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward by d and returns the new time.
func (c *WallClock) Advance(d time.Duration) time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
	return c.now
}
