package queue

import "sync/atomic"

// Clock is the monotonic logical clock that stamps every enqueued
// mutation with its global arrival position.
//
// Mutations are persisted per resource, so the arrival order across
// resources is only recoverable from these sequence numbers. Wall-clock
// timestamps are never used for ordering.
//
// Thread-safety: Clock is safe for concurrent use (atomic operations).
type Clock struct {
	seq atomic.Int64
}

// NewClock creates a new clock starting at 0.
func NewClock() *Clock {
	return &Clock{}
}

// NewClockAt creates a clock resuming after a persisted sequence number.
func NewClockAt(start int64) *Clock {
	c := &Clock{}
	c.seq.Store(start)
	return c
}

// Next returns the next sequence number and increments the clock.
func (c *Clock) Next() int64 {
	return c.seq.Add(1)
}

// Current returns the current sequence number without incrementing.
func (c *Clock) Current() int64 {
	return c.seq.Load()
}
