package testutil

import (
	"sync"
	"time"
)

// DeterministicClock is a wall clock for tests that advances by a fixed step
// on every reading.
//
// The first call to Now() returns the epoch plus one step, so with the default
// one-second step the store stamps records with updated_at = 1000, 2000, ...
// This keeps golden files and equality assertions stable.
//
// Thread-safety: all methods are safe for concurrent use.
type DeterministicClock struct {
	mu   sync.Mutex
	seq  int64
	step time.Duration
}

// NewDeterministicClock creates a clock with a one-second step.
func NewDeterministicClock() *DeterministicClock {
	return &DeterministicClock{step: time.Second}
}

// NewDeterministicClockWithStep creates a clock advancing by step per reading.
func NewDeterministicClockWithStep(step time.Duration) *DeterministicClock {
	return &DeterministicClock{step: step}
}

// Now advances the clock and returns the new time.
func (c *DeterministicClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.seq++
	return time.UnixMilli(c.seq * c.step.Milliseconds())
}

// Current returns how many readings have been taken.
func (c *DeterministicClock) Current() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.seq
}

// Reset rewinds the clock so the next Now() returns the first step again.
func (c *DeterministicClock) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.seq = 0
}
