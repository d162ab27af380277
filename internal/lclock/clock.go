// Package lclock provides a Lamport logical clock for ordering events
// across participants without synchronized physical time.
package lclock

import "sync"

// Clock is a monotonically increasing logical counter. It is safe for
// concurrent use.
type Clock struct {
	mu      sync.Mutex
	counter int64
}

// New creates a clock starting at 0.
func New() *Clock {
	return &Clock{}
}

// Tick increments the counter and returns the new value. Call it when
// stamping a new local event.
func (c *Clock) Tick() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.counter++
	return c.counter
}

// Observe folds a remote timestamp into the clock and returns the new
// value: counter = max(counter, remote) + 1. Call it on every received
// event so later local ticks order after everything already seen.
func (c *Clock) Observe(remote int64) int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	if remote > c.counter {
		c.counter = remote
	}
	c.counter++
	return c.counter
}

// Now returns the current counter without advancing it.
func (c *Clock) Now() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.counter
}

// Set restores the counter, for resuming from persisted state.
func (c *Clock) Set(counter int64) {
	c.mu.Lock()
	c.counter = counter
	c.mu.Unlock()
}
