package testutil

import (
	"sync"
	"time"
)

// Epoch is the default start of FakeClock: 2021-01-01T00:00:00Z.
var Epoch = time.Date(2021, 1, 1, 0, 0, 0, 0, time.UTC)

// FakeClock is a deterministic wall clock for tests.
//
// Every call to Now returns the current time and then advances it by the
// step, so successive store writes get distinct, predictable timestamps.
// A zero step freezes time.
//
// Thread-safety: All methods are safe for concurrent use via internal mutex.
type FakeClock struct {
	mu    sync.Mutex
	start time.Time
	now   time.Time
	step  time.Duration
}

// NewFakeClock creates a clock at Epoch advancing one second per call.
func NewFakeClock() *FakeClock {
	return NewFakeClockAt(Epoch, time.Second)
}

// NewFakeClockAt creates a clock at start advancing step per call.
func NewFakeClockAt(start time.Time, step time.Duration) *FakeClock {
	return &FakeClock{start: start.UTC(), now: start.UTC(), step: step}
}

// Now returns the current time and advances the clock by the step.
func (c *FakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := c.now
	c.now = c.now.Add(c.step)
	return t
}

// Peek returns the current time without advancing.
func (c *FakeClock) Peek() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward by d.
func (c *FakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// Reset returns the clock to its start time.
//
// Used for test reuse. After Reset(), Now() returns the start again.
func (c *FakeClock) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.start
}
