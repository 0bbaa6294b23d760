package ids

import (
	"sync"
	"time"
)

// Clock provides millisecond timestamps for entity rows. The production
// clock is monotonic: it never hands out a value smaller than one it has
// already handed out, even if the wall clock steps backwards.
type Clock interface {
	// NowMillis returns the current time as integer milliseconds since
	// the Unix epoch.
	NowMillis() int64
}

// MonotonicClock is the production Clock. It is safe for concurrent use.
type MonotonicClock struct {
	mu   sync.Mutex
	last int64
}

// NewClock returns a MonotonicClock.
func NewClock() *MonotonicClock {
	return &MonotonicClock{}
}

// NowMillis returns wall-clock milliseconds, clamped so consecutive calls
// never decrease.
func (c *MonotonicClock) NowMillis() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now().UnixMilli()
	if now <= c.last {
		now = c.last + 1
	}
	c.last = now
	return now
}

// FakeClock is a manually advanced Clock for tests.
type FakeClock struct {
	mu  sync.Mutex
	now int64
}

// NewFakeClock returns a FakeClock starting at the given millisecond value.
func NewFakeClock(start int64) *FakeClock {
	return &FakeClock{now: start}
}

// NowMillis returns the fake clock's current value.
func (c *FakeClock) NowMillis() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the fake clock forward by d.
func (c *FakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now += d.Milliseconds()
}

// Set pins the fake clock to an absolute millisecond value.
func (c *FakeClock) Set(ms int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = ms
}
