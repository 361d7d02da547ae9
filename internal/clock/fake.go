package clock

import "time"

// FakeClock is a manually driven Clock for tests. It only moves when
// told to, so expiry windows can be probed to the second.
type FakeClock struct {
	now time.Time
}

func NewFakeClock(t time.Time) *FakeClock {
	return &FakeClock{now: t.UTC()}
}

func (c *FakeClock) Now() time.Time {
	return c.now
}

// Advance moves the clock forward (or backward, with a negative d)
// relative to its current instant.
func (c *FakeClock) Advance(d time.Duration) {
	c.now = c.now.Add(d)
}

// Set jumps the clock to an absolute instant, for tests that pin a
// deadline rather than a delta.
func (c *FakeClock) Set(t time.Time) {
	c.now = t.UTC()
}

// Since reports how far the clock sits past t.
func (c *FakeClock) Since(t time.Time) time.Duration {
	return c.now.Sub(t)
}
