package clock

import "time"

// Clock provides current time abstraction for deterministic tests.
// Params: none.
// Returns: current wall-clock time.
type Clock interface {
	Now() time.Time
}

// RealClock reads current UTC time from system clock.
// Params: none.
// Returns: current UTC timestamp.
type RealClock struct{}

// Now returns current UTC time.
// Params: none.
// Returns: current UTC timestamp.
func (RealClock) Now() time.Time {
	return time.Now().UTC()
}

// FakeClock is a settable clock for tests.
// Params: stored instant advanced explicitly.
// Returns: deterministic time source.
type FakeClock struct {
	Instant time.Time
}

// Now returns the stored instant.
// Params: none.
// Returns: configured timestamp.
func (c *FakeClock) Now() time.Time {
	return c.Instant
}

// Advance moves the stored instant forward.
// Params: positive duration step.
// Returns: none (instant mutated).
func (c *FakeClock) Advance(step time.Duration) {
	c.Instant = c.Instant.Add(step)
}
