// Package clock provides an injectable time source so that rate-limit window
// rollover, retry backoff, and TTL sweeps can be driven deterministically in
// tests.
package clock

import "time"

// Clock abstracts the subset of package time the service depends on.
type Clock interface {
	// Now returns the current wall-clock time in the service's configured
	// location.
	Now() time.Time

	// After waits for the duration to elapse and then delivers the current
	// time on the returned channel.
	After(d time.Duration) <-chan time.Time

	// Sleep blocks for the given duration.
	Sleep(d time.Duration)
}

// realClock delegates to package time.
type realClock struct {
	loc *time.Location
}

// New returns a Clock backed by the system clock, reporting times in loc.
// A nil loc means time.Local.
func New(loc *time.Location) Clock {
	if loc == nil {
		loc = time.Local
	}
	return &realClock{loc: loc}
}

func (c *realClock) Now() time.Time                         { return time.Now().In(c.loc) }
func (c *realClock) After(d time.Duration) <-chan time.Time { return time.After(d) }
func (c *realClock) Sleep(d time.Duration)                  { time.Sleep(d) }
