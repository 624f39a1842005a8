package clock

import (
	"sync"
	"time"
)

// Fake is a manually advanced Clock for tests. Timers created through After
// fire when Advance moves the fake time past their deadline.
type Fake struct {
	mu      sync.Mutex
	now     time.Time
	waiters []fakeWaiter
}

type fakeWaiter struct {
	at time.Time
	ch chan time.Time
}

// NewFake creates a Fake clock starting at the given instant.
func NewFake(start time.Time) *Fake {
	return &Fake{now: start}
}

// Now returns the fake current time.
func (f *Fake) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

// After returns a channel that fires once Advance passes the deadline.
func (f *Fake) After(d time.Duration) <-chan time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()

	ch := make(chan time.Time, 1)
	if d <= 0 {
		ch <- f.now
		return ch
	}
	f.waiters = append(f.waiters, fakeWaiter{at: f.now.Add(d), ch: ch})
	return ch
}

// Sleep is a no-op for the fake clock; retry loops under test should use
// After so the test controls timing.
func (f *Fake) Sleep(time.Duration) {}

// Advance moves the fake time forward and fires any due waiters.
func (f *Fake) Advance(d time.Duration) {
	f.mu.Lock()
	f.now = f.now.Add(d)
	now := f.now
	remaining := f.waiters[:0]
	var due []fakeWaiter
	for _, w := range f.waiters {
		if !w.at.After(now) {
			due = append(due, w)
		} else {
			remaining = append(remaining, w)
		}
	}
	f.waiters = remaining
	f.mu.Unlock()

	for _, w := range due {
		w.ch <- now
	}
}

// BlockUntil waits until at least n timers created via After are
// pending. Tests use it to advance only once the code under test has
// reached its retry wait.
func (f *Fake) BlockUntil(n int) {
	for {
		f.mu.Lock()
		pending := len(f.waiters)
		f.mu.Unlock()
		if pending >= n {
			return
		}
		time.Sleep(time.Millisecond)
	}
}

// Set jumps the fake time to the given instant and fires due waiters.
func (f *Fake) Set(t time.Time) {
	f.mu.Lock()
	d := t.Sub(f.now)
	f.mu.Unlock()
	if d > 0 {
		f.Advance(d)
		return
	}
	f.mu.Lock()
	f.now = t
	f.mu.Unlock()
}
