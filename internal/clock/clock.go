// Package clock abstracts wall time so the engine and scheduler can be
// driven deterministically in tests.
package clock

import (
	"sync"
	"time"
)

// Clock is the time source used by the engine, scheduler, and WAL.
type Clock interface {
	// Now returns the current wall time.
	Now() time.Time
	// Since returns the elapsed time since t.
	Since(t time.Time) time.Duration
}

// System is a Clock backed by the real time package.
type System struct{}

// NewSystem returns the real-time clock.
func NewSystem() *System { return &System{} }

func (*System) Now() time.Time                  { return time.Now() }
func (*System) Since(t time.Time) time.Duration { return time.Since(t) }

// Fake is a manually advanced Clock for tests.
type Fake struct {
	mu  sync.Mutex
	now time.Time
}

// NewFake returns a Fake clock starting at the given instant.
func NewFake(start time.Time) *Fake {
	return &Fake{now: start}
}

func (f *Fake) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *Fake) Since(t time.Time) time.Duration {
	return f.Now().Sub(t)
}

// Advance moves the fake clock forward by d.
func (f *Fake) Advance(d time.Duration) {
	f.mu.Lock()
	f.now = f.now.Add(d)
	f.mu.Unlock()
}

// Set moves the fake clock to the given instant.
func (f *Fake) Set(t time.Time) {
	f.mu.Lock()
	f.now = t
	f.mu.Unlock()
}
