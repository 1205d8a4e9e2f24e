// Package clock provides the time source used for cooldown and timeout bookkeeping.
package clock

import (
	"sync"
	"time"
)

// Clock returns the current time. Real readings carry Go's monotonic component,
// so Sub between two readings is immune to wall-clock adjustments.
type Clock interface {
	Now() time.Time
}

// Real reads time.Now.
type Real struct{}

func (Real) Now() time.Time { return time.Now() }

// Fake is a manually advanced clock for tests.
type Fake struct {
	mu  sync.Mutex
	now time.Time
}

// NewFake starts a fake clock at t.
func NewFake(t time.Time) *Fake {
	return &Fake{now: t}
}

func (f *Fake) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

// Advance moves the clock forward by d.
func (f *Fake) Advance(d time.Duration) {
	f.mu.Lock()
	f.now = f.now.Add(d)
	f.mu.Unlock()
}
