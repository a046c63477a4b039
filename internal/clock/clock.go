// Package clock abstracts wall-clock time so time-driven paths
// (timeouts, cooldowns, reminders, the loops) are testable.
package clock

import (
	"sync"
	"time"
)

// Clock provides the current time and one-shot timers.
type Clock interface {
	Now() time.Time
	Since(t time.Time) time.Duration
	// AfterFunc runs f in its own goroutine after d elapses.
	AfterFunc(d time.Duration, f func()) Timer
}

// Timer is a cancelable one-shot timer.
type Timer interface {
	Stop() bool
}

// System is the real clock.
type System struct{}

func NewSystem() *System { return &System{} }

func (*System) Now() time.Time                  { return time.Now() }
func (*System) Since(t time.Time) time.Duration { return time.Since(t) }

func (*System) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}

// Fake is a manually advanced clock for tests.
type Fake struct {
	mu     sync.Mutex
	now    time.Time
	timers []*fakeTimer
}

// NewFake returns a fake clock pinned at t.
func NewFake(t time.Time) *Fake {
	return &Fake{now: t}
}

func (f *Fake) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *Fake) Since(t time.Time) time.Duration {
	return f.Now().Sub(t)
}

func (f *Fake) AfterFunc(d time.Duration, fn func()) Timer {
	f.mu.Lock()
	defer f.mu.Unlock()
	t := &fakeTimer{clock: f, fireAt: f.now.Add(d), fn: fn}
	f.timers = append(f.timers, t)
	return t
}

// Advance moves the clock forward and fires due timers synchronously,
// in firing order.
func (f *Fake) Advance(d time.Duration) {
	f.mu.Lock()
	f.now = f.now.Add(d)
	var due []*fakeTimer
	var rest []*fakeTimer
	for _, t := range f.timers {
		if !t.stopped && !t.fireAt.After(f.now) {
			due = append(due, t)
		} else {
			rest = append(rest, t)
		}
	}
	f.timers = rest
	f.mu.Unlock()

	for _, t := range due {
		t.fn()
	}
}

type fakeTimer struct {
	clock   *Fake
	fireAt  time.Time
	fn      func()
	stopped bool
}

func (t *fakeTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	was := t.stopped
	t.stopped = true
	return !was
}
