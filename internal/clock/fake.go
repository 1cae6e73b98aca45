package clock

import (
	"sort"
	"sync"
	"time"
)

// Fake is a manually-advanced Clock for tests. Advance moves the current
// time forward and fires any timers whose deadline has passed, in deadline
// order, on the calling goroutine.
type Fake struct {
	mu     sync.Mutex
	now    time.Time
	timers []*fakeTimer
}

// NewFake creates a fake clock starting at the given time.
func NewFake(start time.Time) *Fake {
	return &Fake{now: start}
}

type fakeTimer struct {
	clk     *Fake
	when    time.Time
	f       func()
	ch      chan time.Time
	stopped bool
	fired   bool
}

func (t *fakeTimer) Stop() bool {
	t.clk.mu.Lock()
	defer t.clk.mu.Unlock()
	if t.fired || t.stopped {
		return false
	}
	t.stopped = true
	return true
}

func (f *Fake) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *Fake) Since(t time.Time) time.Duration {
	return f.Now().Sub(t)
}

func (f *Fake) After(d time.Duration) <-chan time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	t := &fakeTimer{clk: f, when: f.now.Add(d), ch: make(chan time.Time, 1)}
	f.timers = append(f.timers, t)
	return t.ch
}

func (f *Fake) AfterFunc(d time.Duration, fn func()) Timer {
	f.mu.Lock()
	defer f.mu.Unlock()
	t := &fakeTimer{clk: f, when: f.now.Add(d), f: fn}
	f.timers = append(f.timers, t)
	return t
}

// Advance moves the clock forward by d and fires due timers in order.
func (f *Fake) Advance(d time.Duration) {
	f.mu.Lock()
	f.now = f.now.Add(d)
	now := f.now

	var due []*fakeTimer
	var rest []*fakeTimer
	for _, t := range f.timers {
		if !t.stopped && !t.fired && !t.when.After(now) {
			t.fired = true
			due = append(due, t)
		} else if !t.stopped && !t.fired {
			rest = append(rest, t)
		}
	}
	f.timers = rest
	sort.Slice(due, func(i, j int) bool { return due[i].when.Before(due[j].when) })
	f.mu.Unlock()

	for _, t := range due {
		if t.f != nil {
			t.f()
		}
		if t.ch != nil {
			t.ch <- t.when
		}
	}
}

// PendingTimers reports how many timers are armed. Useful for asserting a
// retry was scheduled without waiting for it.
func (f *Fake) PendingTimers() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, t := range f.timers {
		if !t.stopped && !t.fired {
			n++
		}
	}
	return n
}
