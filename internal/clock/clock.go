// Package clock abstracts time for the background sweeps that drive orphan
// detection, cache expiry, retention pruning, and health recomputation.
//
// Production code uses [System], which delegates to the time package. Tests
// use [Fake] and advance virtual time explicitly, so no test ever sleeps on
// the wall clock waiting for a sweep to fire.
package clock

import (
	"sync"
	"time"
)

// Clock provides the current time and periodic tickers. All livecap
// components that run timed sweeps accept a Clock instead of calling the
// time package directly.
type Clock interface {
	// Now returns the current time.
	Now() time.Time

	// NewTicker returns a ticker that delivers ticks at the given interval.
	NewTicker(d time.Duration) Ticker

	// After returns a channel that delivers one tick after d has elapsed.
	// Used for single-shot delays such as stabilization windows.
	After(d time.Duration) <-chan time.Time
}

// Ticker delivers periodic ticks. It mirrors the subset of [time.Ticker]
// the sweeps need.
type Ticker interface {
	// C returns the channel on which ticks are delivered.
	C() <-chan time.Time

	// Stop shuts the ticker down. No more ticks are delivered after Stop
	// returns; the channel is not closed.
	Stop()
}

// System is a [Clock] backed by the real time package.
type System struct{}

// NewSystem returns the real-time clock.
func NewSystem() System { return System{} }

// Now returns [time.Now].
func (System) Now() time.Time { return time.Now() }

// NewTicker wraps [time.NewTicker].
func (System) NewTicker(d time.Duration) Ticker {
	return systemTicker{t: time.NewTicker(d)}
}

// After wraps [time.After].
func (System) After(d time.Duration) <-chan time.Time { return time.After(d) }

type systemTicker struct {
	t *time.Ticker
}

func (s systemTicker) C() <-chan time.Time { return s.t.C }
func (s systemTicker) Stop()               { s.t.Stop() }

// Fake is a manually advanced [Clock] for tests. Time only moves when
// [Fake.Advance] or [Fake.Set] is called; tickers fire synchronously during
// the Advance call that crosses their deadline.
//
// All methods are safe for concurrent use.
type Fake struct {
	mu      sync.Mutex
	now     time.Time
	tickers []*fakeTicker
	waiters []*fakeWaiter
}

// NewFake creates a fake clock starting at the given time.
func NewFake(start time.Time) *Fake {
	return &Fake{now: start}
}

// Now returns the current virtual time.
func (f *Fake) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

// Set jumps virtual time to t without firing any tickers. Useful for
// constructing "stale timestamp" scenarios.
func (f *Fake) Set(t time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = t
}

// Advance moves virtual time forward by d and fires every ticker whose
// next deadline falls within the advanced window. A ticker fires at most
// once per Advance call per elapsed interval; ticks that find the channel
// full are dropped, matching [time.Ticker] semantics.
func (f *Fake) Advance(d time.Duration) {
	f.mu.Lock()
	f.now = f.now.Add(d)
	now := f.now
	tickers := make([]*fakeTicker, len(f.tickers))
	copy(tickers, f.tickers)
	var due []*fakeWaiter
	remaining := f.waiters[:0]
	for _, w := range f.waiters {
		if !w.at.After(now) {
			due = append(due, w)
		} else {
			remaining = append(remaining, w)
		}
	}
	f.waiters = remaining
	f.mu.Unlock()

	for _, t := range tickers {
		t.advanceTo(now)
	}
	for _, w := range due {
		w.ch <- w.at
	}
}

// After returns a channel that receives once virtual time passes now+d.
// The send is unbuffered from the caller's perspective but backed by a
// one-slot channel, so Advance never blocks on an abandoned waiter.
func (f *Fake) After(d time.Duration) <-chan time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()

	w := &fakeWaiter{ch: make(chan time.Time, 1), at: f.now.Add(d)}
	f.waiters = append(f.waiters, w)
	return w.ch
}

type fakeWaiter struct {
	ch chan time.Time
	at time.Time
}

// NewTicker returns a virtual ticker driven by [Fake.Advance].
func (f *Fake) NewTicker(d time.Duration) Ticker {
	f.mu.Lock()
	defer f.mu.Unlock()

	t := &fakeTicker{
		ch:       make(chan time.Time, 1),
		interval: d,
		next:     f.now.Add(d),
	}
	f.tickers = append(f.tickers, t)
	return t
}

type fakeTicker struct {
	mu       sync.Mutex
	ch       chan time.Time
	interval time.Duration
	next     time.Time
	stopped  bool
}

func (t *fakeTicker) C() <-chan time.Time { return t.ch }

func (t *fakeTicker) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stopped = true
}

// advanceTo fires the ticker for every interval boundary crossed up to now.
func (t *fakeTicker) advanceTo(now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.stopped || t.interval <= 0 {
		return
	}
	for !t.next.After(now) {
		select {
		case t.ch <- t.next:
		default:
			// Receiver hasn't drained the previous tick; drop this one.
		}
		t.next = t.next.Add(t.interval)
	}
}
