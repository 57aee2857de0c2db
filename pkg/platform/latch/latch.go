// Package latch provides a counting latch with a progress-adaptive timeout.
//
// Await bounds silence, not total duration: every change to the count (and
// every explicit ResetClock) restarts the timeout, so a waiter only gives up
// after a full timeout elapses with no progress at all.
package latch

import (
	"context"
	"sync"
	"time"
)

// Latch is safe for concurrent use.
type Latch struct {
	mu        sync.Mutex
	count     int
	pending   int
	upDown    bool
	lastReset time.Time
	changed   chan struct{}
}

// New returns a countdown latch initialised to count. Count downs below zero
// are discarded.
func New(count int) *Latch {
	if count < 0 {
		count = 0
	}
	return &Latch{
		count:     count,
		lastReset: time.Now(),
		changed:   make(chan struct{}),
	}
}

// NewUpDown returns a latch starting at zero whose target grows through
// AddCount. Count downs that arrive while the count is zero are remembered
// and subtracted from the next AddCount.
func NewUpDown() *Latch {
	l := New(0)
	l.upDown = true
	return l
}

// CountDown decrements the count, saturating at zero, and resets the clock.
func (l *Latch) CountDown() {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.count > 0 {
		l.count--
	} else if l.upDown {
		l.pending++
	}
	l.touchLocked()
}

// AddCount raises the target by n, less any count downs that raced ahead.
func (l *Latch) AddCount(n int) {
	if n <= 0 {
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	applied := min(l.pending, n)
	l.pending -= applied
	l.count += n - applied
	l.touchLocked()
}

// ResetClock records progress without changing the count (a heartbeat).
func (l *Latch) ResetClock() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.touchLocked()
}

// Release forces the count to zero, waking every waiter.
func (l *Latch) Release() {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.count = 0
	l.pending = 0
	l.touchLocked()
}

// Count returns the current count.
func (l *Latch) Count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.count
}

// LastReset returns the time of the most recent progress signal.
func (l *Latch) LastReset() time.Time {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.lastReset
}

// Await blocks until the count reaches zero. It returns false when timeout
// elapses without any progress signal, and ctx.Err() when ctx is done first.
// A non-positive timeout waits without a silence bound.
func (l *Latch) Await(ctx context.Context, timeout time.Duration) (bool, error) {
	for {
		l.mu.Lock()
		if l.count == 0 {
			l.mu.Unlock()
			return true, nil
		}
		changed := l.changed
		remaining := timeout - time.Since(l.lastReset)
		l.mu.Unlock()

		if timeout <= 0 {
			select {
			case <-changed:
				continue
			case <-ctx.Done():
				return false, ctx.Err()
			}
		}

		if remaining <= 0 {
			return false, nil
		}

		timer := time.NewTimer(remaining)
		select {
		case <-changed:
			timer.Stop()
		case <-timer.C:
			// Recheck: the deadline is recomputed from the last reset.
		case <-ctx.Done():
			timer.Stop()
			return false, ctx.Err()
		}
	}
}

func (l *Latch) touchLocked() {
	l.lastReset = time.Now()
	close(l.changed)
	l.changed = make(chan struct{})
}
