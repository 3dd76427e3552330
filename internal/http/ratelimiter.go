package httpapi

import (
	"sync"
	"time"
)

// SlidingWindowLimiter caps how many admin operations may run inside a
// rolling window. A zero window or limit disables the cap.
type SlidingWindowLimiter struct {
	window time.Duration
	limit  int
	now    func() time.Time

	mu     sync.Mutex
	stamps []time.Time
}

// NewSlidingWindowLimiter allows up to limit operations per window. The time
// source is injectable for tests and defaults to the wall clock.
func NewSlidingWindowLimiter(window time.Duration, limit int, clock func() time.Time) *SlidingWindowLimiter {
	if clock == nil {
		clock = time.Now
	}
	return &SlidingWindowLimiter{window: window, limit: limit, now: clock}
}

// Allow reports whether one more operation fits the window, recording it when
// it does.
func (l *SlidingWindowLimiter) Allow() bool {
	if l == nil || l.limit <= 0 || l.window <= 0 {
		return true
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	//1.- Expire stamps that fell out of the window before counting.
	cutoff := now.Add(-l.window)
	live := 0
	for _, stamp := range l.stamps {
		if stamp.After(cutoff) {
			l.stamps[live] = stamp
			live++
		}
	}
	l.stamps = l.stamps[:live]

	if live >= l.limit {
		return false
	}
	l.stamps = append(l.stamps, now)
	return true
}
