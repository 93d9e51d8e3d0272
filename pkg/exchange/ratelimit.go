package exchange

import (
	"sync"
	"time"
)

// CallLimiter enforces a per-client sliding window of RPC timestamps.
// A call over budget is rejected before any transport I/O happens.
type CallLimiter struct {
	mu     sync.Mutex
	max    int
	window time.Duration
	stamps []time.Time
}

// NewCallLimiter creates a limiter allowing max calls per window.
func NewCallLimiter(max int, window time.Duration) *CallLimiter {
	return &CallLimiter{max: max, window: window}
}

// Allow records the call and returns true, or returns false when the window
// budget is already spent.
func (l *CallLimiter) Allow() bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	cutoff := now.Add(-l.window)

	keep := l.stamps[:0]
	for _, s := range l.stamps {
		if s.After(cutoff) {
			keep = append(keep, s)
		}
	}
	l.stamps = keep

	if len(l.stamps) >= l.max {
		return false
	}
	l.stamps = append(l.stamps, now)
	return true
}

// Used returns how many calls are currently counted against the window.
func (l *CallLimiter) Used() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	cutoff := time.Now().Add(-l.window)
	n := 0
	for _, s := range l.stamps {
		if s.After(cutoff) {
			n++
		}
	}
	return n
}
