package keyset

import (
	"sync"
	"time"
)

// windowLimiter allows at most limit attempts in any window-long span of
// time. Attempts are kept oldest first; a new attempt is allowed only when
// fewer than limit of them are younger than window.
//
// A nil *windowLimiter allows everything.
type windowLimiter struct {
	mu       sync.Mutex
	limit    int
	window   time.Duration
	attempts []time.Time
}

func newWindowLimiter(limit int, window time.Duration) *windowLimiter {
	if limit <= 0 {
		return nil
	}
	return &windowLimiter{
		limit:    limit,
		window:   window,
		attempts: make([]time.Time, 0, limit),
	}
}

// allow records an attempt at now and reports whether it may proceed.
// Denied attempts are not recorded.
func (l *windowLimiter) allow(now time.Time) bool {
	if l == nil {
		return true
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	expired := 0
	for expired < len(l.attempts) && now.Sub(l.attempts[expired]) >= l.window {
		expired++
	}
	if expired > 0 {
		l.attempts = append(l.attempts[:0], l.attempts[expired:]...)
	}

	if len(l.attempts) >= l.limit {
		return false
	}
	l.attempts = append(l.attempts, now)
	return true
}
