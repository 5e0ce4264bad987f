package security

import (
	"sync"
	"time"
)

// RateLimiter enforces a per-session ceiling of N requests per rolling
// window. State is keyed by session id and must be released via Forget when
// the session is destroyed.
type RateLimiter struct {
	mu      sync.Mutex
	window  time.Duration
	ceiling int
	buckets map[string]*rateBucket
	now     func() time.Time
}

type rateBucket struct {
	windowStart time.Time
	count       int
}

// NewRateLimiter creates a limiter allowing ceiling requests per window.
func NewRateLimiter(window time.Duration, ceiling int) *RateLimiter {
	return &RateLimiter{
		window:  window,
		ceiling: ceiling,
		buckets: make(map[string]*rateBucket),
		now:     time.Now,
	}
}

// Allow records one request for the session and reports whether it is
// within the ceiling. When denied, retryAfter is the time until the current
// window resets.
func (l *RateLimiter) Allow(sessionID string) (ok bool, retryAfter time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	b := l.buckets[sessionID]
	if b == nil || now.Sub(b.windowStart) >= l.window {
		b = &rateBucket{windowStart: now}
		l.buckets[sessionID] = b
	}
	if b.count >= l.ceiling {
		return false, b.windowStart.Add(l.window).Sub(now)
	}
	b.count++
	return true, 0
}

// Forget releases the session's rate-limit state.
func (l *RateLimiter) Forget(sessionID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.buckets, sessionID)
}
