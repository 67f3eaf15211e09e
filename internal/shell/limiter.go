package shell

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// DefaultMinInterval is the minimum gap between accepted executions for one
// session.
const DefaultMinInterval = time.Second

// RateLimiter enforces a minimum interval between accepted executions per
// session. A rejected attempt does not move the baseline.
type RateLimiter struct {
	mu       sync.Mutex
	interval time.Duration
	limiters map[string]*rate.Limiter
	now      func() time.Time
}

// NewRateLimiter creates a limiter; now may be nil for the wall clock.
func NewRateLimiter(interval time.Duration, now func() time.Time) *RateLimiter {
	if interval <= 0 {
		interval = DefaultMinInterval
	}
	if now == nil {
		now = time.Now
	}
	return &RateLimiter{interval: interval, limiters: make(map[string]*rate.Limiter), now: now}
}

// Allow reports whether sessionID may execute now, consuming the slot if so.
func (l *RateLimiter) Allow(sessionID string) bool {
	l.mu.Lock()
	lim, ok := l.limiters[sessionID]
	if !ok {
		lim = rate.NewLimiter(rate.Every(l.interval), 1)
		l.limiters[sessionID] = lim
	}
	l.mu.Unlock()
	return lim.AllowN(l.now(), 1)
}

// Delay reports how long until Allow would succeed for sessionID. It does
// not consume anything.
func (l *RateLimiter) Delay(sessionID string) time.Duration {
	l.mu.Lock()
	lim, ok := l.limiters[sessionID]
	l.mu.Unlock()
	if !ok {
		return 0
	}
	tokens := lim.TokensAt(l.now())
	if tokens >= 1 {
		return 0
	}
	return time.Duration((1 - tokens) * float64(l.interval))
}

// Forget drops the state for sessionID.
func (l *RateLimiter) Forget(sessionID string) {
	l.mu.Lock()
	delete(l.limiters, sessionID)
	l.mu.Unlock()
}
