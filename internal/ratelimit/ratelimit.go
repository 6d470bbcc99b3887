// Package ratelimit implements a per-caller token bucket limiter on top of
// golang.org/x/time/rate. Each caller gets an independent bucket.
package ratelimit

import (
	"errors"
	"sync"

	"golang.org/x/time/rate"
)

// ErrRateLimited is returned when a caller has exhausted their bucket.
var ErrRateLimited = errors.New("rate limit exceeded")

// Config configures the limiter.
type Config struct {
	RequestsPerMinute int // Tokens added per minute. 0 = unlimited.
	BurstSize         int // Bucket capacity. 0 = RequestsPerMinute.
}

// Limiter hands out one rate.Limiter per caller id.
type Limiter struct {
	mu      sync.Mutex
	callers map[string]*rate.Limiter
	limit   rate.Limit
	burst   int
}

// NewLimiter creates a limiter. With RequestsPerMinute 0 Allow always
// succeeds.
func NewLimiter(cfg Config) *Limiter {
	burst := cfg.BurstSize
	if burst <= 0 {
		burst = cfg.RequestsPerMinute
	}
	if burst <= 0 {
		burst = 1
	}
	return &Limiter{
		callers: make(map[string]*rate.Limiter),
		limit:   rate.Limit(float64(cfg.RequestsPerMinute) / 60.0),
		burst:   burst,
	}
}

// Allow consumes one token of callerID's bucket, returning ErrRateLimited
// when it is empty.
func (l *Limiter) Allow(callerID string) error {
	if l == nil || l.limit <= 0 {
		return nil
	}
	l.mu.Lock()
	lim, ok := l.callers[callerID]
	if !ok {
		lim = rate.NewLimiter(l.limit, l.burst)
		l.callers[callerID] = lim
	}
	l.mu.Unlock()

	if !lim.Allow() {
		return ErrRateLimited
	}
	return nil
}

// Callers returns the number of tracked callers.
func (l *Limiter) Callers() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.callers)
}
