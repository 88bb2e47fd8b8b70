package scheduler

import (
	"sync"

	"golang.org/x/time/rate"
)

// TokenBucketLimiter rate-limits calls keyed by an arbitrary string
// (e.g. the remote scheduler endpoint, or a single reminder kind).
// The Remote Scheduler Client (C5) uses it to protect the backup
// channel from resync storms.
type TokenBucketLimiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	r        rate.Limit
	b        int
}

// NewTokenBucketLimiter creates a limiter allowing r events/sec per key
// with burst b.
func NewTokenBucketLimiter(r float64, b int) *TokenBucketLimiter {
	return &TokenBucketLimiter{
		limiters: make(map[string]*rate.Limiter),
		r:        rate.Limit(r),
		b:        b,
	}
}

func (l *TokenBucketLimiter) limiterFor(key string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()

	lim, ok := l.limiters[key]
	if !ok {
		lim = rate.NewLimiter(l.r, l.b)
		l.limiters[key] = lim
	}
	return lim
}

// Allow reports whether an event for key may proceed now.
func (l *TokenBucketLimiter) Allow(key string) bool {
	return l.limiterFor(key).Allow()
}
