package ratelimit

import (
	"context"
	"sync"

	"golang.org/x/time/rate"
)

// TokenBucketLimiter keeps one token bucket per key.
type TokenBucketLimiter struct {
	limiters map[string]*rate.Limiter
	mu       sync.Mutex
	r        rate.Limit
	b        int
}

// NewTokenBucketLimiter creates a limiter with rate r tokens per second and
// burst b per key. A non-positive r disables limiting.
func NewTokenBucketLimiter(r float64, b int) *TokenBucketLimiter {
	limit := rate.Limit(r)
	if r <= 0 {
		limit = rate.Inf
	}
	if b < 1 {
		b = 1
	}
	return &TokenBucketLimiter{
		limiters: make(map[string]*rate.Limiter),
		r:        limit,
		b:        b,
	}
}

func (l *TokenBucketLimiter) limiter(key string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()

	limiter, exists := l.limiters[key]
	if !exists {
		limiter = rate.NewLimiter(l.r, l.b)
		l.limiters[key] = limiter
	}
	return limiter
}

// Wait blocks until key may proceed or ctx is done.
func (l *TokenBucketLimiter) Wait(ctx context.Context, key string) error {
	return l.limiter(key).Wait(ctx)
}

// Forget drops the bucket for key, e.g. when an agent disconnects.
func (l *TokenBucketLimiter) Forget(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.limiters, key)
}
