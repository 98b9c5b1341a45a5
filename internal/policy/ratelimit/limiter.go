// Package ratelimit implements per-queue token buckets for job admission.
package ratelimit

import (
	"sync"

	"golang.org/x/time/rate"
)

// Limiter manages one token bucket per queue.
type Limiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	rate     rate.Limit
	burst    int
}

// Config holds rate limiter configuration.
type Config struct {
	RPS   float64
	Burst int
}

// New creates a new Limiter. A non-positive RPS admits everything.
func New(cfg Config) *Limiter {
	r := rate.Limit(cfg.RPS)
	if cfg.RPS <= 0 {
		r = rate.Inf
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}
	return &Limiter{
		limiters: make(map[string]*rate.Limiter),
		rate:     r,
		burst:    burst,
	}
}

// Allow reports whether a submission to queue may proceed now, consuming a
// token when it does.
func (l *Limiter) Allow(queue string) bool {
	return l.limiterFor(queue).Allow()
}

func (l *Limiter) limiterFor(queue string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	limiter, ok := l.limiters[queue]
	if !ok {
		limiter = rate.NewLimiter(l.rate, l.burst)
		l.limiters[queue] = limiter
	}
	return limiter
}
