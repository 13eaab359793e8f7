// Package ratelimit implements a per-client token bucket limiter for the
// HTTP API. Each client key gets its own golang.org/x/time/rate limiter;
// idle entries are evicted on insert rather than by a background goroutine.
package ratelimit

import (
	"errors"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// ErrRateLimited is returned when a client has exhausted its bucket.
var ErrRateLimited = errors.New("rate limit exceeded")

// maxIdleBuckets bounds memory: once reached, full buckets are dropped.
const maxIdleBuckets = 4096

// Config configures the limiter.
type Config struct {
	RequestsPerMinute int // Tokens added per minute. 0 = unlimited.
	BurstSize         int // Bucket capacity. 0 = RequestsPerMinute.
}

// Limiter hands each client key its own bucket, so one caller cannot
// exhaust another's quota. Safe for concurrent use.
type Limiter struct {
	mu      sync.Mutex
	clients map[string]*rate.Limiter
	limit   rate.Limit
	burst   int
	now     func() time.Time
}

// NewLimiter creates a limiter. A nil *Limiter allows everything.
func NewLimiter(cfg Config) *Limiter {
	burst := cfg.BurstSize
	if burst <= 0 {
		burst = cfg.RequestsPerMinute
	}
	if burst <= 0 {
		burst = 1
	}
	return &Limiter{
		clients: make(map[string]*rate.Limiter),
		limit:   rate.Limit(float64(cfg.RequestsPerMinute) / 60.0),
		burst:   burst,
		now:     time.Now,
	}
}

// Allow consumes one token for key, or returns ErrRateLimited.
func (l *Limiter) Allow(key string) error {
	if l == nil || l.limit <= 0 {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if !l.clientLocked(key, now).AllowN(now, 1) {
		return ErrRateLimited
	}
	return nil
}

// RetryAfter estimates how long key must wait for its next token.
func (l *Limiter) RetryAfter(key string) time.Duration {
	if l == nil || l.limit <= 0 {
		return 0
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	lim, ok := l.clients[key]
	if !ok {
		return 0
	}
	now := l.now()
	r := lim.ReserveN(now, 1)
	defer r.CancelAt(now)
	if !r.OK() {
		return 0
	}
	return r.DelayFrom(now)
}

func (l *Limiter) clientLocked(key string, now time.Time) *rate.Limiter {
	if lim, ok := l.clients[key]; ok {
		return lim
	}
	if len(l.clients) >= maxIdleBuckets {
		l.evictLocked(now)
	}
	lim := rate.NewLimiter(l.limit, l.burst)
	l.clients[key] = lim
	return lim
}

// evictLocked drops buckets that have refilled completely; they carry no
// state a fresh bucket would not.
func (l *Limiter) evictLocked(now time.Time) {
	for key, lim := range l.clients {
		if lim.TokensAt(now) >= float64(l.burst) {
			delete(l.clients, key)
		}
	}
}
