package ratelimit

import (
	"errors"
	"testing"
	"time"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time { return c.t }

func newTestLimiter(cfg Config) (*Limiter, *fakeClock) {
	clock := &fakeClock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	l := NewLimiter(cfg)
	l.now = clock.now
	return l, clock
}

func TestLimiter_BurstThenRefill(t *testing.T) {
	l, clock := newTestLimiter(Config{RequestsPerMinute: 60, BurstSize: 3})

	for i := range 3 {
		if err := l.Allow("key-a"); err != nil {
			t.Fatalf("request %d: %v", i, err)
		}
	}
	if err := l.Allow("key-a"); !errors.Is(err, ErrRateLimited) {
		t.Fatalf("err = %v, want ErrRateLimited", err)
	}
	if wait := l.RetryAfter("key-a"); wait <= 0 || wait > time.Second {
		t.Errorf("RetryAfter = %v, want (0, 1s]", wait)
	}

	clock.t = clock.t.Add(time.Second)
	if err := l.Allow("key-a"); err != nil {
		t.Errorf("after refill: %v", err)
	}
}

func TestLimiter_ClientsAreIndependent(t *testing.T) {
	l, _ := newTestLimiter(Config{RequestsPerMinute: 1})
	if err := l.Allow("a"); err != nil {
		t.Fatal(err)
	}
	if err := l.Allow("a"); err == nil {
		t.Fatal("second request for a should be limited")
	}
	if err := l.Allow("b"); err != nil {
		t.Errorf("b should have its own bucket: %v", err)
	}
}

func TestLimiter_Unlimited(t *testing.T) {
	l := NewLimiter(Config{})
	for range 100 {
		if err := l.Allow("x"); err != nil {
			t.Fatal(err)
		}
	}
	var nilLimiter *Limiter
	if err := nilLimiter.Allow("x"); err != nil {
		t.Errorf("nil limiter: %v", err)
	}
	if nilLimiter.RetryAfter("x") != 0 {
		t.Error("nil limiter RetryAfter should be 0")
	}
}

func TestLimiter_EvictsFullBuckets(t *testing.T) {
	l, clock := newTestLimiter(Config{RequestsPerMinute: 60, BurstSize: 1})
	for i := range maxIdleBuckets {
		_ = l.Allow(string(rune('a'+i%26)) + time.Duration(i).String())
	}
	clock.t = clock.t.Add(time.Minute)
	if err := l.Allow("newcomer"); err != nil {
		t.Fatal(err)
	}
	if n := len(l.clients); n != 1 {
		t.Errorf("clients = %d, want 1 after eviction", n)
	}
}
