package ratelimit

import (
	"errors"
	"testing"
	"time"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestLimiter(cfg Config) (*Limiter, *fakeClock) {
	clock := &fakeClock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	l := NewLimiter(cfg)
	l.now = clock.now
	return l, clock
}

func TestLimiter_Unlimited(t *testing.T) {
	l := NewLimiter(Config{})
	for range 1000 {
		if err := l.Allow("k"); err != nil {
			t.Fatalf("unlimited limiter returned %v", err)
		}
	}
	var nilLimiter *Limiter
	if err := nilLimiter.Allow("k"); err != nil {
		t.Fatalf("nil limiter returned %v", err)
	}
}

func TestLimiter_Burst(t *testing.T) {
	l, _ := newTestLimiter(Config{RequestsPerMinute: 60, BurstSize: 3})

	for i := range 3 {
		if err := l.Allow("k"); err != nil {
			t.Fatalf("request %d: %v", i, err)
		}
	}
	if err := l.Allow("k"); !errors.Is(err, ErrRateLimited) {
		t.Fatalf("err = %v, want ErrRateLimited", err)
	}
}

func TestLimiter_Refill(t *testing.T) {
	l, clock := newTestLimiter(Config{RequestsPerMinute: 60, BurstSize: 1})

	if err := l.Allow("k"); err != nil {
		t.Fatal(err)
	}
	if err := l.Allow("k"); err == nil {
		t.Fatal("expected empty bucket")
	}
	clock.advance(time.Second)
	if err := l.Allow("k"); err != nil {
		t.Fatalf("after refill: %v", err)
	}
}

func TestLimiter_KeysIndependent(t *testing.T) {
	l, _ := newTestLimiter(Config{RequestsPerMinute: 1})

	if err := l.Allow("a"); err != nil {
		t.Fatal(err)
	}
	if err := l.Allow("a"); err == nil {
		t.Fatal("a should be limited")
	}
	if err := l.Allow("b"); err != nil {
		t.Fatalf("b should have its own bucket: %v", err)
	}
}

func TestLimiter_Prune(t *testing.T) {
	l, clock := newTestLimiter(Config{RequestsPerMinute: 10})

	_ = l.Allow("old")
	clock.advance(10 * time.Minute)
	_ = l.Allow("fresh")

	if n := l.Prune(5 * time.Minute); n != 1 {
		t.Fatalf("pruned %d, want 1", n)
	}
	if l.Len() != 1 {
		t.Fatalf("len = %d, want 1", l.Len())
	}
}
