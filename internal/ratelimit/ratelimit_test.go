package ratelimit

import (
	"errors"
	"testing"
	"time"
)

func TestLimiter_Unlimited(t *testing.T) {
	l := NewLimiter(Config{})
	for i := 0; i < 100; i++ {
		if err := l.Allow("10.0.0.1"); err != nil {
			t.Fatalf("request %d: %v", i, err)
		}
	}
	var nilLimiter *Limiter
	if err := nilLimiter.Allow("x"); err != nil {
		t.Errorf("nil limiter: %v", err)
	}
}

func TestLimiter_BurstThenReject(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	l := NewLimiter(Config{RequestsPerMinute: 60, BurstSize: 3})
	l.now = func() time.Time { return now }

	for i := 0; i < 3; i++ {
		if err := l.Allow("a"); err != nil {
			t.Fatalf("burst request %d rejected: %v", i, err)
		}
	}
	if err := l.Allow("a"); !errors.Is(err, ErrRateLimited) {
		t.Fatalf("4th request error = %v, want ErrRateLimited", err)
	}

	// Other clients have their own bucket.
	if err := l.Allow("b"); err != nil {
		t.Errorf("client b: %v", err)
	}

	// One token per second refills.
	now = now.Add(time.Second)
	if err := l.Allow("a"); err != nil {
		t.Errorf("after refill: %v", err)
	}
}

func TestLimiter_EvictsIdleClients(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	l := NewLimiter(Config{RequestsPerMinute: 10})
	l.now = func() time.Time { return now }

	_ = l.Allow("a")
	_ = l.Allow("b")
	if l.Len() != 2 {
		t.Fatalf("Len = %d, want 2", l.Len())
	}

	now = now.Add(2 * idleTTL)
	_ = l.Allow("c")
	if l.Len() != 1 {
		t.Errorf("Len after idle sweep = %d, want 1", l.Len())
	}
}
