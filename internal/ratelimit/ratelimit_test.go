package ratelimit

import (
	"errors"
	"testing"
)

func TestLimiter_Unlimited(t *testing.T) {
	l := NewLimiter(Config{})
	for i := 0; i < 100; i++ {
		if err := l.Allow("alice"); err != nil {
			t.Fatalf("Allow #%d: %v", i, err)
		}
	}
	if l.Callers() != 0 {
		t.Errorf("unlimited mode should not track callers, got %d", l.Callers())
	}
}

func TestLimiter_NilIsUnlimited(t *testing.T) {
	var l *Limiter
	if err := l.Allow("anyone"); err != nil {
		t.Fatalf("nil limiter: %v", err)
	}
}

func TestLimiter_BurstThenLimited(t *testing.T) {
	// One token per minute: the burst is all a caller gets within the test.
	l := NewLimiter(Config{RequestsPerMinute: 1, BurstSize: 3})
	for i := 0; i < 3; i++ {
		if err := l.Allow("alice"); err != nil {
			t.Fatalf("Allow #%d within burst: %v", i, err)
		}
	}
	if err := l.Allow("alice"); !errors.Is(err, ErrRateLimited) {
		t.Fatalf("expected ErrRateLimited, got %v", err)
	}
}

func TestLimiter_CallersIndependent(t *testing.T) {
	l := NewLimiter(Config{RequestsPerMinute: 1})
	if err := l.Allow("alice"); err != nil {
		t.Fatalf("alice: %v", err)
	}
	if err := l.Allow("alice"); !errors.Is(err, ErrRateLimited) {
		t.Fatalf("alice second call: expected ErrRateLimited, got %v", err)
	}
	if err := l.Allow("bob"); err != nil {
		t.Fatalf("bob should have a fresh bucket: %v", err)
	}
	if l.Callers() != 2 {
		t.Errorf("callers = %d, want 2", l.Callers())
	}
}
