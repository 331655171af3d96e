package ratelimit

import (
	"testing"
	"time"
)

func TestLimiter_AllowsUpToThreshold(t *testing.T) {
	l := New(3)
	defer l.Shutdown()
	for i := 0; i < 3; i++ {
		if !l.Allow("1.2.3.4") {
			t.Fatalf("request %d should have been allowed", i)
		}
	}
	if l.Allow("1.2.3.4") {
		t.Fatal("4th request should have been rejected")
	}
}

func TestLimiter_PerIPIsolation(t *testing.T) {
	l := New(1)
	defer l.Shutdown()
	if !l.Allow("1.1.1.1") {
		t.Fatal("first request from 1.1.1.1 should be allowed")
	}
	if !l.Allow("2.2.2.2") {
		t.Fatal("first request from a different IP should be allowed independently")
	}
	if l.Allow("1.1.1.1") {
		t.Fatal("second request from 1.1.1.1 should be rejected")
	}
}

func TestLimiter_DefaultThreshold(t *testing.T) {
	l := New(0)
	defer l.Shutdown()
	if l.threshold != 100 {
		t.Fatalf("expected default threshold 100, got %d", l.threshold)
	}
}

func TestBucket_TrimDropsOldHits(t *testing.T) {
	b := &bucket{}
	now := time.Now()
	b.record(now.Add(-2 * window))
	b.record(now)
	if got := b.trim(now); got != 1 {
		t.Fatalf("expected 1 hit remaining after trim, got %d", got)
	}
}
