package server

import (
	"testing"
	"time"
)

func TestRateLimiter(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	rl := newRateLimiter(RateLimitConfig{Burst: 3, RefillInterval: 3 * time.Second})
	rl.now = func() time.Time { return now }
	rl.lastCheck = now

	for i := 0; i < 3; i++ {
		if !rl.allow() {
			t.Fatalf("message %d within burst was rejected", i+1)
		}
	}
	if rl.allow() {
		t.Fatal("message beyond burst was allowed")
	}

	now = now.Add(time.Second)
	if !rl.allow() {
		t.Error("one token should have refilled after one second")
	}
	if rl.allow() {
		t.Error("only one token should have refilled")
	}

	now = now.Add(time.Hour)
	for i := 0; i < 3; i++ {
		if !rl.allow() {
			t.Fatalf("message %d after full refill was rejected", i+1)
		}
	}
	if rl.allow() {
		t.Error("refill must not exceed capacity")
	}
}

func TestRateLimiterInvalidConfig(t *testing.T) {
	rl := newRateLimiter(RateLimitConfig{})
	if rl.capacity != 1 || rl.rate != 1 {
		t.Errorf("capacity = %v rate = %v, want 1 and 1", rl.capacity, rl.rate)
	}
}
