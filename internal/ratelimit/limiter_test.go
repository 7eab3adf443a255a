package ratelimit

import (
	"context"
	"testing"
	"time"
)

func TestNewLimiter(t *testing.T) {
	limiter := NewLimiter(DefaultConfig())
	if limiter == nil {
		t.Fatal("NewLimiter() should return non-nil limiter")
	}
}

func TestLimiter_Wait(t *testing.T) {
	limiter := NewLimiter(Config{RequestsPerSecond: 10.0, BurstSize: 2})
	ctx := context.Background()

	// Burst requests should not block
	start := time.Now()
	if err := limiter.Wait(ctx); err != nil {
		t.Fatalf("Wait() error = %v", err)
	}
	if err := limiter.Wait(ctx); err != nil {
		t.Fatalf("Wait() error = %v", err)
	}
	if d := time.Since(start); d > 50*time.Millisecond {
		t.Errorf("Burst requests took too long: %v", d)
	}

	// Third request should be rate limited to ~100ms
	start = time.Now()
	if err := limiter.Wait(ctx); err != nil {
		t.Fatalf("Wait() error = %v", err)
	}
	if d := time.Since(start); d < 50*time.Millisecond {
		t.Errorf("Rate limiter did not delay enough: %v", d)
	}
}

func TestLimiter_Allow(t *testing.T) {
	limiter := NewLimiter(Config{RequestsPerSecond: 10.0, BurstSize: 2})

	if !limiter.Allow() {
		t.Error("Allow() should allow first burst request")
	}
	if !limiter.Allow() {
		t.Error("Allow() should allow second burst request")
	}
	if limiter.Allow() {
		t.Error("Allow() should deny request after burst exhausted")
	}
}

func TestLimiter_ContextCancellation(t *testing.T) {
	limiter := NewLimiter(Config{RequestsPerSecond: 1.0, BurstSize: 1})

	// Exhaust burst
	limiter.Wait(context.Background())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := limiter.Wait(ctx); err != context.Canceled {
		t.Errorf("Wait() with cancelled context: error = %v, want %v", err, context.Canceled)
	}
}
