package resilience

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestRateLimiterBasic(t *testing.T) {
	rl := NewRateLimiter(2, 1.0, time.Second, 0)
	if !rl.Allow() || !rl.Allow() {
		t.Fatal("expected first two calls to be allowed")
	}
	if rl.Allow() {
		t.Fatal("expected third call to be rejected when bucket is empty")
	}
}

func TestRateLimiterWindowCap(t *testing.T) {
	rl := NewRateLimiter(100, 100.0, time.Minute, 1)
	if !rl.Allow() {
		t.Fatal("expected first call allowed")
	}
	if rl.Allow() {
		t.Fatal("expected second call blocked by window cap")
	}
}

func TestCircuitBreakerAdaptive(t *testing.T) {
	cb := NewCircuitBreakerAdaptive(time.Minute, 6, 5, 0.5, 10*time.Millisecond, 1)
	for i := 0; i < 5; i++ {
		if !cb.Allow() {
			t.Fatal("expected breaker closed before failures recorded")
		}
		cb.RecordResult(false)
	}
	if cb.Allow() {
		t.Fatal("expected breaker open after majority failures")
	}
	time.Sleep(20 * time.Millisecond)
	if !cb.Allow() {
		t.Fatal("expected half-open probe allowed after cool-down")
	}
	cb.RecordResult(true)
	if cb.State() != "closed" {
		t.Fatalf("expected breaker closed after successful probe, got %s", cb.State())
	}
}

func TestRetrySucceedsEventually(t *testing.T) {
	attempts := 0
	v, err := Retry(context.Background(), 3, time.Millisecond, func() (int, error) {
		attempts++
		if attempts < 2 {
			return 0, errors.New("transient")
		}
		return 42, nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if v != 42 {
		t.Fatalf("expected 42, got %d", v)
	}
}

func TestRetryExhausted(t *testing.T) {
	_, err := Retry(context.Background(), 2, time.Millisecond, func() (int, error) {
		return 0, errors.New("always fails")
	})
	if err == nil {
		t.Fatal("expected error after exhausting attempts")
	}
}
