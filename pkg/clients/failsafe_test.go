package clients

import (
	"context"
	"errors"
	"testing"
	"time"
)

func testConfig() CircuitBreakerConfig {
	cfg := DefaultCircuitBreakerConfig("test")
	cfg.ResetAfter = 50 * time.Millisecond
	return cfg
}

func TestCircuitBreaker_OpensAfterFailureThreshold(t *testing.T) {
	cb := NewCircuitBreaker(testConfig())
	boom := errors.New("downstream down")

	for i := 0; i < 4; i++ {
		if err := cb.Call(context.Background(), func(context.Context) error { return boom }); !errors.Is(err, boom) {
			t.Fatalf("call %d: expected downstream error, got %v", i, err)
		}
	}

	if !cb.IsOpen() {
		t.Fatalf("breaker should be open, state = %s", cb.State())
	}

	err := cb.Call(context.Background(), func(context.Context) error { return nil })
	if !IsCircuitOpen(err) {
		t.Fatalf("expected fail-fast circuit-open error, got %v", err)
	}
}

func TestCircuitBreaker_ClosesAfterHalfOpenSuccess(t *testing.T) {
	cb := NewCircuitBreaker(testConfig())
	boom := errors.New("downstream down")

	for i := 0; i < 4; i++ {
		_ = cb.Call(context.Background(), func(context.Context) error { return boom })
	}
	if !cb.IsOpen() {
		t.Fatal("breaker should be open")
	}

	time.Sleep(60 * time.Millisecond)

	if err := cb.Call(context.Background(), func(context.Context) error { return nil }); err != nil {
		t.Fatalf("half-open probe failed: %v", err)
	}
	if !cb.IsClosed() {
		t.Fatalf("breaker should close after a successful probe, state = %s", cb.State())
	}
}

func TestCircuitBreaker_StaysClosedBelowMinRequests(t *testing.T) {
	cb := NewCircuitBreaker(testConfig())
	boom := errors.New("downstream down")

	for i := 0; i < 3; i++ {
		_ = cb.Call(context.Background(), func(context.Context) error { return boom })
	}
	if cb.IsOpen() {
		t.Fatal("breaker must not trip below the minimum sample size")
	}
}

func TestCircuitBreaker_CallTimeoutCountsAsFailure(t *testing.T) {
	cfg := testConfig()
	cfg.CallTimeout = 10 * time.Millisecond
	cb := NewCircuitBreaker(cfg)

	err := cb.Call(context.Background(), func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	if err == nil {
		t.Fatal("expected timeout error")
	}
}

func TestCircuitBreaker_OnStateChangeCallback(t *testing.T) {
	var transitions []CircuitBreakerState
	cfg := testConfig()
	cfg.OnStateChange = func(_ string, _, to CircuitBreakerState) {
		transitions = append(transitions, to)
	}
	cb := NewCircuitBreaker(cfg)
	boom := errors.New("downstream down")

	for i := 0; i < 4; i++ {
		_ = cb.Call(context.Background(), func(context.Context) error { return boom })
	}

	if len(transitions) == 0 || transitions[len(transitions)-1] != StateOpen {
		t.Fatalf("expected transition to open, got %v", transitions)
	}
}

func TestCallWithRetry_RetriesTransientFailures(t *testing.T) {
	cb := NewCircuitBreaker(testConfig())
	retry := NewRetryPolicy(RetryConfig{MaxRetries: 3, BaseDelay: time.Millisecond, MaxDelay: 10 * time.Millisecond})

	attempts := 0
	err := cb.CallWithRetry(context.Background(), retry, func(context.Context) error {
		attempts++
		if attempts < 3 {
			return errors.New("transient")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("expected recovery, got %v", err)
	}
	if attempts != 3 {
		t.Fatalf("attempts = %d, want 3", attempts)
	}
}

func TestCallWithRetry_DoesNotRetryOpenCircuit(t *testing.T) {
	cb := NewCircuitBreaker(testConfig())
	boom := errors.New("downstream down")
	for i := 0; i < 4; i++ {
		_ = cb.Call(context.Background(), func(context.Context) error { return boom })
	}
	if !cb.IsOpen() {
		t.Fatal("breaker should be open")
	}

	retry := NewRetryPolicy(RetryConfig{MaxRetries: 3, BaseDelay: time.Millisecond, MaxDelay: 10 * time.Millisecond})
	attempts := 0
	err := cb.CallWithRetry(context.Background(), retry, func(context.Context) error {
		attempts++
		return nil
	})
	if !IsCircuitOpen(err) {
		t.Fatalf("expected circuit-open error, got %v", err)
	}
	if attempts != 0 {
		t.Fatalf("open breaker must short-circuit, fn ran %d times", attempts)
	}
}
