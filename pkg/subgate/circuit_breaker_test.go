package subgate_test

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/mihaimyh/subgate/pkg/subgate"
	"github.com/mihaimyh/subgate/storage/memory"
)

var errConnRefused = errors.New("connection refused")

// flakyStorage fails subscription lookups while down is set.
type flakyStorage struct {
	subgate.Storage
	down  atomic.Bool
	calls atomic.Int32
}

func (s *flakyStorage) GetCurrentSubscription(
	ctx context.Context, userID string, statuses []subgate.Status,
) (*subgate.Subscription, error) {
	s.calls.Add(1)
	if s.down.Load() {
		return nil, errConnRefused
	}
	return s.Storage.GetCurrentSubscription(ctx, userID, statuses)
}

func TestDefaultCircuitBreaker(t *testing.T) {
	ctx := context.Background()
	var states []subgate.CircuitBreakerState
	cb := subgate.NewDefaultCircuitBreaker(3, 20*time.Millisecond, nil, func(state subgate.CircuitBreakerState) {
		states = append(states, state)
	})

	if cb.State() != subgate.StateClosed {
		t.Fatalf("Expected closed, got %s", cb.State())
	}

	fail := func() error { return errConnRefused }
	for i := 0; i < 2; i++ {
		if err := cb.Execute(ctx, fail); !errors.Is(err, errConnRefused) {
			t.Fatalf("Expected the call error, got %v", err)
		}
	}
	if cb.State() != subgate.StateClosed {
		t.Fatalf("Expected closed below the threshold, got %s", cb.State())
	}

	_ = cb.Execute(ctx, fail)
	if cb.State() != subgate.StateOpen {
		t.Fatalf("Expected open after 3 failures, got %s", cb.State())
	}

	called := false
	err := cb.Execute(ctx, func() error { called = true; return nil })
	if !errors.Is(err, subgate.ErrCircuitOpen) || called {
		t.Fatalf("Expected the open circuit to reject without calling, got %v (called=%v)", err, called)
	}

	time.Sleep(30 * time.Millisecond)
	if cb.State() != subgate.StateHalfOpen {
		t.Fatalf("Expected half-open after the reset timeout, got %s", cb.State())
	}

	// A failed probe reopens the circuit.
	_ = cb.Execute(ctx, fail)
	if cb.State() != subgate.StateOpen {
		t.Fatalf("Expected open after a failed probe, got %s", cb.State())
	}

	time.Sleep(30 * time.Millisecond)
	if err := cb.Execute(ctx, func() error { return nil }); err != nil {
		t.Fatalf("Expected the probe to run, got %v", err)
	}
	if cb.State() != subgate.StateClosed {
		t.Fatalf("Expected closed after a successful probe, got %s", cb.State())
	}

	want := []subgate.CircuitBreakerState{
		subgate.StateOpen, subgate.StateHalfOpen, subgate.StateOpen, subgate.StateHalfOpen, subgate.StateClosed,
	}
	if fmt.Sprint(states) != fmt.Sprint(want) {
		t.Errorf("Expected transitions %v, got %v", want, states)
	}
}

func TestDefaultCircuitBreaker_IgnoresCanceledCallers(t *testing.T) {
	cb := subgate.NewDefaultCircuitBreaker(1, time.Minute, nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := cb.Execute(ctx, func() error { return ctx.Err() })
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Expected context.Canceled, got %v", err)
	}
	if cb.State() != subgate.StateClosed {
		t.Errorf("Expected a canceled caller not to open the circuit, got %s", cb.State())
	}
}

func TestIsStorageFailure(t *testing.T) {
	tests := []struct {
		err  error
		want bool
	}{
		{nil, false},
		{subgate.ErrSubscriptionNotFound, false},
		{fmt.Errorf("lookup: %w", subgate.ErrPriceNotFound), false},
		{subgate.ErrFeatureNotConfigured, false},
		{subgate.ErrInvalidUserID, false},
		{errConnRefused, true},
		{context.DeadlineExceeded, true},
	}
	for _, tt := range tests {
		if got := subgate.IsStorageFailure(tt.err); got != tt.want {
			t.Errorf("IsStorageFailure(%v) = %v, want %v", tt.err, got, tt.want)
		}
	}
}

func TestCircuitBreakerStorage_NotFoundKeepsCircuitClosed(t *testing.T) {
	ctx := context.Background()
	cb := subgate.NewDefaultCircuitBreaker(2, time.Minute, subgate.IsStorageFailure, nil)
	storage := subgate.NewCircuitBreakerStorage(memory.New(), nil, cb)

	for i := 0; i < 5; i++ {
		if _, err := storage.GetSubscription(ctx, "sub_missing"); !errors.Is(err, subgate.ErrSubscriptionNotFound) {
			t.Fatalf("Expected ErrSubscriptionNotFound, got %v", err)
		}
	}
	if cb.State() != subgate.StateClosed {
		t.Errorf("Expected not-found lookups to keep the circuit closed, got %s", cb.State())
	}

	if _, err := storage.CountProjects(ctx, testUserID); !errors.Is(err, subgate.ErrProjectsUnavailable) {
		t.Errorf("Expected ErrProjectsUnavailable without a project store, got %v", err)
	}
}

func TestEvaluator_CircuitBreaker(t *testing.T) {
	ctx := context.Background()
	flaky := &flakyStorage{Storage: memory.New()}
	config := subgate.DefaultConfig()
	config.CacheConfig.Enabled = false
	config.CircuitBreakerConfig = &subgate.CircuitBreakerConfig{
		Enabled:          true,
		FailureThreshold: 2,
		ResetTimeout:     20 * time.Millisecond,
	}
	evaluator, err := subgate.NewEvaluator(flaky, config)
	if err != nil {
		t.Fatalf("NewEvaluator failed: %v", err)
	}

	flaky.down.Store(true)
	for i := 0; i < 2; i++ {
		if _, err := evaluator.ResolveSession(ctx, testUserID); !errors.Is(err, errConnRefused) {
			t.Fatalf("Expected the storage error, got %v", err)
		}
	}

	_, err = evaluator.ResolveSession(ctx, testUserID)
	if !errors.Is(err, subgate.ErrStorageUnavailable) || !errors.Is(err, subgate.ErrCircuitOpen) {
		t.Fatalf("Expected ErrStorageUnavailable from the open circuit, got %v", err)
	}
	if got := flaky.calls.Load(); got != 2 {
		t.Errorf("Expected the open circuit to skip storage, got %d calls", got)
	}

	flaky.down.Store(false)
	time.Sleep(30 * time.Millisecond)
	session, err := evaluator.ResolveSession(ctx, testUserID)
	if err != nil {
		t.Fatalf("Expected recovery after the reset timeout, got %v", err)
	}
	if session.Subscription != nil {
		t.Errorf("Expected a free-tier session, got %+v", session.Subscription)
	}
}
