package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"harvest/shared"
)

// capturingManager returns a manager that records sleeps instead of waiting
// and uses a fixed mid-window jitter factor.
func capturingManager(history *History) (*RetryManager, *[]time.Duration) {
	m := NewRetryManager(history, nil)
	var slept []time.Duration
	m.sleep = func(ctx context.Context, d time.Duration) error {
		slept = append(slept, d)
		return nil
	}
	m.randf = func() float64 { return 0.5 }
	return m, &slept
}

func TestRetryManager_SucceedsFirstAttempt(t *testing.T) {
	m, slept := capturingManager(nil)

	calls := 0
	err := m.Execute(context.Background(), "svc", PolicyQuickOps, func() error {
		calls++
		return nil
	})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
	if len(*slept) != 0 {
		t.Errorf("slept %d times, want 0", len(*slept))
	}
}

func TestRetryManager_RetriesTransientThenSucceeds(t *testing.T) {
	m, slept := capturingManager(nil)

	calls := 0
	err := m.Execute(context.Background(), "svc", PolicyNetworkOps, func() error {
		calls++
		if calls < 3 {
			return shared.NewFailure(shared.FailureNetwork, "connection refused")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
	if len(*slept) != 2 {
		t.Errorf("slept %d times, want 2", len(*slept))
	}
}

func TestRetryManager_NonRetryableStopsImmediately(t *testing.T) {
	m, _ := capturingManager(nil)

	calls := 0
	err := m.Execute(context.Background(), "svc", PolicyNetworkOps, func() error {
		calls++
		return shared.NewFailure(shared.FailureHTTPStatus, "404 not found")
	})
	if err == nil {
		t.Fatal("expected error")
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}

func TestRetryManager_CircuitOpenNeverRetried(t *testing.T) {
	m, slept := capturingManager(nil)

	calls := 0
	err := m.Execute(context.Background(), "svc", PolicyCriticalOps, func() error {
		calls++
		return shared.NewFailure(shared.FailureCircuitOpen, "circuit open for svc")
	})
	if err == nil {
		t.Fatal("expected error")
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1 (circuit-open must propagate immediately)", calls)
	}
	if len(*slept) != 0 {
		t.Errorf("slept %d times, want 0", len(*slept))
	}
	if shared.Classify(err) != shared.FailureCircuitOpen {
		t.Errorf("error kind = %s, want circuit_open", shared.Classify(err))
	}
}

func TestRetryManager_ExhaustsAttemptsAndReturnsLastError(t *testing.T) {
	m, slept := capturingManager(nil)

	policy := RetryPolicy{Name: "test", MaxAttempts: 3, BaseDelay: time.Second, Backoff: BackoffFixed}
	calls := 0
	err := m.Execute(context.Background(), "svc", policy, func() error {
		calls++
		return shared.NewFailure(shared.FailureTimeout, "deadline exceeded")
	})
	if err == nil {
		t.Fatal("expected final error")
	}
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
	if len(*slept) != 2 {
		t.Errorf("slept %d times, want 2", len(*slept))
	}
}

func TestRetryManager_RecordsHistory(t *testing.T) {
	history := NewHistory("", nil)
	m, _ := capturingManager(history)

	policy := RetryPolicy{Name: "test", MaxAttempts: 2, BaseDelay: time.Millisecond, Backoff: BackoffFixed}
	m.Execute(context.Background(), "svc", policy, func() error {
		return shared.NewFailure(shared.FailureNetwork, "reset")
	})

	attempts := history.Attempts("svc")
	if len(attempts) != 2 {
		t.Fatalf("recorded %d attempts, want 2", len(attempts))
	}
	if attempts[0].AttemptNumber != 1 || attempts[1].AttemptNumber != 2 {
		t.Errorf("attempt numbers = %d, %d", attempts[0].AttemptNumber, attempts[1].AttemptNumber)
	}
	if attempts[0].Success || attempts[1].Success {
		t.Error("failed attempts recorded as success")
	}
	if attempts[0].ErrorKind != string(shared.FailureNetwork) {
		t.Errorf("ErrorKind = %s, want network", attempts[0].ErrorKind)
	}
}

func TestDelayBeforeAttempt_Shapes(t *testing.T) {
	base := time.Second
	cases := []struct {
		name    string
		policy  RetryPolicy
		attempt int
		want    time.Duration
	}{
		{"fixed k=3", RetryPolicy{BaseDelay: base, Backoff: BackoffFixed}, 3, time.Second},
		{"linear k=3", RetryPolicy{BaseDelay: base, Backoff: BackoffLinear}, 3, 3 * time.Second},
		{"exponential k=3", RetryPolicy{BaseDelay: base, Backoff: BackoffExponential, Multiplier: 2}, 3, 4 * time.Second},
		{"fibonacci k=5", RetryPolicy{BaseDelay: base, Backoff: BackoffFibonacci}, 5, 5 * time.Second},
		{"fibonacci k=1", RetryPolicy{BaseDelay: base, Backoff: BackoffFibonacci}, 1, time.Second},
		{"clamped", RetryPolicy{BaseDelay: base, MaxDelay: 2 * time.Second, Backoff: BackoffExponential, Multiplier: 10}, 4, 2 * time.Second},
	}
	for _, c := range cases {
		if got := c.policy.DelayBeforeAttempt(c.attempt); got != c.want {
			t.Errorf("%s: delay = %s, want %s", c.name, got, c.want)
		}
	}
}

func TestJitter_StaysWithinTenPercent(t *testing.T) {
	m := NewRetryManager(nil, nil)
	policy := RetryPolicy{BaseDelay: time.Second, Backoff: BackoffFixed, Jitter: true}

	for i := 0; i < 200; i++ {
		d := m.jittered(policy, time.Second)
		if d < 900*time.Millisecond || d > 1100*time.Millisecond {
			t.Fatalf("jittered delay %s outside [0.9s, 1.1s]", d)
		}
	}
}

func TestRetryManager_ContextCancelAbortsBackoff(t *testing.T) {
	m := NewRetryManager(nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	policy := RetryPolicy{MaxAttempts: 3, BaseDelay: time.Hour, Backoff: BackoffFixed}
	err := m.Execute(ctx, "svc", policy, func() error {
		return shared.NewFailure(shared.FailureNetwork, "reset")
	})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
}
