package resilience

import (
	"context"
	"math"
	"math/rand"
	"time"

	"go.uber.org/zap"

	"harvest/shared"
)

// =============================================================================
// RETRY MANAGER
// =============================================================================
//
// Runs a callable under a configurable retry policy with four backoff shapes
// and optional jitter. A circuit-open failure is never retried; it propagates
// immediately so callers stop hammering a degraded service.
//
// =============================================================================

// BackoffStrategy selects the delay curve between attempts.
type BackoffStrategy string

const (
	BackoffFixed       BackoffStrategy = "fixed"
	BackoffLinear      BackoffStrategy = "linear"
	BackoffExponential BackoffStrategy = "exponential"
	BackoffFibonacci   BackoffStrategy = "fibonacci"
)

// RetryPolicy defines how retries are executed.
type RetryPolicy struct {
	Name        string          `json:"name"`
	MaxAttempts int             `json:"maxAttempts"`
	BaseDelay   time.Duration   `json:"baseDelay"`
	MaxDelay    time.Duration   `json:"maxDelay"`
	Backoff     BackoffStrategy `json:"backoff"`

	// Jitter multiplies each delay by a uniform factor in [0.9, 1.1].
	Jitter bool `json:"jitter"`

	// Multiplier drives the exponential curve (defaults to 2 when zero).
	Multiplier float64 `json:"multiplier"`

	// RetryableKinds is the set of failure kinds worth retrying. Empty means
	// the shared default predicate (network, timeout, server error,
	// rate-limited).
	RetryableKinds []shared.FailureKind `json:"retryableKinds,omitempty"`
}

// =============================================================================
// PRE-DEFINED POLICIES
// =============================================================================

// PolicyQuickOps suits fast API calls that should fail fast.
var PolicyQuickOps = RetryPolicy{
	Name:        "quick-ops",
	MaxAttempts: 3,
	BaseDelay:   500 * time.Millisecond,
	MaxDelay:    10 * time.Second,
	Backoff:     BackoffExponential,
	Jitter:      true,
	Multiplier:  2.0,
}

// PolicyNetworkOps suits origin fetches over unreliable networks.
var PolicyNetworkOps = RetryPolicy{
	Name:        "network-ops",
	MaxAttempts: 5,
	BaseDelay:   2 * time.Second,
	MaxDelay:    60 * time.Second,
	Backoff:     BackoffExponential,
	Jitter:      true,
	Multiplier:  2.0,
}

// PolicyHeavyOps suits expensive operations (browser rendering, LLM calls).
var PolicyHeavyOps = RetryPolicy{
	Name:        "heavy-ops",
	MaxAttempts: 3,
	BaseDelay:   5 * time.Second,
	MaxDelay:    300 * time.Second,
	Backoff:     BackoffLinear,
	Jitter:      true,
}

// PolicyCriticalOps suits operations that must eventually succeed.
var PolicyCriticalOps = RetryPolicy{
	Name:        "critical-ops",
	MaxAttempts: 7,
	BaseDelay:   1 * time.Second,
	MaxDelay:    120 * time.Second,
	Backoff:     BackoffFibonacci,
	Jitter:      true,
}

// DelayBeforeAttempt computes the nominal delay applied between attempt k and
// attempt k+1 (k is 1-based), before jitter.
func (p *RetryPolicy) DelayBeforeAttempt(k int) time.Duration {
	if k < 1 {
		k = 1
	}
	var delay float64
	base := float64(p.BaseDelay)

	switch p.Backoff {
	case BackoffFixed:
		delay = base
	case BackoffLinear:
		delay = base * float64(k)
	case BackoffExponential:
		mult := p.Multiplier
		if mult <= 0 {
			mult = 2.0
		}
		delay = base * math.Pow(mult, float64(k-1))
	case BackoffFibonacci:
		delay = base * float64(fib(k))
	default:
		delay = base
	}

	if p.MaxDelay > 0 && delay > float64(p.MaxDelay) {
		delay = float64(p.MaxDelay)
	}
	return time.Duration(delay)
}

// fib returns the k-th fibonacci number with fib(1) = fib(2) = 1.
func fib(k int) int64 {
	if k <= 2 {
		return 1
	}
	a, b := int64(1), int64(1)
	for i := 3; i <= k; i++ {
		a, b = b, a+b
	}
	return b
}

func (p *RetryPolicy) retryable(kind shared.FailureKind) bool {
	if kind == shared.FailureCircuitOpen {
		return false
	}
	if len(p.RetryableKinds) == 0 {
		return shared.IsRetryable(kind)
	}
	for _, k := range p.RetryableKinds {
		if k == kind {
			return true
		}
	}
	return false
}

// =============================================================================
// MANAGER
// =============================================================================

// RetryManager executes callables under retry policies and records a recovery
// attempt history per service.
type RetryManager struct {
	history *History
	log     *zap.SugaredLogger

	sleep func(context.Context, time.Duration) error
	randf func() float64
}

// NewRetryManager creates a retry manager. history may be nil to disable
// attempt recording.
func NewRetryManager(history *History, log *zap.SugaredLogger) *RetryManager {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &RetryManager{
		history: history,
		log:     log.With("component", "retry"),
		sleep:   sleepCtx,
		randf:   rand.Float64,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Execute runs fn under the policy for the named service. The final failing
// error is returned after the last attempt. Each attempt is recorded in the
// recovery history.
func (m *RetryManager) Execute(ctx context.Context, service string, policy RetryPolicy, fn func() error) error {
	maxAttempts := policy.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	var lastErr error
	var delayBefore time.Duration

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		err := fn()

		m.record(service, attempt, delayBefore, err)

		if err == nil {
			return nil
		}
		lastErr = err

		kind := shared.Classify(err)
		if kind == shared.FailureCircuitOpen {
			// Fail fast: retrying an open circuit only prolongs degradation.
			return err
		}
		if !policy.retryable(kind) {
			return err
		}
		if attempt == maxAttempts {
			break
		}

		delayBefore = m.jittered(policy, policy.DelayBeforeAttempt(attempt))
		m.log.Debugw("retrying after failure",
			"service", service, "attempt", attempt, "kind", kind, "delay", delayBefore)
		if err := m.sleep(ctx, delayBefore); err != nil {
			return err
		}
	}

	return lastErr
}

// jittered applies the ±10% jitter window when the policy enables it.
func (m *RetryManager) jittered(policy RetryPolicy, d time.Duration) time.Duration {
	if !policy.Jitter || d <= 0 {
		return d
	}
	factor := 0.9 + 0.2*m.randf()
	return time.Duration(float64(d) * factor)
}

func (m *RetryManager) record(service string, attempt int, delayBefore time.Duration, err error) {
	if m.history == nil {
		return
	}
	rec := RecoveryAttempt{
		Timestamp:     time.Now(),
		AttemptNumber: attempt,
		Success:       err == nil,
		DelayBefore:   delayBefore.Seconds(),
	}
	if err != nil {
		rec.ErrorKind = string(shared.Classify(err))
		rec.ErrorMessage = err.Error()
	}
	m.history.Record(service, rec)
}
