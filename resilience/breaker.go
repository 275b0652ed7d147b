package resilience

import (
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"harvest/shared"
)

// =============================================================================
// CIRCUIT BREAKER
// =============================================================================
//
// The circuit breaker prevents cascading failures by temporarily rejecting
// calls to a logical service that is failing.
//
// States:
//   - Closed:   normal operation, calls flow through
//   - Open:     service is failing, calls are rejected immediately
//   - HalfOpen: testing whether the service has recovered
//
// Threshold transitions are the only way state changes:
//
//   closed    --[consecutive failures >= FailureThreshold]--> open
//   open      --[now - last failure >= RecoveryTimeout]-----> half_open
//   half_open --[consecutive successes >= SuccessThreshold]-> closed
//   half_open --[any failure]-----------------------------> open
//
// State is persisted per breaker name and reloaded on startup.
//
// =============================================================================

// State represents the state of a circuit breaker.
type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half_open"
)

// BreakerConfig configures one breaker.
type BreakerConfig struct {
	// FailureThreshold opens the circuit after this many consecutive failures.
	FailureThreshold int `json:"failureThreshold"`

	// SuccessThreshold closes the circuit after this many consecutive
	// successes in half-open.
	SuccessThreshold int `json:"successThreshold"`

	// RecoveryTimeout is how long the circuit stays open before a trial call
	// is allowed through.
	RecoveryTimeout time.Duration `json:"recoveryTimeout"`

	// CallTimeout is the hard per-call budget. A call exceeding it counts as
	// a timeout failure even if it returned nil.
	CallTimeout time.Duration `json:"callTimeout"`
}

// DefaultBreakerConfig provides sensible defaults.
var DefaultBreakerConfig = BreakerConfig{
	FailureThreshold: 5,
	SuccessThreshold: 2,
	RecoveryTimeout:  60 * time.Second,
	CallTimeout:      120 * time.Second,
}

// BreakerMetrics are the running totals for one breaker.
type BreakerMetrics struct {
	TotalRequests        int        `json:"total_requests"`
	SuccessfulRequests   int        `json:"successful_requests"`
	FailedRequests       int        `json:"failed_requests"`
	ConsecutiveFailures  int        `json:"consecutive_failures"`
	ConsecutiveSuccesses int        `json:"consecutive_successes"`
	LastFailureTime      *time.Time `json:"last_failure_time,omitempty"`
}

// breakerState is the persisted on-disk document for one breaker.
type breakerState struct {
	State           State          `json:"state"`
	StateChangeTime time.Time      `json:"state_change_time"`
	Metrics         BreakerMetrics `json:"metrics"`
}

// Breaker is a circuit breaker for one named logical service.
type Breaker struct {
	name   string
	config BreakerConfig
	log    *zap.SugaredLogger

	mu              sync.Mutex
	state           State
	stateChangeTime time.Time
	metrics         BreakerMetrics

	// stateDir, when non-empty, is where state files are persisted.
	stateDir string

	now func() time.Time
}

// NewBreaker creates a breaker for a named service, loading any persisted
// state from stateDir (empty stateDir disables persistence).
func NewBreaker(name string, config *BreakerConfig, stateDir string, log *zap.SugaredLogger) *Breaker {
	cfg := DefaultBreakerConfig
	if config != nil {
		cfg = *config
	}
	if log == nil {
		log = zap.NewNop().Sugar()
	}

	b := &Breaker{
		name:            name,
		config:          cfg,
		log:             log.With("component", "breaker", "service", name),
		state:           StateClosed,
		stateChangeTime: time.Now(),
		stateDir:        stateDir,
		now:             time.Now,
	}
	b.load()
	return b
}

// Name returns the breaker's service name.
func (b *Breaker) Name() string { return b.name }

// State returns the current state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Metrics returns a copy of the running totals.
func (b *Breaker) Metrics() BreakerMetrics {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.metrics
}

// Call runs fn under the breaker. When the circuit is open and the recovery
// timeout has not elapsed, fn is not invoked and a circuit-open failure is
// returned immediately. Call durations beyond CallTimeout count as timeout
// failures regardless of fn's own result.
func (b *Breaker) Call(fn func() error) error {
	if err := b.beforeCall(); err != nil {
		return err
	}

	start := b.now()
	err := fn()
	elapsed := b.now().Sub(start)

	if err == nil && b.config.CallTimeout > 0 && elapsed > b.config.CallTimeout {
		err = shared.NewFailure(shared.FailureTimeout,
			fmt.Sprintf("%s call exceeded %s budget", b.name, b.config.CallTimeout))
	}

	if err != nil {
		b.recordFailure()
		return err
	}
	b.recordSuccess()
	return nil
}

// beforeCall gates entry and handles the open -> half_open transition.
func (b *Breaker) beforeCall() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state != StateOpen {
		return nil
	}

	last := b.metrics.LastFailureTime
	if last != nil && b.now().Sub(*last) >= b.config.RecoveryTimeout {
		b.transitionLocked(StateHalfOpen, "recovery timeout elapsed")
		return nil
	}

	return shared.NewFailure(shared.FailureCircuitOpen,
		fmt.Sprintf("circuit open for service %s", b.name))
}

func (b *Breaker) recordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.metrics.TotalRequests++
	b.metrics.SuccessfulRequests++
	b.metrics.ConsecutiveFailures = 0
	b.metrics.ConsecutiveSuccesses++

	if b.state == StateHalfOpen && b.metrics.ConsecutiveSuccesses >= b.config.SuccessThreshold {
		b.transitionLocked(StateClosed, "recovered")
	}
	b.persistLocked()
}

func (b *Breaker) recordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	b.metrics.TotalRequests++
	b.metrics.FailedRequests++
	b.metrics.ConsecutiveSuccesses = 0
	b.metrics.ConsecutiveFailures++
	b.metrics.LastFailureTime = &now

	switch b.state {
	case StateClosed:
		if b.metrics.ConsecutiveFailures >= b.config.FailureThreshold {
			b.transitionLocked(StateOpen, "failure threshold exceeded")
		}
	case StateHalfOpen:
		b.transitionLocked(StateOpen, "failure during half-open testing")
	}
	b.persistLocked()
}

// Reset forces the breaker closed and zeroes the consecutive counters.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.metrics.ConsecutiveFailures = 0
	b.metrics.ConsecutiveSuccesses = 0
	b.transitionLocked(StateClosed, "manual reset")
	b.persistLocked()
}

func (b *Breaker) transitionLocked(to State, reason string) {
	if b.state == to {
		return
	}
	from := b.state
	b.state = to
	b.stateChangeTime = b.now()
	b.log.Infow("circuit state change", "from", from, "to", to, "reason", reason)
}

// =============================================================================
// PERSISTENCE
// =============================================================================

func (b *Breaker) stateFile() string {
	return filepath.Join(b.stateDir, "breaker_"+b.name+".json")
}

func (b *Breaker) load() {
	if b.stateDir == "" {
		return
	}
	var st breakerState
	if err := shared.ReadJSON(b.stateFile(), &st); err != nil {
		b.log.Warnw("failed to load breaker state", "error", err)
		return
	}
	if st.State == "" {
		return
	}
	b.state = st.State
	b.stateChangeTime = st.StateChangeTime
	b.metrics = st.Metrics
}

func (b *Breaker) persistLocked() {
	if b.stateDir == "" {
		return
	}
	st := breakerState{
		State:           b.state,
		StateChangeTime: b.stateChangeTime,
		Metrics:         b.metrics,
	}
	if err := shared.WriteJSONAtomic(b.stateFile(), st); err != nil {
		b.log.Warnw("failed to persist breaker state", "error", err)
	}
}
