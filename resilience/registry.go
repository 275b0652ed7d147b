package resilience

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// =============================================================================
// RESILIENCE REGISTRY
// =============================================================================
//
// One named bundle of (circuit breaker, default retry policy) per logical
// service. Consumers receive the registry by reference; there is no global
// instance.
//
// =============================================================================

// Well-known logical service names.
const (
	ServiceArticleProcessing    = "article-processing"
	ServiceDatabaseOps          = "database-ops"
	ServiceAPICalls             = "api-calls"
	ServiceLLMOps               = "llm-ops"
	ServiceBackgroundProcessing = "background-processing"
	ServiceSearchOps            = "search-ops"
)

// serviceDefaults maps each service to its breaker tuning and retry policy.
var serviceDefaults = map[string]struct {
	breaker BreakerConfig
	policy  RetryPolicy
}{
	ServiceArticleProcessing: {
		breaker: BreakerConfig{FailureThreshold: 10, SuccessThreshold: 3, RecoveryTimeout: 60 * time.Second, CallTimeout: 120 * time.Second},
		policy:  PolicyNetworkOps,
	},
	ServiceDatabaseOps: {
		breaker: BreakerConfig{FailureThreshold: 5, SuccessThreshold: 2, RecoveryTimeout: 30 * time.Second, CallTimeout: 30 * time.Second},
		policy:  PolicyCriticalOps,
	},
	ServiceAPICalls: {
		breaker: BreakerConfig{FailureThreshold: 5, SuccessThreshold: 2, RecoveryTimeout: 60 * time.Second, CallTimeout: 60 * time.Second},
		policy:  PolicyQuickOps,
	},
	ServiceLLMOps: {
		breaker: BreakerConfig{FailureThreshold: 3, SuccessThreshold: 2, RecoveryTimeout: 120 * time.Second, CallTimeout: 300 * time.Second},
		policy:  PolicyHeavyOps,
	},
	ServiceBackgroundProcessing: {
		breaker: BreakerConfig{FailureThreshold: 8, SuccessThreshold: 2, RecoveryTimeout: 60 * time.Second, CallTimeout: 600 * time.Second},
		policy:  PolicyHeavyOps,
	},
	ServiceSearchOps: {
		breaker: BreakerConfig{FailureThreshold: 5, SuccessThreshold: 2, RecoveryTimeout: 60 * time.Second, CallTimeout: 30 * time.Second},
		policy:  PolicyQuickOps,
	},
}

// HealthState summarizes one service's condition.
type HealthState string

const (
	HealthHealthy  HealthState = "healthy"
	HealthDegraded HealthState = "degraded"
	HealthFailed   HealthState = "failed"
	HealthUnknown  HealthState = "unknown"
)

// ServiceHealth is the health view for one logical service.
type ServiceHealth struct {
	Service      string           `json:"service"`
	Health       HealthState      `json:"health"`
	BreakerState State            `json:"breakerState"`
	SuccessRate  float64          `json:"successRate"`
	Metrics      BreakerMetrics   `json:"metrics"`
	LastAttempt  *RecoveryAttempt `json:"lastAttempt,omitempty"`
}

// Registry owns the per-service breakers, policies, history, and the retry
// manager that binds them together.
type Registry struct {
	stateDir string
	log      *zap.SugaredLogger
	history  *History
	manager  *RetryManager

	mu       sync.Mutex
	breakers map[string]*Breaker
	policies map[string]RetryPolicy
}

// NewRegistry builds a registry with breakers for every well-known service.
// stateDir persists breaker state and recovery history (empty disables).
func NewRegistry(stateDir string, log *zap.SugaredLogger) *Registry {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	history := NewHistory(stateDir, log)

	r := &Registry{
		stateDir: stateDir,
		log:      log.With("component", "resilience"),
		history:  history,
		manager:  NewRetryManager(history, log),
		breakers: make(map[string]*Breaker),
		policies: make(map[string]RetryPolicy),
	}
	for name, def := range serviceDefaults {
		cfg := def.breaker
		r.breakers[name] = NewBreaker(name, &cfg, stateDir, log)
		r.policies[name] = def.policy
	}
	return r
}

// Breaker returns the breaker for a service, creating a default one for
// unknown names.
func (r *Registry) Breaker(service string) *Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()

	b, ok := r.breakers[service]
	if !ok {
		b = NewBreaker(service, nil, r.stateDir, r.log)
		r.breakers[service] = b
		r.policies[service] = PolicyQuickOps
	}
	return b
}

// Policy returns the default retry policy for a service.
func (r *Registry) Policy(service string) RetryPolicy {
	r.mu.Lock()
	defer r.mu.Unlock()

	if p, ok := r.policies[service]; ok {
		return p
	}
	return PolicyQuickOps
}

// Manager returns the shared retry manager.
func (r *Registry) Manager() *RetryManager { return r.manager }

// History returns the recovery-attempt history store.
func (r *Registry) History() *History { return r.history }

// Execute runs fn for a service under its breaker and default retry policy.
// Retries wrap the breaker so a freshly opened circuit stops the sequence.
func (r *Registry) Execute(ctx context.Context, service string, fn func() error) error {
	breaker := r.Breaker(service)
	policy := r.Policy(service)
	return r.manager.Execute(ctx, service, policy, func() error {
		return breaker.Call(fn)
	})
}

// Health reports the health view for every tracked service.
func (r *Registry) Health() map[string]ServiceHealth {
	r.mu.Lock()
	names := make([]string, 0, len(r.breakers))
	for name := range r.breakers {
		names = append(names, name)
	}
	r.mu.Unlock()

	out := make(map[string]ServiceHealth, len(names))
	for _, name := range names {
		out[name] = r.serviceHealth(name)
	}
	return out
}

func (r *Registry) serviceHealth(service string) ServiceHealth {
	b := r.Breaker(service)
	metrics := b.Metrics()
	state := b.State()

	var rate float64
	if metrics.TotalRequests > 0 {
		rate = float64(metrics.SuccessfulRequests) / float64(metrics.TotalRequests)
	}

	health := HealthUnknown
	switch {
	case state == StateOpen:
		health = HealthFailed
	case metrics.TotalRequests == 0:
		health = HealthUnknown
	case rate < 0.5:
		health = HealthDegraded
	default:
		health = HealthHealthy
	}

	return ServiceHealth{
		Service:      service,
		Health:       health,
		BreakerState: state,
		SuccessRate:  rate,
		Metrics:      metrics,
		LastAttempt:  r.history.LastAttempt(service),
	}
}
