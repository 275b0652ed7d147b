package strategy

import (
	"context"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"harvest/analyzer"
	"harvest/shared"
)

// =============================================================================
// STRATEGY CASCADE
// =============================================================================
//
// The cascade tries strategies in order until one returns content that passes
// the quality gate. Order is caller preference first, then everything else by
// observed success rate, so the cascade adapts to what actually works: a proxy
// that keeps succeeding climbs ahead of a direct fetch that keeps bouncing off
// a paywall.
//
// A fetched body the analyzer rejects is a truncated attempt, not a failure.
// The distinction matters for learning: the strategy did reach the page, the
// page just wasn't worth keeping.
//
// =============================================================================

// defaultBaseRate orders strategies that declare no base rate and have no
// recorded attempts yet.
const defaultBaseRate = 0.5

// usageLimited is implemented by strategies with a consumable budget.
type usageLimited interface {
	Exhausted() bool
}

// Cascade drives an ordered set of fetch strategies against a URL.
type Cascade struct {
	strategies []Strategy
	stats      *Stats
	gate       *analyzer.Analyzer
	log        *zap.SugaredLogger
}

// NewCascade creates a cascade over the given strategies. Registration order
// only matters as a tie-break; dispatch order is computed per call.
func NewCascade(strategies []Strategy, stats *Stats, gate *analyzer.Analyzer, log *zap.SugaredLogger) *Cascade {
	if stats == nil {
		stats = NewStats("", nil)
	}
	if gate == nil {
		gate = analyzer.New(nil)
	}
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Cascade{
		strategies: strategies,
		stats:      stats,
		gate:       gate,
		log:        log.With("component", "cascade"),
	}
}

// Strategies returns the registered strategies.
func (c *Cascade) Strategies() []Strategy { return c.strategies }

// Stats exposes the outcome counters.
func (c *Cascade) Stats() *Stats { return c.stats }

// Order computes the dispatch order for a URL: the preferred names first
// (deduplicated, unknown names ignored), then the rest sorted by observed
// success rate descending. Strategies that cannot handle the URL or have an
// exhausted usage budget are dropped.
func (c *Cascade) Order(target string, preferred []string) []Strategy {
	byName := make(map[string]Strategy, len(c.strategies))
	for _, s := range c.strategies {
		byName[s.Metadata().Name] = s
	}

	eligible := func(s Strategy) bool {
		if !s.CanHandle(target) {
			return false
		}
		if limited, ok := s.(usageLimited); ok && limited.Exhausted() {
			return false
		}
		return true
	}

	ordered := make([]Strategy, 0, len(c.strategies))
	taken := make(map[string]bool, len(c.strategies))
	for _, name := range preferred {
		s, ok := byName[name]
		if !ok || taken[name] || !eligible(s) {
			continue
		}
		taken[name] = true
		ordered = append(ordered, s)
	}

	rest := make([]Strategy, 0, len(c.strategies))
	for _, s := range c.strategies {
		if taken[s.Metadata().Name] || !eligible(s) {
			continue
		}
		rest = append(rest, s)
	}
	sort.SliceStable(rest, func(i, j int) bool {
		return c.rate(rest[i]) > c.rate(rest[j])
	})

	return append(ordered, rest...)
}

// rate is the observed success rate, falling back to the declared base rate.
func (c *Cascade) rate(s Strategy) float64 {
	meta := s.Metadata()
	base := meta.BaseSuccessRate
	if base <= 0 {
		base = defaultBaseRate
	}
	return c.stats.SuccessRate(meta.Name, base)
}

// Execute runs the cascade for one URL and returns the first result that
// passes the quality gate, or a failure summarizing the last error.
func (c *Cascade) Execute(ctx context.Context, target string, preferred []string) *shared.FetchResult {
	start := time.Now()

	order := c.Order(target, preferred)
	if len(order) == 0 {
		return shared.FailureResult(target, "cascade",
			shared.NewFailure(shared.FailureUnknown, "no eligible strategies"), time.Since(start))
	}

	var lastErr string
	for _, s := range order {
		if ctx.Err() != nil {
			return shared.FailureResult(target, "cascade", ctx.Err(), time.Since(start))
		}

		name := s.Metadata().Name
		result := c.attempt(ctx, s, target)

		if !result.Success {
			c.stats.Record(name, OutcomeFailure, result.ProcessingTime)
			lastErr = result.Error
			c.log.Debugw("strategy failed", "strategy", name, "url", target, "error", result.Error)
			continue
		}

		if verdict := c.gate.Analyze(result.Content); verdict.Rejected() {
			c.stats.Record(name, OutcomeTruncated, result.ProcessingTime)
			lastErr = fmt.Sprintf("%s: content rejected (%s)", name, verdict.Reason)
			c.log.Debugw("strategy content rejected", "strategy", name, "url", target, "reason", verdict.Reason)
			continue
		}

		c.stats.Record(name, OutcomeSuccess, result.ProcessingTime)
		c.log.Infow("strategy succeeded", "strategy", name, "url", target,
			"elapsed", result.ProcessingTime)
		return result
	}

	if lastErr == "" {
		lastErr = "all strategies declined"
	}
	return shared.FailureResult(target, "cascade",
		shared.NewFailure(shared.FailureUnknown, "all strategies failed, last error: "+lastErr),
		time.Since(start))
}

// attempt invokes one strategy, converting a panic into a failed result so a
// misbehaving strategy cannot take down the worker.
func (c *Cascade) attempt(ctx context.Context, s Strategy, target string) (result *shared.FetchResult) {
	started := time.Now()
	defer func() {
		if r := recover(); r != nil {
			c.log.Errorw("strategy panicked", "strategy", s.Metadata().Name, "url", target, "panic", r)
			result = shared.FailureResult(target, s.Metadata().Name,
				shared.NewFailure(shared.FailureUnknown, fmt.Sprintf("strategy panic: %v", r)),
				time.Since(started))
		}
	}()

	result = s.Fetch(ctx, target)
	if result == nil {
		result = shared.FailureResult(target, s.Metadata().Name,
			shared.NewFailure(shared.FailureUnknown, "strategy returned no result"), time.Since(started))
	}
	if result.Success && result.Content == "" {
		result = shared.FailureResult(target, s.Metadata().Name,
			shared.NewFailure(shared.FailureContentRejected, "success with empty content"), time.Since(started))
	}
	return result
}
