package strategy

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"harvest/shared"
)

// =============================================================================
// STRATEGY STATISTICS
// =============================================================================
//
// Tracks per-strategy outcomes across runs so the cascade can order strategies
// by observed success rate instead of declared base rate. Every attempt lands
// in exactly one bucket: success, failure, or truncated (fetched but rejected
// by the quality gate), so attempts always equals the sum of the three.
//
// The whole document persists after every recorded outcome. Losing stats is
// only a performance regression, never a correctness one, so persistence
// failures are logged and ignored.
//
// =============================================================================

// maxProcessingTimes bounds the recent-durations window.
const maxProcessingTimes = 1000

// StrategyCounters are the per-strategy persisted counters.
type StrategyCounters struct {
	Attempts  int     `json:"attempts"`
	Successes int     `json:"successes"`
	Failures  int     `json:"failures"`
	Truncated int     `json:"truncated"`
	AvgTime   float64 `json:"avg_time"`
}

// SuccessRate returns successes/attempts, or -1 before any attempt.
func (c StrategyCounters) SuccessRate() float64 {
	if c.Attempts == 0 {
		return -1
	}
	return float64(c.Successes) / float64(c.Attempts)
}

// statsDocument is the on-disk shape.
type statsDocument struct {
	TotalAttempts   int                         `json:"total_attempts"`
	TotalSuccesses  int                         `json:"total_successes"`
	TotalFailures   int                         `json:"total_failures"`
	StrategyStats   map[string]StrategyCounters `json:"strategy_stats"`
	ProcessingTimes []float64                   `json:"processing_times"`
	LastUpdated     time.Time                   `json:"last_updated"`
}

// Stats records and persists strategy outcome counters.
type Stats struct {
	mu   sync.Mutex
	doc  statsDocument
	file string
	log  *zap.SugaredLogger
}

// NewStats loads existing counters from file, or starts fresh. An empty file
// path disables persistence.
func NewStats(file string, log *zap.SugaredLogger) *Stats {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	s := &Stats{
		file: file,
		log:  log.With("component", "stats"),
		doc:  statsDocument{StrategyStats: map[string]StrategyCounters{}},
	}
	if file != "" {
		if err := shared.ReadJSON(file, &s.doc); err != nil {
			s.log.Warnw("failed to load stats, starting fresh", "error", err)
			s.doc = statsDocument{}
		}
		if s.doc.StrategyStats == nil {
			s.doc.StrategyStats = map[string]StrategyCounters{}
		}
	}
	return s
}

// Outcome classifies a recorded attempt.
type Outcome int

const (
	OutcomeSuccess Outcome = iota
	OutcomeFailure
	OutcomeTruncated
)

// Record adds one attempt for the named strategy.
func (s *Stats) Record(name string, outcome Outcome, elapsed time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c := s.doc.StrategyStats[name]
	c.Attempts++
	switch outcome {
	case OutcomeSuccess:
		c.Successes++
		s.doc.TotalSuccesses++
	case OutcomeTruncated:
		c.Truncated++
	default:
		c.Failures++
		s.doc.TotalFailures++
	}

	secs := elapsed.Seconds()
	c.AvgTime = ((c.AvgTime * float64(c.Attempts-1)) + secs) / float64(c.Attempts)
	s.doc.StrategyStats[name] = c

	s.doc.TotalAttempts++
	s.doc.ProcessingTimes = append(s.doc.ProcessingTimes, secs)
	if len(s.doc.ProcessingTimes) > maxProcessingTimes {
		s.doc.ProcessingTimes = s.doc.ProcessingTimes[len(s.doc.ProcessingTimes)-maxProcessingTimes:]
	}
	s.doc.LastUpdated = time.Now().UTC()

	s.persistLocked()
}

// Counters returns a copy of the named strategy's counters.
func (s *Stats) Counters(name string) StrategyCounters {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.doc.StrategyStats[name]
}

// SuccessRate returns the observed rate for name, or fallback before any
// attempt has been recorded.
func (s *Stats) SuccessRate(name string, fallback float64) float64 {
	rate := s.Counters(name).SuccessRate()
	if rate < 0 {
		return fallback
	}
	return rate
}

// Totals returns the aggregate counters across all strategies.
func (s *Stats) Totals() (attempts, successes, failures int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.doc.TotalAttempts, s.doc.TotalSuccesses, s.doc.TotalFailures
}

// Snapshot returns a copy of every strategy's counters.
func (s *Stats) Snapshot() map[string]StrategyCounters {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]StrategyCounters, len(s.doc.StrategyStats))
	for name, c := range s.doc.StrategyStats {
		out[name] = c
	}
	return out
}

func (s *Stats) persistLocked() {
	if s.file == "" {
		return
	}
	if err := shared.WriteJSONAtomic(s.file, s.doc); err != nil {
		s.log.Warnw("failed to persist stats", "error", err)
	}
}
