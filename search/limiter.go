package search

import (
	"context"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"harvest/shared"
)

// =============================================================================
// DAILY RATE LIMITER
// =============================================================================
//
// Guards the external search API's daily quota. The counter rolls over at UTC
// midnight; once the day's budget is spent, WaitIfNeeded blocks until the next
// UTC day starts. There is deliberately no per-second spacing here: the
// worker-side hourly cap is the only short-timescale throttle.
//
// The counter persists across restarts so a crash loop cannot burn through
// the quota by resetting it.
//
// =============================================================================

// quotaCounter is the persisted daily counter.
type quotaCounter struct {
	Date string `json:"date"`
	Used int    `json:"used"`
}

// Limiter enforces the daily search quota.
type Limiter struct {
	dailyQuota int
	file       string
	log        *zap.SugaredLogger

	mu      sync.Mutex
	counter quotaCounter

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// NewLimiter creates the limiter. dataDir persists the counter; empty
// disables persistence. A non-positive quota falls back to the default 8000.
func NewLimiter(dailyQuota int, dataDir string, log *zap.SugaredLogger) *Limiter {
	if dailyQuota <= 0 {
		dailyQuota = 8000
	}
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	l := &Limiter{
		dailyQuota: dailyQuota,
		log:        log.With("component", "search_limiter"),
		now:        time.Now,
		sleep:      sleepCtx,
	}
	if dataDir != "" {
		l.file = filepath.Join(dataDir, "search_quota.json")
		if err := shared.ReadJSON(l.file, &l.counter); err != nil {
			l.log.Warnw("failed to load quota counter", "error", err)
		}
	}
	return l
}

// WaitIfNeeded blocks until one unit of quota is available, then consumes it.
func (l *Limiter) WaitIfNeeded(ctx context.Context) error {
	for {
		l.mu.Lock()
		l.rolloverLocked()
		if l.counter.Used < l.dailyQuota {
			l.counter.Used++
			l.persistLocked()
			l.mu.Unlock()
			return nil
		}
		wait := l.untilMidnightLocked()
		l.mu.Unlock()

		l.log.Infow("daily search quota exhausted, sleeping until UTC midnight",
			"quota", l.dailyQuota, "wait", wait)
		if err := l.sleep(ctx, wait); err != nil {
			return err
		}
	}
}

// Remaining returns today's unused quota.
func (l *Limiter) Remaining() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.rolloverLocked()
	remaining := l.dailyQuota - l.counter.Used
	if remaining < 0 {
		remaining = 0
	}
	return remaining
}

// HourlyCap is the worker-side burst bound derived from the daily quota.
func (l *Limiter) HourlyCap() int {
	return l.dailyQuota / 24
}

func (l *Limiter) rolloverLocked() {
	today := l.now().UTC().Format("2006-01-02")
	if l.counter.Date != today {
		l.counter = quotaCounter{Date: today}
	}
}

func (l *Limiter) untilMidnightLocked() time.Duration {
	now := l.now().UTC()
	midnight := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC).AddDate(0, 0, 1)
	return midnight.Sub(now)
}

func (l *Limiter) persistLocked() {
	if l.file == "" {
		return
	}
	if err := shared.WriteJSONAtomic(l.file, l.counter); err != nil {
		l.log.Warnw("failed to persist quota counter", "error", err)
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
