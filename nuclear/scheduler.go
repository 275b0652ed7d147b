package nuclear

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"
)

// Reprocessor pushes a URL back through the normal fetch pipeline.
type Reprocessor interface {
	// ProcessURL returns true when content for the URL was stored.
	ProcessURL(ctx context.Context, target string) (bool, error)
}

// Searcher finds an alternative URL for a query.
type Searcher interface {
	Search(ctx context.Context, query string, priority int) (string, error)
}

// urgentPriority matches the search queue's most-urgent priority value.
const urgentPriority = 1

const (
	defaultInterval = 5 * time.Minute
	panicPause      = 30 * time.Second
	batchSize       = 50
)

// Scheduler periodically retries due nuclear failures. Each record gets three
// escalating passes: the original URL again, a search for it, and a set of
// search variations built from the URL path and title.
type Scheduler struct {
	store     *Store
	reprocess Reprocessor
	searcher  Searcher
	interval  time.Duration
	log       *zap.SugaredLogger

	sleep func(ctx context.Context, d time.Duration) error
}

// NewScheduler creates the scheduler.
func NewScheduler(store *Store, reprocess Reprocessor, searcher Searcher,
	interval time.Duration, log *zap.SugaredLogger) *Scheduler {

	if interval <= 0 {
		interval = defaultInterval
	}
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Scheduler{
		store:     store,
		reprocess: reprocess,
		searcher:  searcher,
		interval:  interval,
		log:       log.With("component", "nuclear_scheduler"),
		sleep: func(ctx context.Context, d time.Duration) error {
			timer := time.NewTimer(d)
			defer timer.Stop()
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-timer.C:
				return nil
			}
		},
	}
}

// Run loops until the context is cancelled. A panicking pass pauses the loop
// briefly and restarts it rather than killing the process.
func (s *Scheduler) Run(ctx context.Context) {
	s.log.Infow("nuclear retry scheduler started", "interval", s.interval)
	for {
		if err := s.runPassSafe(ctx); err != nil {
			if s.sleep(ctx, panicPause) != nil {
				return
			}
			continue
		}
		if s.sleep(ctx, s.interval) != nil {
			return
		}
	}
}

func (s *Scheduler) runPassSafe(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Errorw("nuclear pass panicked, restarting", "panic", r)
			err = fmt.Errorf("nuclear pass panic: %v", r)
		}
	}()
	s.RunPass(ctx)
	return nil
}

// RunPass processes every currently due record once.
func (s *Scheduler) RunPass(ctx context.Context) {
	due, err := s.store.Due(ctx, batchSize)
	if err != nil {
		s.log.Errorw("failed to load due records", "error", err)
		return
	}
	if len(due) == 0 {
		return
	}
	s.log.Infow("processing due nuclear failures", "count", len(due))

	for i := range due {
		if ctx.Err() != nil {
			return
		}
		s.processRecord(ctx, &due[i])
	}
}

// processRecord tries the three escalating passes for one record.
func (s *Scheduler) processRecord(ctx context.Context, rec *Failure) {
	if ok, _ := s.reprocess.ProcessURL(ctx, rec.OriginalURL); ok {
		s.finish(ctx, rec, rec.OriginalURL)
		return
	}

	if alt := s.searchAndProcess(ctx, rec.OriginalURL); alt != "" {
		s.finish(ctx, rec, alt)
		return
	}

	for _, query := range searchVariations(rec.OriginalURL, rec.ContentTitle) {
		if alt := s.searchAndProcess(ctx, query); alt != "" {
			s.finish(ctx, rec, alt)
			return
		}
	}

	if err := s.store.MarkRetryFailed(ctx, rec, "all retry passes failed"); err != nil {
		s.log.Errorw("failed to reschedule record", "url", rec.OriginalURL, "error", err)
	}
}

// searchAndProcess resolves a query to an alternative URL and fetches it.
// Returns the URL that worked, or "".
func (s *Scheduler) searchAndProcess(ctx context.Context, query string) string {
	alt, err := s.searcher.Search(ctx, query, urgentPriority)
	if err != nil || alt == "" {
		return ""
	}
	if ok, _ := s.reprocess.ProcessURL(ctx, alt); ok {
		return alt
	}
	return ""
}

func (s *Scheduler) finish(ctx context.Context, rec *Failure, successURL string) {
	s.log.Infow("nuclear retry recovered content", "url", rec.OriginalURL, "via", successURL)
	if err := s.store.MarkSucceeded(ctx, rec.ID, successURL); err != nil {
		s.log.Errorw("failed to close recovered record", "url", rec.OriginalURL, "error", err)
	}
}

// searchVariations derives alternative queries from the URL path and title.
func searchVariations(target, title string) []string {
	var out []string
	seen := map[string]bool{}
	add := func(q string) {
		q = strings.TrimSpace(q)
		if q != "" && !seen[q] {
			seen[q] = true
			out = append(out, q)
		}
	}

	add(title)

	u, err := url.Parse(target)
	if err != nil {
		return out
	}

	slug := strings.Trim(u.Path, "/")
	if idx := strings.LastIndex(slug, "/"); idx >= 0 {
		slug = slug[idx+1:]
	}
	slug = strings.TrimSuffix(slug, ".html")
	slugWords := strings.TrimSpace(strings.NewReplacer("-", " ", "_", " ").Replace(slug))
	add(slugWords)

	host := u.Hostname()
	if host != "" {
		if title != "" {
			add(title + " site:" + host)
		}
		if slugWords != "" {
			add(slugWords + " " + host)
		}
	}
	return out
}
