package worker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"harvest/extract"
	"harvest/nuclear"
	"harvest/shared"
)

// =============================================================================
// WORKER POOL
// =============================================================================
//
// Bounded set of workers draining the persisted job queue. Each worker is
// strictly sequential: dequeue, run the pipeline, record the outcome, repeat.
// Workers share nothing in-process beyond the queue and stores; on shutdown
// they finish the job in hand and exit at the next dequeue.
//
// Pipeline per job: fingerprint duplicate check, then the strategy cascade,
// then the search fallback, then the nuclear store. Every job terminates in
// exactly one of: duplicate, content stored, fallback enqueued, retried, or
// recorded as a nuclear failure.
//
// =============================================================================

const (
	emptyPollSleep            = 2 * time.Second
	emptyPollLongSleep        = 10 * time.Second
	emptyPollsBeforeLongSleep = 3

	// fallbackPriorityBoost makes alternative-URL jobs outrank the backlog.
	fallbackPriorityBoost = 10
)

// Fetcher runs the strategy cascade for one URL.
type Fetcher interface {
	Execute(ctx context.Context, target string, preferred []string) *shared.FetchResult
}

// Searcher finds an alternative URL for a failed one.
type Searcher interface {
	Search(ctx context.Context, query string, priority int) (string, error)
}

// ContentWriter is the content-store surface the pool needs.
type ContentWriter interface {
	HasFingerprint(ctx context.Context, fingerprint string) (bool, error)
	Save(ctx context.Context, url, title, content string, metadata map[string]string) error
}

// FailureRecorder files a permanently failed URL for long-horizon retry.
type FailureRecorder interface {
	Record(ctx context.Context, failureType, url, title, errMsg string, metadata map[string]string) error
}

// Config tunes a pool.
type Config struct {
	Size                int
	MaxJobRetries       int
	PreferredStrategies []string

	// SearchHourlyCap bounds fallback searches per clock hour; 0 disables
	// the fallback path entirely.
	SearchHourlyCap int
}

// Pool drives the workers.
type Pool struct {
	cfg      Config
	jobs     JobQueue
	content  ContentWriter
	fetcher  Fetcher
	searcher Searcher
	failures FailureRecorder
	log      *zap.SugaredLogger

	sleep func(ctx context.Context, d time.Duration) error

	mu         sync.Mutex
	hourKey    string
	hourlyUsed int
}

// NewPool wires a pool. Size defaults to 5 workers.
func NewPool(cfg Config, jobs JobQueue, content ContentWriter, fetcher Fetcher,
	searcher Searcher, failures FailureRecorder, log *zap.SugaredLogger) *Pool {

	if cfg.Size <= 0 {
		cfg.Size = 5
	}
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Pool{
		cfg:      cfg,
		jobs:     jobs,
		content:  content,
		fetcher:  fetcher,
		searcher: searcher,
		failures: failures,
		log:      log.With("component", "worker_pool"),
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

// Run starts the workers and blocks until the context is cancelled and every
// worker has drained its current job.
func (p *Pool) Run(ctx context.Context) {
	p.log.Infow("worker pool starting", "workers", p.cfg.Size)

	var wg sync.WaitGroup
	for i := 0; i < p.cfg.Size; i++ {
		wg.Add(1)
		workerID := fmt.Sprintf("worker-%d", i+1)
		go func() {
			defer wg.Done()
			p.workerLoop(ctx, workerID)
		}()
	}
	wg.Wait()
	p.log.Info("worker pool drained")
}

func (p *Pool) workerLoop(ctx context.Context, workerID string) {
	emptyPolls := 0
	for {
		if ctx.Err() != nil {
			return
		}

		job, err := p.jobs.Dequeue(ctx, workerID)
		if err != nil {
			p.log.Errorw("dequeue failed", "worker", workerID, "error", err)
			if p.sleep(ctx, emptyPollSleep) != nil {
				return
			}
			continue
		}
		if job == nil {
			emptyPolls++
			pause := emptyPollSleep
			if emptyPolls >= emptyPollsBeforeLongSleep {
				pause = emptyPollLongSleep
			}
			if p.sleep(ctx, pause) != nil {
				return
			}
			continue
		}

		emptyPolls = 0
		// Shutdown only stops further dequeues. A claimed job and its
		// outcome write run to completion on a detached context so a
		// signal never strands the job in running.
		p.processJob(context.WithoutCancel(ctx), workerID, job)
	}
}

// processJob runs one job through the full pipeline.
func (p *Pool) processJob(ctx context.Context, workerID string, job *Job) {
	url := job.Data.URL
	log := p.log.With("worker", workerID, "job", job.ID, "url", url)

	if url == "" {
		p.finishJob(ctx, log, job.ID, false, JobResult{"error": "job without url"})
		return
	}

	exists, err := p.content.HasFingerprint(ctx, shared.Fingerprint(url))
	if err != nil {
		log.Errorw("duplicate check failed", "error", err)
	} else if exists {
		log.Debugw("duplicate url, skipping fetch")
		p.finishJob(ctx, log, job.ID, true, JobResult{"duplicate": true})
		return
	}

	result := p.fetcher.Execute(ctx, url, p.cfg.PreferredStrategies)
	if result.Success {
		if err := p.content.Save(ctx, url, result.Title, result.Content,
			map[string]string{"strategy": result.Strategy}); err != nil {
			log.Errorw("content save failed", "error", err)
			p.retryOrFail(ctx, log, job, "save failed: "+err.Error())
			return
		}
		log.Infow("content stored", "strategy", result.Strategy,
			"length", len(result.Content))
		p.finishJob(ctx, log, job.ID, true, JobResult{
			"url":        url,
			"strategy":   result.Strategy,
			"length":     len(result.Content),
			"word_count": extract.Words(result.Content),
		})
		return
	}

	if alt := p.searchFallback(ctx, log, url); alt != "" && shared.Fingerprint(alt) != shared.Fingerprint(url) {
		if _, err := p.jobs.Submit(ctx, alt, job.Priority+fallbackPriorityBoost, "fallback"); err != nil {
			log.Errorw("failed to enqueue alternative url", "alt", alt, "error", err)
		} else {
			log.Infow("fallback found alternative url", "alt", alt)
			p.finishJob(ctx, log, job.ID, true, JobResult{
				"fallback_triggered": true,
				"alternative_url":    alt,
			})
			return
		}
	}

	p.retryOrFail(ctx, log, job, result.Error)
}

// searchFallback asks the search service for an alternative URL, bounded by
// the worker-side hourly cap.
func (p *Pool) searchFallback(ctx context.Context, log *zap.SugaredLogger, url string) string {
	if p.searcher == nil || p.cfg.SearchHourlyCap <= 0 {
		return ""
	}
	if !p.takeSearchToken() {
		log.Debugw("hourly search cap reached, skipping fallback")
		return ""
	}

	alt, err := p.searcher.Search(ctx, url, 1)
	if err != nil {
		log.Warnw("search fallback failed", "error", err)
		return ""
	}
	return alt
}

// takeSearchToken enforces the per-clock-hour fallback budget.
func (p *Pool) takeSearchToken() bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	hour := time.Now().UTC().Format("2006-01-02T15")
	if p.hourKey != hour {
		p.hourKey = hour
		p.hourlyUsed = 0
	}
	if p.hourlyUsed >= p.cfg.SearchHourlyCap {
		return false
	}
	p.hourlyUsed++
	return true
}

// retryOrFail leaves the job pending while it has retry budget, otherwise
// files a nuclear failure and fails the job.
func (p *Pool) retryOrFail(ctx context.Context, log *zap.SugaredLogger, job *Job, errMsg string) {
	if job.RetryCount < p.cfg.MaxJobRetries {
		log.Infow("returning job for retry", "retries", job.RetryCount)
		if err := p.jobs.Retry(ctx, job.ID); err != nil {
			log.Errorw("retry failed", "error", err)
		}
		return
	}

	if p.failures != nil {
		if err := p.failures.Record(ctx, nuclear.FailureTypeURLProcessing,
			job.Data.URL, "", errMsg,
			map[string]string{"source": job.Data.Source}); err != nil {
			log.Errorw("nuclear record failed", "error", err)
		}
	}
	log.Warnw("job permanently failed", "error", errMsg)
	p.finishJob(ctx, log, job.ID, false, JobResult{"error": errMsg})
}

func (p *Pool) finishJob(ctx context.Context, log *zap.SugaredLogger, id string, ok bool, result JobResult) {
	var err error
	if ok {
		err = p.jobs.Complete(ctx, id, result)
	} else {
		err = p.jobs.Fail(ctx, id, result)
	}
	if err != nil {
		log.Errorw("failed to record job outcome", "error", err)
	}
}

// ProcessURL runs the fetch-and-store pipeline for one URL outside the job
// queue. The nuclear retry scheduler uses it for re-processing passes.
func (p *Pool) ProcessURL(ctx context.Context, url string) (bool, error) {
	if exists, err := p.content.HasFingerprint(ctx, shared.Fingerprint(url)); err == nil && exists {
		return true, nil
	}

	result := p.fetcher.Execute(ctx, url, p.cfg.PreferredStrategies)
	if !result.Success {
		return false, shared.NewFailure(shared.FailureUnknown, result.Error)
	}
	if err := p.content.Save(ctx, url, result.Title, result.Content,
		map[string]string{"strategy": result.Strategy}); err != nil {
		return false, err
	}
	return true, nil
}
