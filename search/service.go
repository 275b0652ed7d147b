package search

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"net/http"
	"net/url"
	"sync"
	"time"

	"go.uber.org/zap"

	"harvest/resilience"
	"harvest/shared"
)

// =============================================================================
// SEARCH FALLBACK SERVICE
// =============================================================================
//
// Last line of defense before the nuclear store: when the cascade cannot fetch
// a URL, search the web for an alternative copy. Completed requests act as a
// cache; urgent requests get one inline attempt; everything else drains
// through the persisted queue in a single background processor.
//
// Every API call runs inside the search-ops circuit breaker and consumes one
// unit of the daily quota.
//
// =============================================================================

// defaultEndpoint is the programmable search API.
const defaultEndpoint = "https://www.googleapis.com/customsearch/v1"

// rateLimitPause is how long the processor backs off after a 429.
const rateLimitPause = 60 * time.Second

// processorPanicPause is the restart delay after a drain panics.
const processorPanicPause = 30 * time.Second

// searchResponse is the wire shape of the search API result.
type searchResponse struct {
	Items []struct {
		Link string `json:"link"`
	} `json:"items"`
}

// Service answers "find me another URL for this" queries.
type Service struct {
	queue    *Queue
	limiter  *Limiter
	registry *resilience.Registry
	apiKey   string
	cx       string
	endpoint string
	client   *http.Client
	log      *zap.SugaredLogger

	sleep func(ctx context.Context, d time.Duration) error

	mu      sync.Mutex
	running bool
}

// NewService creates the fallback service. An empty apiKey disables the
// external call path; queries then queue up until a key is configured.
func NewService(queue *Queue, limiter *Limiter, registry *resilience.Registry,
	apiKey, cx string, timeout time.Duration, log *zap.SugaredLogger) *Service {

	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Service{
		queue:    queue,
		limiter:  limiter,
		registry: registry,
		apiKey:   apiKey,
		cx:       cx,
		endpoint: defaultEndpoint,
		client:   &http.Client{Timeout: timeout},
		log:      log.With("component", "search_service"),
		sleep:    sleepCtx,
	}
}

// Search resolves a query to an alternative URL. An empty return URL with a
// nil error means the request was queued for background processing.
func (s *Service) Search(ctx context.Context, query string, priority int) (string, error) {
	if cached, err := s.queue.CompletedResult(ctx, query); err != nil {
		return "", err
	} else if cached != "" {
		s.log.Debugw("search cache hit", "query", query)
		return cached, nil
	}

	if priority <= PriorityUrgent {
		found, err := s.searchOnce(ctx, query)
		if err == nil {
			return found, nil
		}
		s.log.Warnw("urgent inline search failed, queueing", "query", query, "error", err)
	}

	if _, err := s.queue.Enqueue(ctx, query, priority, 0, nil); err != nil {
		return "", err
	}
	s.StartProcessor(ctx)
	return "", nil
}

// searchOnce performs a single guarded API call and records the outcome.
func (s *Service) searchOnce(ctx context.Context, query string) (string, error) {
	if err := s.limiter.WaitIfNeeded(ctx); err != nil {
		return "", err
	}

	var found string
	err := s.registry.Breaker(resilience.ServiceSearchOps).Call(func() error {
		var callErr error
		found, callErr = s.apiCall(ctx, query)
		return callErr
	})

	success, failed := 0, 0
	if err != nil {
		failed = 1
	} else {
		success = 1
	}
	if statsErr := s.queue.RecordStats(ctx, 1, success, failed, 1); statsErr != nil {
		s.log.Warnw("failed to record search stats", "error", statsErr)
	}
	return found, err
}

// apiCall is one GET against the search endpoint, returning the first result
// link or "" when the query matched nothing.
func (s *Service) apiCall(ctx context.Context, query string) (string, error) {
	if s.apiKey == "" || s.cx == "" {
		return "", shared.NewFailure(shared.FailureUsageExhausted, "search api not configured")
	}

	q := url.Values{
		"key": {s.apiKey},
		"cx":  {s.cx},
		"q":   {fmt.Sprintf("%q", query)},
		"num": {"1"},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.endpoint+"?"+q.Encode(), nil)
	if err != nil {
		return "", shared.NewFailure(shared.FailureUnknown, fmt.Sprintf("build search request: %v", err))
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", shared.NewHTTPFailure(resp.StatusCode,
			fmt.Sprintf("search api returned %d", resp.StatusCode))
	}

	var parsed searchResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return "", shared.NewFailure(shared.FailureUnknown, fmt.Sprintf("decode search response: %v", err))
	}
	if len(parsed.Items) == 0 {
		return "", nil
	}
	return parsed.Items[0].Link, nil
}

// StartProcessor launches the background queue drain if it is not running.
func (s *Service) StartProcessor(ctx context.Context) {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return
	}
	s.running = true
	s.mu.Unlock()

	go func() {
		defer func() {
			s.mu.Lock()
			s.running = false
			s.mu.Unlock()
		}()
		for {
			if ctx.Err() != nil {
				return
			}
			if s.drainSafe(ctx) {
				return
			}
			if s.sleep(ctx, processorPanicPause) != nil {
				return
			}
		}
	}()
}

// drainSafe runs one queue drain, converting a panic into a restartable
// failure instead of killing the process.
func (s *Service) drainSafe(ctx context.Context) (done bool) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Errorw("search processor panicked, restarting", "panic", r)
			done = false
		}
	}()
	s.processQueue(ctx)
	return true
}

// processQueue drains the queue in priority-then-FIFO order.
func (s *Service) processQueue(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}

		req, err := s.queue.Dequeue(ctx)
		if err != nil {
			s.log.Errorw("search dequeue failed", "error", err)
			return
		}
		if req == nil {
			return
		}

		if err := s.processRequest(ctx, req); err != nil {
			// Exponential pause between failed requests keeps the processor
			// from hammering a struggling API.
			pause := time.Duration(math.Min(300, math.Pow(2, float64(req.Attempts+1)))) * time.Second
			if sleepErr := s.sleep(ctx, pause); sleepErr != nil {
				return
			}
		}
	}
}

// processRequest runs one claimed request to a terminal or requeued state.
// The retry manager wraps the API call under the search-ops policy, capped at
// the request's remaining attempt budget, so a transient failure burns retries
// instead of failing the request outright. Rate limits are excluded from the
// in-process retries; a 429 requeues the whole request after a pause.
func (s *Service) processRequest(ctx context.Context, req *Request) error {
	policy := s.registry.Policy(resilience.ServiceSearchOps)
	policy.RetryableKinds = []shared.FailureKind{
		shared.FailureNetwork, shared.FailureTimeout, shared.FailureServerError,
	}
	if remaining := req.MaxAttempts - req.Attempts; remaining > 0 {
		policy.MaxAttempts = remaining
	}

	var found string
	calls := 0
	err := s.registry.Manager().Execute(ctx, resilience.ServiceSearchOps, policy, func() error {
		calls++
		var callErr error
		found, callErr = s.searchOnce(ctx, req.Query)
		return callErr
	})

	switch {
	case err == nil && found != "":
		s.log.Infow("search found alternative", "query", req.Query, "url", found)
		return s.queue.MarkCompleted(ctx, req.ID, found)

	case err == nil:
		return s.queue.MarkFailed(ctx, req.ID, "no results", calls)

	case isRateLimited(err):
		s.log.Warnw("search rate limited, requeueing", "query", req.Query)
		if qErr := s.queue.MarkRateLimited(ctx, req.ID); qErr != nil {
			return qErr
		}
		if sleepErr := s.sleep(ctx, rateLimitPause); sleepErr != nil {
			return sleepErr
		}
		return err

	default:
		if qErr := s.queue.MarkFailed(ctx, req.ID, err.Error(), calls); qErr != nil {
			return qErr
		}
		return err
	}
}

// NuclearRetry resets every failed request and re-drains the queue.
func (s *Service) NuclearRetry(ctx context.Context) (int, error) {
	n, err := s.queue.ResetFailed(ctx)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		s.StartProcessor(ctx)
	}
	return n, nil
}

func isRateLimited(err error) bool {
	return shared.Classify(err) == shared.FailureRateLimited
}
