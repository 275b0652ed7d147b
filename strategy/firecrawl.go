package strategy

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"harvest/shared"
)

// firecrawlEndpoint is the AI extractor scrape API.
const firecrawlEndpoint = "https://api.firecrawl.dev/v0/scrape"

// scrapeRequest is the wire shape of a scrape call.
type scrapeRequest struct {
	URL         string   `json:"url"`
	Formats     []string `json:"formats"`
	IncludeTags []string `json:"includeTags,omitempty"`
	ExcludeTags []string `json:"excludeTags,omitempty"`
	WaitFor     int      `json:"waitFor,omitempty"`
	Timeout     int      `json:"timeout,omitempty"`
}

// scrapeResponse is the wire shape of a scrape result.
type scrapeResponse struct {
	Success bool `json:"success"`
	Data    struct {
		Markdown string `json:"markdown"`
		HTML     string `json:"html"`
		Metadata struct {
			Title string `json:"title"`
		} `json:"metadata"`
	} `json:"data"`
}

// usageCounter is the persisted monthly budget document.
type usageCounter struct {
	Month string `json:"month"`
	Used  int    `json:"used"`
}

// FirecrawlStrategy extracts articles through the hosted AI extractor under a
// strict persisted monthly ceiling. The counter increments on every call
// attempt, success or failure; once the ceiling is reached the strategy
// reports usage-exhausted and the cascade skips it.
//
// Disabled by default: it only activates when an API key is configured and
// the monthly limit is positive.
type FirecrawlStrategy struct {
	meta         shared.StrategyMetadata
	apiKey       string
	monthlyLimit int
	endpoint     string
	client       *http.Client
	usageFile    string
	log          *zap.SugaredLogger

	mu    sync.Mutex
	usage usageCounter

	now func() time.Time
}

// NewFirecrawl creates the AI-extractor strategy. dataDir persists the usage
// counter across restarts.
func NewFirecrawl(apiKey string, monthlyLimit int, dataDir string, timeout time.Duration, log *zap.SugaredLogger) *FirecrawlStrategy {
	if monthlyLimit <= 0 {
		monthlyLimit = 500
	}
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	if log == nil {
		log = zap.NewNop().Sugar()
	}

	s := &FirecrawlStrategy{
		meta: shared.StrategyMetadata{
			Name:            "firecrawl",
			Priority:        shared.PriorityFallback,
			Capabilities:    []shared.Capability{shared.CapAIExtract, shared.CapRateLimited},
			BaseSuccessRate: 0.75,
			AvgResponseTime: 12.0,
			HasUsageLimits:  true,
		},
		apiKey:       apiKey,
		monthlyLimit: monthlyLimit,
		endpoint:     firecrawlEndpoint,
		client:       &http.Client{Timeout: timeout},
		log:          log.With("component", "strategy", "strategy", "firecrawl"),
		now:          time.Now,
	}
	if dataDir != "" {
		s.usageFile = filepath.Join(dataDir, "firecrawl_usage.json")
		if err := shared.ReadJSON(s.usageFile, &s.usage); err != nil {
			s.log.Warnw("failed to load usage counter", "error", err)
		}
	}
	return s
}

func (s *FirecrawlStrategy) Metadata() shared.StrategyMetadata {
	meta := s.meta
	remaining := s.Remaining()
	meta.RemainingUsage = &remaining
	return meta
}

func (s *FirecrawlStrategy) CanHandle(target string) bool {
	return s.apiKey != ""
}

// Remaining returns the unused portion of this month's budget.
func (s *FirecrawlStrategy) Remaining() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rolloverLocked()
	remaining := s.monthlyLimit - s.usage.Used
	if remaining < 0 {
		remaining = 0
	}
	return remaining
}

// Exhausted reports whether the monthly ceiling has been reached.
func (s *FirecrawlStrategy) Exhausted() bool {
	return s.Remaining() <= 0
}

func (s *FirecrawlStrategy) Fetch(ctx context.Context, target string) *shared.FetchResult {
	start := time.Now()

	if s.apiKey == "" {
		return shared.FailureResult(target, s.meta.Name,
			shared.NewFailure(shared.FailureUsageExhausted, "firecrawl not configured"), time.Since(start))
	}
	if !s.consume() {
		return shared.FailureResult(target, s.meta.Name,
			shared.NewFailure(shared.FailureUsageExhausted,
				fmt.Sprintf("monthly budget of %d exhausted", s.monthlyLimit)), time.Since(start))
	}

	resp, err := s.scrape(ctx, target)
	if err != nil {
		return shared.FailureResult(target, s.meta.Name, err, time.Since(start))
	}

	content := resp.Data.Markdown
	if content == "" {
		content = resp.Data.HTML
	}
	if !resp.Success || content == "" {
		return shared.FailureResult(target, s.meta.Name,
			shared.NewFailure(shared.FailureContentRejected, "extractor returned no content"), time.Since(start))
	}

	result := shared.SuccessResult(target, content, resp.Data.Metadata.Title, s.meta.Name, time.Since(start))
	result.Metadata["extractor"] = "firecrawl"
	return result
}

func (s *FirecrawlStrategy) scrape(ctx context.Context, target string) (*scrapeResponse, error) {
	payload, err := json.Marshal(scrapeRequest{
		URL:         target,
		Formats:     []string{"markdown", "html"},
		IncludeTags: []string{"article", "main", "p", "h1", "h2", "h3"},
		ExcludeTags: []string{"nav", "footer", "aside", "script"},
		WaitFor:     2000,
		Timeout:     30000,
	})
	if err != nil {
		return nil, shared.NewFailure(shared.FailureUnknown, fmt.Sprintf("marshal scrape request: %v", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, shared.NewFailure(shared.FailureUnknown, fmt.Sprintf("build scrape request: %v", err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+s.apiKey)

	httpResp, err := s.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode < 200 || httpResp.StatusCode > 299 {
		return nil, shared.NewHTTPFailure(httpResp.StatusCode,
			fmt.Sprintf("scrape returned %d", httpResp.StatusCode))
	}

	var resp scrapeResponse
	if err := json.NewDecoder(httpResp.Body).Decode(&resp); err != nil {
		return nil, shared.NewFailure(shared.FailureUnknown, fmt.Sprintf("decode scrape response: %v", err))
	}
	return &resp, nil
}

// consume spends one unit of the monthly budget. It returns false, without
// spending, when the budget is already gone.
func (s *FirecrawlStrategy) consume() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.rolloverLocked()
	if s.usage.Used >= s.monthlyLimit {
		return false
	}
	s.usage.Used++
	s.persistLocked()
	return true
}

// rolloverLocked resets the counter when the month changes.
func (s *FirecrawlStrategy) rolloverLocked() {
	month := s.now().UTC().Format("2006-01")
	if s.usage.Month != month {
		s.usage = usageCounter{Month: month}
	}
}

func (s *FirecrawlStrategy) persistLocked() {
	if s.usageFile == "" {
		return
	}
	if err := shared.WriteJSONAtomic(s.usageFile, s.usage); err != nil {
		s.log.Warnw("failed to persist usage counter", "error", err)
	}
}
