package strategy

import (
	"context"
	"time"

	"harvest/shared"
)

// PartialLoadStrategy fetches with an aggressive timeout and byte cap, then
// extracts from whatever arrived. Many paywalled pages ship the full article
// in the initial HTML and only gate it with late-loading scripts, so the
// first 100 kB is often enough.
type PartialLoadStrategy struct {
	meta     shared.StrategyMetadata
	fetcher  *httpFetcher
	minWords int
}

const (
	partialLoadTimeout = 3 * time.Second
	partialLoadMaxBody = 100 * 1024
)

// NewPartialLoad creates the partial-load strategy.
func NewPartialLoad(userAgent string, minWords int) *PartialLoadStrategy {
	if minWords <= 0 {
		minWords = 150
	}
	f := newHTTPFetcher(partialLoadTimeout, userAgent)
	f.maxBody = partialLoadMaxBody
	return &PartialLoadStrategy{
		meta: shared.StrategyMetadata{
			Name:            "partial_load",
			Priority:        shared.PriorityMedium,
			Capabilities:    []shared.Capability{shared.CapPaywallBypass},
			BaseSuccessRate: 0.3,
			AvgResponseTime: 2.0,
		},
		fetcher:  f,
		minWords: minWords,
	}
}

func (s *PartialLoadStrategy) Metadata() shared.StrategyMetadata { return s.meta }

func (s *PartialLoadStrategy) CanHandle(target string) bool { return true }

func (s *PartialLoadStrategy) Fetch(ctx context.Context, target string) *shared.FetchResult {
	start := time.Now()

	// getFull keeps a partial body received before a mid-read timeout, which
	// is exactly the acceptance rule here.
	body, err := s.fetcher.get(ctx, target)
	if err != nil && body == "" {
		return shared.FailureResult(target, s.meta.Name, err, time.Since(start))
	}
	return readabilityResult(target, body, s.meta.Name, s.minWords, start)
}
