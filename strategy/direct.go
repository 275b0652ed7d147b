package strategy

import (
	"context"
	"time"

	"harvest/analyzer"
	"harvest/shared"
)

// DirectStrategy is a plain HTTP GET with a desktop user agent. It also backs
// the search-engine-bot spoof, which differs only in name, priority, and
// user-agent string.
type DirectStrategy struct {
	meta    shared.StrategyMetadata
	fetcher *httpFetcher
}

// NewDirect creates the standard direct-fetch strategy.
func NewDirect(timeout time.Duration, userAgent string) *DirectStrategy {
	return &DirectStrategy{
		meta: shared.StrategyMetadata{
			Name:            "direct",
			Priority:        shared.PriorityHighest,
			Capabilities:    []shared.Capability{shared.CapBasicFetch},
			BaseSuccessRate: 0.7,
			AvgResponseTime: 2.0,
		},
		fetcher: newHTTPFetcher(timeout, userAgent),
	}
}

// NewGooglebotSpoof creates a direct fetch that presents a Googlebot
// user-agent; some paywalls serve full content to crawlers.
func NewGooglebotSpoof(timeout time.Duration, botUserAgent string) *DirectStrategy {
	if botUserAgent == "" {
		botUserAgent = "Mozilla/5.0 (compatible; Googlebot/2.1; +http://www.google.com/bot.html)"
	}
	return &DirectStrategy{
		meta: shared.StrategyMetadata{
			Name:            "googlebot_spoof",
			Priority:        shared.PriorityHigh,
			Capabilities:    []shared.Capability{shared.CapBasicFetch, shared.CapPaywallBypass},
			BaseSuccessRate: 0.5,
			AvgResponseTime: 2.0,
		},
		fetcher: newHTTPFetcher(timeout, botUserAgent),
	}
}

func (s *DirectStrategy) Metadata() shared.StrategyMetadata { return s.meta }

func (s *DirectStrategy) CanHandle(target string) bool {
	return canHandleDomains(target, s.meta.SupportedDomains)
}

func (s *DirectStrategy) Fetch(ctx context.Context, target string) *shared.FetchResult {
	start := time.Now()

	body, err := s.fetcher.get(ctx, target)
	if err != nil {
		return shared.FailureResult(target, s.meta.Name, err, time.Since(start))
	}
	if body == "" {
		return shared.FailureResult(target, s.meta.Name,
			shared.NewFailure(shared.FailureContentRejected, "empty response body"), time.Since(start))
	}

	return shared.SuccessResult(target, body, analyzer.ExtractTitle(body), s.meta.Name, time.Since(start))
}
