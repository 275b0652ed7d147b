package strategy

import (
	"context"
	"fmt"
	"time"

	"harvest/analyzer"
	"harvest/extract"
	"harvest/shared"
)

// ReaderModeStrategy fetches with a reader-bot user agent and returns only
// the readability extractor's summary. Pages that yield too few main-body
// words are rejected.
type ReaderModeStrategy struct {
	meta     shared.StrategyMetadata
	fetcher  *httpFetcher
	minWords int
}

// NewReaderMode creates the reader-mode strategy.
func NewReaderMode(timeout time.Duration, readerUserAgent string, minWords int) *ReaderModeStrategy {
	if readerUserAgent == "" {
		readerUserAgent = "Mozilla/5.0 (compatible; ReaderBot/1.0)"
	}
	if minWords <= 0 {
		minWords = 150
	}
	return &ReaderModeStrategy{
		meta: shared.StrategyMetadata{
			Name:            "reader_mode",
			Priority:        shared.PriorityHigh,
			Capabilities:    []shared.Capability{shared.CapBasicFetch, shared.CapPaywallBypass},
			BaseSuccessRate: 0.5,
			AvgResponseTime: 3.0,
		},
		fetcher:  newHTTPFetcher(timeout, readerUserAgent),
		minWords: minWords,
	}
}

func (s *ReaderModeStrategy) Metadata() shared.StrategyMetadata { return s.meta }

func (s *ReaderModeStrategy) CanHandle(target string) bool { return true }

func (s *ReaderModeStrategy) Fetch(ctx context.Context, target string) *shared.FetchResult {
	start := time.Now()

	body, err := s.fetcher.get(ctx, target)
	if err != nil {
		return shared.FailureResult(target, s.meta.Name, err, time.Since(start))
	}
	return readabilityResult(target, body, s.meta.Name, s.minWords, start)
}

// readabilityResult runs the extractor over HTML and builds the result shared
// by every readability-backed strategy.
func readabilityResult(target, html, strategyName string, minWords int, start time.Time) *shared.FetchResult {
	art, err := extract.FromHTML(html)
	if err != nil || art == nil {
		return shared.FailureResult(target, strategyName,
			shared.NewFailure(shared.FailureContentRejected, "extraction failed"), time.Since(start))
	}
	if art.WordCount < minWords {
		return shared.FailureResult(target, strategyName,
			shared.NewFailure(shared.FailureContentRejected,
				fmt.Sprintf("main body too short: %d words", art.WordCount)), time.Since(start))
	}

	title := art.Title
	if title == "" {
		title = analyzer.ExtractTitle(html)
	}
	result := shared.SuccessResult(target, art.Text, title, strategyName, time.Since(start))
	result.Metadata["word_count"] = fmt.Sprintf("%d", art.WordCount)
	return result
}
