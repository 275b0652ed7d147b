package strategy

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"time"

	"go.uber.org/zap"

	"harvest/analyzer"
	"harvest/shared"
)

// waybackAvailabilityURL is the web-archive availability API endpoint.
const waybackAvailabilityURL = "https://archive.org/wayback/available"

// minWaybackBodyBytes is the acceptance floor for snapshot bodies.
const minWaybackBodyBytes = 1000

// availabilityResponse is the wire shape of the availability API.
type availabilityResponse struct {
	ArchivedSnapshots struct {
		Closest struct {
			Available bool   `json:"available"`
			URL       string `json:"url"`
			Timestamp string `json:"timestamp"`
			Status    string `json:"status"`
		} `json:"closest"`
	} `json:"archived_snapshots"`
}

// WaybackStrategy fetches web-archive snapshots. In latest mode it takes the
// closest available snapshot; in multi-timeframe mode it walks a list of
// target timestamps from the present back ~15 years and accepts the first
// snapshot with a plausible body.
type WaybackStrategy struct {
	meta       shared.StrategyMetadata
	timeframes []string
	fetcher    *httpFetcher
	log        *zap.SugaredLogger

	// apiBase overrides the availability endpoint for tests.
	apiBase string
}

// NewWaybackLatest creates the closest-snapshot strategy.
func NewWaybackLatest(timeout time.Duration, userAgent string, log *zap.SugaredLogger) *WaybackStrategy {
	return newWayback("wayback_latest", nil, timeout, userAgent, log)
}

// NewWaybackTimeframes creates the multi-timeframe strategy. An empty
// timestamp means "closest to now".
func NewWaybackTimeframes(timeframes []string, timeout time.Duration, userAgent string, log *zap.SugaredLogger) *WaybackStrategy {
	if len(timeframes) == 0 {
		timeframes = []string{"", "20240101", "20220101", "20200101", "20180101", "20150101", "20120101", "20100101"}
	}
	return newWayback("wayback_timeframes", timeframes, timeout, userAgent, log)
}

func newWayback(name string, timeframes []string, timeout time.Duration, userAgent string, log *zap.SugaredLogger) *WaybackStrategy {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &WaybackStrategy{
		meta: shared.StrategyMetadata{
			Name:            name,
			Priority:        shared.PriorityLow,
			Capabilities:    []shared.Capability{shared.CapArchive},
			BaseSuccessRate: 0.4,
			AvgResponseTime: 8.0,
		},
		timeframes: timeframes,
		fetcher:    newHTTPFetcher(timeout, userAgent),
		log:        log.With("component", "strategy", "strategy", name),
		apiBase:    waybackAvailabilityURL,
	}
}

func (s *WaybackStrategy) Metadata() shared.StrategyMetadata { return s.meta }

func (s *WaybackStrategy) CanHandle(target string) bool { return true }

func (s *WaybackStrategy) Fetch(ctx context.Context, target string) *shared.FetchResult {
	start := time.Now()

	timeframes := s.timeframes
	if len(timeframes) == 0 {
		timeframes = []string{""}
	}

	var lastErr error
	for _, timestamp := range timeframes {
		snapshotURL, err := s.availability(ctx, target, timestamp)
		if err != nil {
			lastErr = err
			continue
		}
		if snapshotURL == "" {
			lastErr = shared.NewFailure(shared.FailureContentRejected,
				"no snapshot available for "+timestampLabel(timestamp))
			continue
		}

		body, err := s.fetcher.get(ctx, snapshotURL)
		if err != nil {
			lastErr = err
			continue
		}
		if len(body) <= minWaybackBodyBytes {
			lastErr = shared.NewFailure(shared.FailureContentRejected,
				fmt.Sprintf("snapshot too short (%d bytes)", len(body)))
			continue
		}

		result := shared.SuccessResult(target, body, analyzer.ExtractTitle(body), s.meta.Name, time.Since(start))
		result.Metadata["snapshot_url"] = snapshotURL
		if timestamp != "" {
			result.Metadata["timeframe"] = timestamp
		}
		return result
	}

	if lastErr == nil {
		lastErr = shared.NewFailure(shared.FailureUnknown, "wayback lookup produced nothing")
	}
	return shared.FailureResult(target, s.meta.Name, lastErr, time.Since(start))
}

// availability queries the archive for the snapshot closest to timestamp
// (empty = most recent) and returns its URL, or "" when none exists.
func (s *WaybackStrategy) availability(ctx context.Context, target, timestamp string) (string, error) {
	q := url.Values{"url": {target}}
	if timestamp != "" {
		q.Set("timestamp", timestamp)
	}

	body, err := s.fetcher.get(ctx, s.apiBase+"?"+q.Encode())
	if err != nil {
		return "", err
	}

	var avail availabilityResponse
	if err := json.Unmarshal([]byte(body), &avail); err != nil {
		return "", shared.NewFailure(shared.FailureUnknown, fmt.Sprintf("availability response: %v", err))
	}
	closest := avail.ArchivedSnapshots.Closest
	if !closest.Available || closest.URL == "" {
		return "", nil
	}
	return closest.URL, nil
}

func timestampLabel(timestamp string) string {
	if timestamp == "" {
		return "latest"
	}
	return timestamp
}
