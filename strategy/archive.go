package strategy

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"harvest/analyzer"
	"harvest/shared"
)

// ArchiveMirrorStrategy looks up article snapshots on archive.today-style
// mirrors. Mirrors are tried in order; the first mirror additionally gets a
// snapshot submission when no existing capture is found. HTTP 429 from a
// mirror skips straight to the next one.
type ArchiveMirrorStrategy struct {
	meta    shared.StrategyMetadata
	mirrors []string
	fetcher *httpFetcher
	sleep   sleeper
	log     *zap.SugaredLogger

	// baseURL rewrites mirror hosts for tests; empty means https://{mirror}.
	baseURL func(mirror string) string
}

// NewArchiveMirror creates the mirror strategy. Default mirrors cover the
// archive.today family.
func NewArchiveMirror(mirrors []string, timeout time.Duration, userAgent string, log *zap.SugaredLogger) *ArchiveMirrorStrategy {
	if len(mirrors) == 0 {
		mirrors = []string{"archive.today", "archive.is", "archive.li", "archive.fo", "archive.ph"}
	}
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &ArchiveMirrorStrategy{
		meta: shared.StrategyMetadata{
			Name:            "archive_mirror",
			Priority:        shared.PriorityMedium,
			Capabilities:    []shared.Capability{shared.CapArchive, shared.CapPaywallBypass},
			BaseSuccessRate: 0.45,
			AvgResponseTime: 10.0,
			RateLimitDelay:  1.0,
		},
		mirrors: mirrors,
		fetcher: newHTTPFetcher(timeout, userAgent),
		sleep:   realSleep,
		log:     log.With("component", "strategy", "strategy", "archive_mirror"),
		baseURL: func(mirror string) string { return "https://" + mirror },
	}
}

func (s *ArchiveMirrorStrategy) Metadata() shared.StrategyMetadata { return s.meta }

func (s *ArchiveMirrorStrategy) CanHandle(target string) bool { return true }

func (s *ArchiveMirrorStrategy) Fetch(ctx context.Context, target string) *shared.FetchResult {
	start := time.Now()
	var lastErr error

	for i, mirror := range s.mirrors {
		if err := s.sleep(ctx, randomDelay(1*time.Second, 3*time.Second)); err != nil {
			return shared.FailureResult(target, s.meta.Name, err, time.Since(start))
		}

		body, err := s.lookup(ctx, mirror, target)
		if err == nil {
			result := shared.SuccessResult(target, body, analyzer.ExtractTitle(body), s.meta.Name, time.Since(start))
			result.Metadata["mirror"] = mirror
			return result
		}
		lastErr = err

		if isRateLimited(err) {
			s.log.Debugw("mirror rate limited, skipping", "mirror", mirror)
			continue
		}

		// Only the first mirror gets a submission; duplicating submissions
		// across mirrors just multiplies the crawl load.
		if i == 0 {
			if submitErr := s.submit(ctx, mirror, target); submitErr == nil {
				if err := s.sleep(ctx, 5*time.Second); err != nil {
					return shared.FailureResult(target, s.meta.Name, err, time.Since(start))
				}
				body, err = s.lookup(ctx, mirror, target)
				if err == nil {
					result := shared.SuccessResult(target, body, analyzer.ExtractTitle(body), s.meta.Name, time.Since(start))
					result.Metadata["mirror"] = mirror
					result.Metadata["submitted"] = "true"
					return result
				}
				lastErr = err
			}
		}
	}

	if lastErr == nil {
		lastErr = shared.NewFailure(shared.FailureUnknown, "no archive mirrors configured")
	}
	return shared.FailureResult(target, s.meta.Name, lastErr, time.Since(start))
}

// lookup fetches the newest snapshot for target from one mirror. A response
// that redirected off the mirror is the mirror's "no capture" interstitial.
func (s *ArchiveMirrorStrategy) lookup(ctx context.Context, mirror, target string) (string, error) {
	lookupURL := s.baseURL(mirror) + "/newest/" + target

	body, finalURL, err := s.fetcher.getFull(ctx, lookupURL)
	if err != nil {
		return "", err
	}

	final, parseErr := url.Parse(finalURL)
	if parseErr != nil || !strings.Contains(strings.ToLower(final.Hostname()), mirrorRoot(mirror)) {
		return "", shared.NewFailure(shared.FailureContentRejected,
			fmt.Sprintf("no snapshot on %s", mirror))
	}
	if len(body) < 500 {
		return "", shared.NewFailure(shared.FailureContentRejected,
			fmt.Sprintf("snapshot too short on %s", mirror))
	}
	return body, nil
}

// submit asks a mirror to capture the URL.
func (s *ArchiveMirrorStrategy) submit(ctx context.Context, mirror, target string) error {
	form := url.Values{"url": {target}}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		s.baseURL(mirror)+"/submit/", strings.NewReader(form.Encode()))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("User-Agent", s.fetcher.userAgent)

	resp, err := s.fetcher.client.Do(req)
	if err != nil {
		return err
	}
	resp.Body.Close()

	if resp.StatusCode >= 400 {
		return shared.NewHTTPFailure(resp.StatusCode,
			fmt.Sprintf("submit to %s returned %d", mirror, resp.StatusCode))
	}
	s.log.Debugw("submitted url for archiving", "mirror", mirror)
	return nil
}

// mirrorRoot maps "archive.today" to "archive" so snapshot hosts like
// "archive.ph" still count as on-mirror after cross-domain redirects.
func mirrorRoot(mirror string) string {
	if idx := strings.Index(mirror, "."); idx > 0 {
		return mirror[:idx]
	}
	return mirror
}

func isRateLimited(err error) bool {
	var failure *shared.Failure
	if errors.As(err, &failure) {
		return failure.Kind == shared.FailureRateLimited
	}
	return false
}
