package strategy

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"harvest/analyzer"
	"harvest/shared"
)

// minProxyResponseBytes is the acceptance floor for proxied responses; proxy
// error pages are reliably shorter than real articles.
const minProxyResponseBytes = 1000

// BypassProxyStrategy iterates a configured list of paywall-bypass proxy URL
// templates (each a format string containing "{url}") until one returns a
// plausible body.
type BypassProxyStrategy struct {
	meta      shared.StrategyMetadata
	templates []string
	fetcher   *httpFetcher
	sleep     sleeper
	log       *zap.SugaredLogger
}

// NewBypassProxy creates the proxy strategy from URL templates.
func NewBypassProxy(templates []string, timeout time.Duration, userAgent string, log *zap.SugaredLogger) *BypassProxyStrategy {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &BypassProxyStrategy{
		meta: shared.StrategyMetadata{
			Name:            "bypass_proxy",
			Priority:        shared.PriorityHigh,
			Capabilities:    []shared.Capability{shared.CapPaywallBypass},
			BaseSuccessRate: 0.4,
			AvgResponseTime: 6.0,
			RateLimitDelay:  2.0,
		},
		templates: templates,
		fetcher:   newHTTPFetcher(timeout, userAgent),
		sleep:     realSleep,
		log:       log.With("component", "strategy", "strategy", "bypass_proxy"),
	}
}

func (s *BypassProxyStrategy) Metadata() shared.StrategyMetadata { return s.meta }

func (s *BypassProxyStrategy) CanHandle(target string) bool {
	return len(s.templates) > 0
}

func (s *BypassProxyStrategy) Fetch(ctx context.Context, target string) *shared.FetchResult {
	start := time.Now()
	var lastErr error

	for _, tmpl := range s.templates {
		proxied := strings.ReplaceAll(tmpl, "{url}", target)

		// Politeness delay keeps bypass hosts from banning us outright.
		if err := s.sleep(ctx, randomDelay(2*time.Second, 5*time.Second)); err != nil {
			return shared.FailureResult(target, s.meta.Name, err, time.Since(start))
		}

		body, err := s.fetcher.get(ctx, proxied)
		if err != nil {
			s.log.Debugw("proxy attempt failed", "proxy", tmpl, "error", err)
			lastErr = err
			continue
		}
		if len(body) <= minProxyResponseBytes {
			lastErr = shared.NewFailure(shared.FailureContentRejected,
				fmt.Sprintf("proxy response too short (%d bytes)", len(body)))
			continue
		}

		result := shared.SuccessResult(target, body, analyzer.ExtractTitle(body), s.meta.Name, time.Since(start))
		result.Metadata["proxy"] = tmpl
		return result
	}

	if lastErr == nil {
		lastErr = shared.NewFailure(shared.FailureUnknown, "no bypass proxies configured")
	}
	return shared.FailureResult(target, s.meta.Name, lastErr, time.Since(start))
}
