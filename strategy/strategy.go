package strategy

import (
	"context"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"net/url"
	"strings"
	"time"

	"harvest/shared"
)

// =============================================================================
// STRATEGY CONTRACT
// =============================================================================
//
// A Strategy is one tactic for retrieving article HTML from a URL. Strategies
// are plain values behind a single contract; the cascade stores them in an
// ordered list. There is no base-type behavior beyond the shared fetch
// signature.
//
// Strategies never panic or leak errors across the fetch boundary: internal
// failures become FetchResult{Success: false, Error: message}.
//
// =============================================================================

// Strategy is the uniform fetch contract.
type Strategy interface {
	// Metadata describes the strategy to the cascade.
	Metadata() shared.StrategyMetadata

	// CanHandle reports whether this strategy applies to the URL. The default
	// is true unless the strategy lists supported domain suffixes.
	CanHandle(target string) bool

	// Fetch attempts to retrieve the URL and returns a result, never an
	// unclassified error.
	Fetch(ctx context.Context, target string) *shared.FetchResult
}

// DefaultUserAgent is used when no user agent is configured.
const DefaultUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0 Safari/537.36"

// canHandleDomains implements the default CanHandle rule over a suffix list.
func canHandleDomains(target string, suffixes []string) bool {
	if len(suffixes) == 0 {
		return true
	}
	u, err := url.Parse(target)
	if err != nil {
		return false
	}
	host := strings.ToLower(u.Hostname())
	for _, suffix := range suffixes {
		suffix = strings.ToLower(strings.TrimPrefix(suffix, "."))
		if host == suffix || strings.HasSuffix(host, "."+suffix) {
			return true
		}
	}
	return false
}

// =============================================================================
// SHARED HTTP PLUMBING
// =============================================================================

// httpFetcher is the shared HTTP GET used by most strategies.
type httpFetcher struct {
	client    *http.Client
	userAgent string

	// maxBody caps the number of response bytes read (0 = unlimited).
	maxBody int64
}

func newHTTPFetcher(timeout time.Duration, userAgent string) *httpFetcher {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	if userAgent == "" {
		userAgent = DefaultUserAgent
	}
	return &httpFetcher{
		client:    &http.Client{Timeout: timeout},
		userAgent: userAgent,
	}
}

// get performs a GET following redirects and returns the body. Non-2xx
// responses are classified failures.
func (f *httpFetcher) get(ctx context.Context, target string) (string, error) {
	body, _, err := f.getFull(ctx, target)
	return body, err
}

// getFull is get plus the post-redirect final URL.
func (f *httpFetcher) getFull(ctx context.Context, target string) (string, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return "", "", shared.NewFailure(shared.FailureUnknown, fmt.Sprintf("build request: %v", err))
	}
	req.Header.Set("User-Agent", f.userAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8")
	req.Header.Set("Accept-Language", "en-US,en;q=0.9")

	resp, err := f.client.Do(req)
	if err != nil {
		return "", "", err
	}
	defer resp.Body.Close()

	finalURL := target
	if resp.Request != nil && resp.Request.URL != nil {
		finalURL = resp.Request.URL.String()
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", finalURL, shared.NewHTTPFailure(resp.StatusCode,
			fmt.Sprintf("GET %s returned %d", target, resp.StatusCode))
	}

	var reader io.Reader = resp.Body
	if f.maxBody > 0 {
		reader = io.LimitReader(resp.Body, f.maxBody)
	}
	body, err := io.ReadAll(reader)
	if err != nil {
		// A capped or timed-out read may still carry a usable partial body.
		if len(body) > 0 {
			return string(body), finalURL, nil
		}
		return "", finalURL, err
	}
	return string(body), finalURL, nil
}

// sleeper abstracts the politeness delays so tests run instantly.
type sleeper func(ctx context.Context, d time.Duration) error

func realSleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// randomDelay picks a uniform duration in [min, max].
func randomDelay(min, max time.Duration) time.Duration {
	if max <= min {
		return min
	}
	return min + time.Duration(rand.Int63n(int64(max-min)))
}
