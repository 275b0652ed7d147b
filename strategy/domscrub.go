package strategy

import (
	"context"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"

	"harvest/shared"
)

// scriptPaywallWords flag inline scripts that implement client-side paywalls.
var scriptPaywallWords = []string{"paywall", "subscription", "premium", "auth", "login"}

// stylePaywallWords flag style blocks that blur or hide gated content.
var stylePaywallWords = []string{"paywall", "blur", "hidden"}

// JSDisabledStrategy simulates a browser with JavaScript off: fetch the page,
// drop the scripts that erect the client-side paywall, then extract.
type JSDisabledStrategy struct {
	meta     shared.StrategyMetadata
	fetcher  *httpFetcher
	minWords int
}

// NewJSDisabled creates the JS-disabled strategy.
func NewJSDisabled(timeout time.Duration, userAgent string, minWords int) *JSDisabledStrategy {
	if minWords <= 0 {
		minWords = 150
	}
	return &JSDisabledStrategy{
		meta: shared.StrategyMetadata{
			Name:            "js_disabled",
			Priority:        shared.PriorityMedium,
			Capabilities:    []shared.Capability{shared.CapPaywallBypass},
			BaseSuccessRate: 0.4,
			AvgResponseTime: 3.0,
		},
		fetcher:  newHTTPFetcher(timeout, userAgent),
		minWords: minWords,
	}
}

func (s *JSDisabledStrategy) Metadata() shared.StrategyMetadata { return s.meta }

func (s *JSDisabledStrategy) CanHandle(target string) bool { return true }

func (s *JSDisabledStrategy) Fetch(ctx context.Context, target string) *shared.FetchResult {
	start := time.Now()

	body, err := s.fetcher.get(ctx, target)
	if err != nil {
		return shared.FailureResult(target, s.meta.Name, err, time.Since(start))
	}

	cleaned := stripPaywallScripts(body)
	return readabilityResult(target, cleaned, s.meta.Name, s.minWords, start)
}

// DOMScrubStrategy removes known paywall overlay elements, suspicious style
// blocks, and paywall scripts before extraction.
type DOMScrubStrategy struct {
	meta      shared.StrategyMetadata
	selectors []string
	fetcher   *httpFetcher
	minWords  int
}

// NewDOMScrub creates the DOM-scrub strategy with the configured paywall
// selector set.
func NewDOMScrub(selectors []string, timeout time.Duration, userAgent string, minWords int) *DOMScrubStrategy {
	if minWords <= 0 {
		minWords = 150
	}
	return &DOMScrubStrategy{
		meta: shared.StrategyMetadata{
			Name:            "dom_scrub",
			Priority:        shared.PriorityMedium,
			Capabilities:    []shared.Capability{shared.CapPaywallBypass},
			BaseSuccessRate: 0.35,
			AvgResponseTime: 3.0,
		},
		selectors: selectors,
		fetcher:   newHTTPFetcher(timeout, userAgent),
		minWords:  minWords,
	}
}

func (s *DOMScrubStrategy) Metadata() shared.StrategyMetadata { return s.meta }

func (s *DOMScrubStrategy) CanHandle(target string) bool { return true }

func (s *DOMScrubStrategy) Fetch(ctx context.Context, target string) *shared.FetchResult {
	start := time.Now()

	body, err := s.fetcher.get(ctx, target)
	if err != nil {
		return shared.FailureResult(target, s.meta.Name, err, time.Since(start))
	}

	doc, err := goquery.NewDocumentFromReader(strings.NewReader(body))
	if err != nil {
		return readabilityResult(target, body, s.meta.Name, s.minWords, start)
	}

	for _, sel := range s.selectors {
		doc.Find(sel).Remove()
	}
	doc.Find("style").Each(func(_ int, style *goquery.Selection) {
		text := strings.ToLower(style.Text())
		for _, word := range stylePaywallWords {
			if strings.Contains(text, word) {
				style.Remove()
				return
			}
		}
	})
	removePaywallScripts(doc)

	cleaned, err := doc.Html()
	if err != nil {
		cleaned = body
	}
	return readabilityResult(target, cleaned, s.meta.Name, s.minWords, start)
}

// stripPaywallScripts removes paywall-flavored inline scripts from raw HTML.
func stripPaywallScripts(html string) string {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return html
	}
	removePaywallScripts(doc)
	out, err := doc.Html()
	if err != nil {
		return html
	}
	return out
}

func removePaywallScripts(doc *goquery.Document) {
	doc.Find("script").Each(func(_ int, script *goquery.Selection) {
		text := strings.ToLower(script.Text())
		for _, word := range scriptPaywallWords {
			if strings.Contains(text, word) {
				script.Remove()
				return
			}
		}
	})
}
