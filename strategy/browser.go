package strategy

import (
	"context"
	"time"

	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"harvest/analyzer"
	"harvest/shared"
)

// HeadlessBrowserStrategy renders the page in headless Chrome and captures
// the resulting DOM. It runs last in practice: launching a browser is heavy,
// and rendered DOM is only worth the cost when every cheaper strategy has
// struck out.
type HeadlessBrowserStrategy struct {
	meta    shared.StrategyMetadata
	timeout time.Duration
	log     *zap.SugaredLogger

	// render is swappable for tests; production uses chromedp.
	render func(ctx context.Context, target string) (string, error)
}

// browserSettleDelay lets late scripts finish mutating the DOM after
// domcontentloaded before we capture it.
const browserSettleDelay = 3 * time.Second

// NewHeadlessBrowser creates the browser strategy.
func NewHeadlessBrowser(timeout time.Duration, log *zap.SugaredLogger) *HeadlessBrowserStrategy {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	s := &HeadlessBrowserStrategy{
		meta: shared.StrategyMetadata{
			Name:            "headless_browser",
			Priority:        shared.PriorityFallback,
			Capabilities:    []shared.Capability{shared.CapJSRender, shared.CapPaywallBypass},
			BaseSuccessRate: 0.6,
			AvgResponseTime: 15.0,
		},
		timeout: timeout,
		log:     log.With("component", "strategy", "strategy", "headless_browser"),
	}
	s.render = s.chromeRender
	return s
}

func (s *HeadlessBrowserStrategy) Metadata() shared.StrategyMetadata { return s.meta }

func (s *HeadlessBrowserStrategy) CanHandle(target string) bool { return true }

func (s *HeadlessBrowserStrategy) Fetch(ctx context.Context, target string) *shared.FetchResult {
	start := time.Now()

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	html, err := s.render(ctx, target)
	if err != nil {
		return shared.FailureResult(target, s.meta.Name, err, time.Since(start))
	}
	if html == "" {
		return shared.FailureResult(target, s.meta.Name,
			shared.NewFailure(shared.FailureContentRejected, "empty rendered DOM"), time.Since(start))
	}

	return shared.SuccessResult(target, html, analyzer.ExtractTitle(html), s.meta.Name, time.Since(start))
}

func (s *HeadlessBrowserStrategy) chromeRender(ctx context.Context, target string) (string, error) {
	allocCtx, cancelAlloc := chromedp.NewExecAllocator(ctx, chromedp.DefaultExecAllocatorOptions[:]...)
	defer cancelAlloc()

	browserCtx, cancelBrowser := chromedp.NewContext(allocCtx)
	defer cancelBrowser()

	var html string
	err := chromedp.Run(browserCtx,
		chromedp.Navigate(target),
		chromedp.Sleep(browserSettleDelay),
		chromedp.OuterHTML("html", &html),
	)
	if err != nil {
		return "", err
	}
	return html, nil
}
