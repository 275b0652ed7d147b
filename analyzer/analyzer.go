package analyzer

import (
	"strings"

	"github.com/PuerkitoBio/goquery"

	"harvest/extract"
)

// =============================================================================
// CONTENT ANALYZER
// =============================================================================
//
// Pure quality gate over raw HTML. Decides whether a fetched page is usable
// article content or a paywall / truncation artifact. Checks run in a fixed
// order; the first hit is conclusive. Never panics: unparseable input is
// reported as acceptable so the cascade does not discard a working strategy
// over a parser quirk.
//
// =============================================================================

// Analysis is the outcome of the content-quality gate.
type Analysis struct {
	Truncated     bool   `json:"truncated"`
	LikelyPaywall bool   `json:"likelyPaywall"`
	Reason        string `json:"reason,omitempty"`
}

// Rejected reports whether the content failed the gate.
func (a Analysis) Rejected() bool {
	return a.Truncated || a.LikelyPaywall
}

// Config tunes the analyzer heuristics.
type Config struct {
	PaywallPhrases      []string
	PaywallSelectors    []string
	MinWordCount        int
	TitleRatioThreshold float64
}

// DefaultConfig mirrors the production defaults.
var DefaultConfig = Config{
	PaywallPhrases: []string{
		"subscribe to continue",
		"subscribe to read",
		"create a free account",
		"sign up to continue",
		"javascript required",
		"javascript is required",
		"enable javascript",
		"this content is for subscribers",
	},
	PaywallSelectors: []string{
		"[class*=paywall]",
		"[id*=paywall]",
		"[class*=subscription-wall]",
		"[class*=premium-content]",
		"[data-paywall]",
		"[data-require-auth]",
	},
	MinWordCount:        150,
	TitleRatioThreshold: 0.1,
}

var formLoginWords = []string{"login", "log in", "sign in", "subscribe", "register"}

// Analyzer evaluates fetched HTML against the paywall/truncation heuristics.
type Analyzer struct {
	cfg Config
}

// New creates an analyzer. A nil config uses the defaults; zero-valued
// thresholds are filled in from the defaults.
func New(cfg *Config) *Analyzer {
	c := DefaultConfig
	if cfg != nil {
		if len(cfg.PaywallPhrases) > 0 {
			c.PaywallPhrases = cfg.PaywallPhrases
		}
		if len(cfg.PaywallSelectors) > 0 {
			c.PaywallSelectors = cfg.PaywallSelectors
		}
		if cfg.MinWordCount > 0 {
			c.MinWordCount = cfg.MinWordCount
		}
		if cfg.TitleRatioThreshold > 0 {
			c.TitleRatioThreshold = cfg.TitleRatioThreshold
		}
	}
	return &Analyzer{cfg: c}
}

// Analyze runs the ordered heuristics against raw HTML.
func (a *Analyzer) Analyze(html string) Analysis {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return Analysis{}
	}

	fullText := doc.Text()
	lowerText := strings.ToLower(fullText)

	// 1. Paywall phrases anywhere in the text.
	for _, phrase := range a.cfg.PaywallPhrases {
		if strings.Contains(lowerText, phrase) {
			return Analysis{LikelyPaywall: true, Reason: "paywall phrase: " + phrase}
		}
	}

	// 2. Paywall selectors in the DOM.
	for _, sel := range a.cfg.PaywallSelectors {
		if doc.Find(sel).Length() > 0 {
			return Analysis{LikelyPaywall: true, Reason: "paywall selector: " + sel}
		}
	}

	// 3. Title dominates the content.
	title := strings.TrimSpace(doc.Find("title").First().Text())
	trimmed := strings.TrimSpace(fullText)
	if len(title) > 0 && len(trimmed) > 0 {
		if float64(len(title))/float64(len(trimmed)) > a.cfg.TitleRatioThreshold {
			return Analysis{Truncated: true, Reason: "title dominates content"}
		}
	}

	// 4. Login form near the top of the page.
	loginForm := false
	doc.Find("form").EachWithBreak(func(i int, form *goquery.Selection) bool {
		if i >= 3 {
			return false
		}
		formText := strings.ToLower(form.Text())
		for _, word := range formLoginWords {
			if strings.Contains(formText, word) {
				loginForm = true
				return false
			}
		}
		return true
	})
	if loginForm {
		return Analysis{LikelyPaywall: true, Reason: "login form present"}
	}

	// 5. Main-body word count below the floor.
	words := mainBodyWords(html, trimmed)
	if words < a.cfg.MinWordCount {
		return Analysis{Truncated: true, Reason: "main body too short"}
	}

	return Analysis{}
}

// mainBodyWords prefers the readability extractor's count, falling back to a
// raw text split when extraction yields nothing.
func mainBodyWords(html, rawText string) int {
	art, err := extract.FromHTML(html)
	if err == nil && art.WordCount > 0 {
		return art.WordCount
	}
	return extract.Words(rawText)
}

// ExtractTitle returns the page title: <title> first, then the first <h1>,
// else the literal "Untitled".
func ExtractTitle(html string) string {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return "Untitled"
	}
	if t := strings.TrimSpace(doc.Find("title").First().Text()); t != "" {
		return t
	}
	if h1 := strings.TrimSpace(doc.Find("h1").First().Text()); h1 != "" {
		return h1
	}
	return "Untitled"
}
