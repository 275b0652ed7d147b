package extract

import (
	"strings"

	htmltomarkdown "github.com/JohannesKaufmann/html-to-markdown/v2"
	"github.com/PuerkitoBio/goquery"
)

// =============================================================================
// MAIN-CONTENT EXTRACTION
// =============================================================================
//
// Readability-style extraction: locate the main article container in a page,
// strip chrome, and render the remainder as markdown text.
//
// =============================================================================

// Article is the extracted main content of a page.
type Article struct {
	Title     string `json:"title"`
	Text      string `json:"text"`
	WordCount int    `json:"wordCount"`
}

// candidateSelectors are tried in order; the first match with a meaningful
// amount of text wins.
var candidateSelectors = []string{
	"article",
	"[role=main]",
	"main",
	"#content",
	".article-body",
	".post-content",
	".entry-content",
	".story-body",
}

// chromeSelectors are always removed before rendering.
var chromeSelectors = []string{
	"script", "style", "noscript", "iframe",
	"nav", "header", "footer", "aside",
	"form", ".comments", ".related", ".share", ".newsletter",
}

// FromHTML extracts the main article content from raw HTML. It never panics;
// unparseable input yields an empty article and a nil error so callers can
// treat it as a quality miss rather than a hard failure.
func FromHTML(html string) (*Article, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return &Article{}, nil
	}

	title := strings.TrimSpace(doc.Find("title").First().Text())
	if title == "" {
		title = strings.TrimSpace(doc.Find("h1").First().Text())
	}

	for _, sel := range chromeSelectors {
		doc.Find(sel).Remove()
	}

	body := pickCandidate(doc)
	inner, err := body.Html()
	if err != nil || strings.TrimSpace(inner) == "" {
		text := strings.TrimSpace(body.Text())
		return &Article{Title: title, Text: text, WordCount: Words(text)}, nil
	}

	text, err := htmltomarkdown.ConvertString(inner)
	if err != nil {
		text = body.Text()
	}
	text = strings.TrimSpace(text)

	return &Article{Title: title, Text: text, WordCount: Words(text)}, nil
}

func pickCandidate(doc *goquery.Document) *goquery.Selection {
	for _, sel := range candidateSelectors {
		found := doc.Find(sel).First()
		if found.Length() > 0 && Words(found.Text()) >= 40 {
			return found
		}
	}
	body := doc.Find("body").First()
	if body.Length() > 0 {
		return body
	}
	return doc.Selection
}

// Words counts whitespace-separated tokens.
func Words(s string) int {
	return len(strings.Fields(s))
}
