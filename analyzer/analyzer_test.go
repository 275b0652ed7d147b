package analyzer

import (
	"strings"
	"testing"
)

func pageWithBody(body string) string {
	return "<html><head><title>T</title></head><body><article>" + body + "</article></body></html>"
}

func longArticle(words int) string {
	return pageWithBody("<p>" + strings.Repeat("word ", words) + "</p>")
}

func TestAnalyze_AcceptsNormalArticle(t *testing.T) {
	a := New(nil)
	res := a.Analyze(longArticle(400))
	if res.Rejected() {
		t.Errorf("normal article rejected: %+v", res)
	}
}

func TestAnalyze_PaywallPhrase(t *testing.T) {
	a := New(nil)
	html := pageWithBody("<p>" + strings.Repeat("word ", 400) + " Subscribe to continue reading.</p>")
	res := a.Analyze(html)
	if !res.LikelyPaywall {
		t.Errorf("paywall phrase not detected: %+v", res)
	}
}

func TestAnalyze_PaywallSelector(t *testing.T) {
	a := New(nil)
	html := pageWithBody(`<div class="paywall-overlay"></div><p>` + strings.Repeat("word ", 400) + "</p>")
	res := a.Analyze(html)
	if !res.LikelyPaywall {
		t.Errorf("paywall selector not detected: %+v", res)
	}
}

func TestAnalyze_TitleDominatesContent(t *testing.T) {
	a := New(nil)
	html := "<html><head><title>A Very Long And Descriptive Article Title Here</title></head>" +
		"<body><p>tiny body</p></body></html>"
	res := a.Analyze(html)
	if !res.Truncated {
		t.Errorf("title-dominant page not flagged truncated: %+v", res)
	}
}

func TestAnalyze_LoginForm(t *testing.T) {
	a := New(nil)
	html := pageWithBody(`<form><label>Sign in</label><input name="user"></form><p>` +
		strings.Repeat("word ", 400) + "</p>")
	res := a.Analyze(html)
	if !res.LikelyPaywall {
		t.Errorf("login form not detected: %+v", res)
	}
}

func TestAnalyze_ShortContentTruncated(t *testing.T) {
	a := New(nil)
	res := a.Analyze(longArticle(30))
	if !res.Truncated {
		t.Errorf("short content not flagged truncated: %+v", res)
	}
}

func TestAnalyze_UnparseableInput(t *testing.T) {
	a := New(nil)
	res := a.Analyze("")
	// Empty input trips the short-content floor, never the paywall checks,
	// and must not panic.
	if res.LikelyPaywall {
		t.Errorf("empty input flagged as paywall: %+v", res)
	}
}

func TestExtractTitle(t *testing.T) {
	cases := []struct {
		html string
		want string
	}{
		{"<html><head><title>From Title</title></head><body><h1>From H1</h1></body></html>", "From Title"},
		{"<html><body><h1>From H1</h1></body></html>", "From H1"},
		{"<html><body><p>nothing</p></body></html>", "Untitled"},
	}
	for _, c := range cases {
		if got := ExtractTitle(c.html); got != c.want {
			t.Errorf("ExtractTitle = %q, want %q", got, c.want)
		}
	}
}
