package strategy

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func gatedArticleHTML() string {
	var b strings.Builder
	b.WriteString("<html><head><title>Ok</title>")
	b.WriteString("<script>window.paywall = {enabled: true};</script>")
	b.WriteString("<style>.gated { filter: blur(5px); }</style>")
	b.WriteString("</head><body>")
	b.WriteString(`<div class="overlay-wall">Members only</div>`)
	b.WriteString("<article>")
	for i := 0; i < 20; i++ {
		b.WriteString("<p>lorem ipsum dolor sit amet consectetur adipiscing elit sed do eiusmod tempor incididunt</p>")
	}
	b.WriteString("</article></body></html>")
	return b.String()
}

func TestJSDisabledStripsPaywallScripts(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, gatedArticleHTML())
	}))
	defer srv.Close()

	result := NewJSDisabled(5*time.Second, "", 150).Fetch(context.Background(), srv.URL)
	if !result.Success {
		t.Fatalf("fetch failed: %s", result.Error)
	}
	if strings.Contains(result.Content, "window.paywall") {
		t.Fatal("paywall script text leaked into the extracted content")
	}
}

func TestDOMScrubRemovesOverlaysAndStyles(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, gatedArticleHTML())
	}))
	defer srv.Close()

	s := NewDOMScrub([]string{".overlay-wall"}, 5*time.Second, "", 150)
	result := s.Fetch(context.Background(), srv.URL)
	if !result.Success {
		t.Fatalf("fetch failed: %s", result.Error)
	}
	if strings.Contains(result.Content, "Members only") {
		t.Fatal("overlay text survived the scrub")
	}
}

func TestStripPaywallScriptsKeepsHarmlessScripts(t *testing.T) {
	html := "<html><body><script>console.log('analytics');</script><script>showPaywall();</script><p>body</p></body></html>"
	out := stripPaywallScripts(html)
	if !strings.Contains(out, "analytics") {
		t.Fatal("harmless script was removed")
	}
	if strings.Contains(out, "showPaywall") {
		t.Fatal("paywall script survived")
	}
}
