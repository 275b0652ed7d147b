package strategy

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

// noSleep replaces the politeness delays in tests.
func noSleep(ctx context.Context, d time.Duration) error { return ctx.Err() }

func TestDirectFetchServesBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, goodArticleHTML())
	}))
	defer srv.Close()

	result := NewDirect(5*time.Second, "").Fetch(context.Background(), srv.URL)
	if !result.Success {
		t.Fatalf("fetch failed: %s", result.Error)
	}
	if result.Title != "Ok" {
		t.Fatalf("title = %q, want Ok", result.Title)
	}
	if result.Strategy != "direct" || result.Method != "direct" {
		t.Fatalf("strategy/method = %q/%q", result.Strategy, result.Method)
	}
}

func TestDirectFetchReportsHTTPStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "gone", http.StatusNotFound)
	}))
	defer srv.Close()

	result := NewDirect(5*time.Second, "").Fetch(context.Background(), srv.URL)
	if result.Success {
		t.Fatal("expected failure on 404")
	}
	if !strings.Contains(result.Error, "404") {
		t.Fatalf("error = %q, want the status code in it", result.Error)
	}
}

func TestGooglebotSpoofSendsBotUserAgent(t *testing.T) {
	var gotUA atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotUA.Store(r.UserAgent())
		fmt.Fprint(w, goodArticleHTML())
	}))
	defer srv.Close()

	result := NewGooglebotSpoof(5*time.Second, "").Fetch(context.Background(), srv.URL)
	if !result.Success {
		t.Fatalf("fetch failed: %s", result.Error)
	}
	if ua, _ := gotUA.Load().(string); !strings.Contains(ua, "Googlebot") {
		t.Fatalf("user agent = %q, want a Googlebot string", ua)
	}
}

func TestBypassProxySkipsShortResponses(t *testing.T) {
	short := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "<html>error</html>")
	}))
	defer short.Close()
	full := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, goodArticleHTML())
	}))
	defer full.Close()

	s := NewBypassProxy([]string{short.URL + "?u={url}", full.URL + "?u={url}"}, 5*time.Second, "", nil)
	s.sleep = noSleep

	result := s.Fetch(context.Background(), "https://example.com/article")
	if !result.Success {
		t.Fatalf("fetch failed: %s", result.Error)
	}
	if !strings.HasPrefix(result.Metadata["proxy"], full.URL) {
		t.Fatalf("proxy = %q, want the second template", result.Metadata["proxy"])
	}
}

func TestBypassProxyWithoutTemplatesCannotHandle(t *testing.T) {
	s := NewBypassProxy(nil, 5*time.Second, "", nil)
	if s.CanHandle("https://example.com") {
		t.Fatal("no templates configured, CanHandle must be false")
	}
}

func TestArchiveMirrorReturnsSnapshot(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, goodArticleHTML())
	}))
	defer srv.Close()

	s := NewArchiveMirror([]string{"127.0.0.1"}, 5*time.Second, "", nil)
	s.sleep = noSleep
	s.baseURL = func(string) string { return srv.URL }

	result := s.Fetch(context.Background(), "https://example.com/article")
	if !result.Success {
		t.Fatalf("fetch failed: %s", result.Error)
	}
	if result.Metadata["mirror"] != "127.0.0.1" {
		t.Fatalf("mirror = %q", result.Metadata["mirror"])
	}
}

func TestArchiveMirrorSubmitsWhenNoSnapshot(t *testing.T) {
	var lookups, submits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			submits.Add(1)
			return
		}
		// First lookup finds nothing; after submission a snapshot exists.
		if lookups.Add(1) == 1 {
			fmt.Fprint(w, "<html>not archived</html>")
			return
		}
		fmt.Fprint(w, goodArticleHTML())
	}))
	defer srv.Close()

	s := NewArchiveMirror([]string{"127.0.0.1"}, 5*time.Second, "", nil)
	s.sleep = noSleep
	s.baseURL = func(string) string { return srv.URL }

	result := s.Fetch(context.Background(), "https://example.com/article")
	if !result.Success {
		t.Fatalf("fetch failed: %s", result.Error)
	}
	if result.Metadata["submitted"] != "true" {
		t.Fatalf("metadata = %v, want submitted=true", result.Metadata)
	}
	if submits.Load() != 1 || lookups.Load() != 2 {
		t.Fatalf("submits = %d lookups = %d, want 1 and 2", submits.Load(), lookups.Load())
	}
}

func TestArchiveMirrorRateLimitSkipsToNextMirror(t *testing.T) {
	var submits atomic.Int32
	limited := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			submits.Add(1)
			return
		}
		http.Error(w, "slow down", http.StatusTooManyRequests)
	}))
	defer limited.Close()
	healthy := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, goodArticleHTML())
	}))
	defer healthy.Close()

	bases := map[string]string{"first.127.0.0.1": limited.URL, "second.127.0.0.1": healthy.URL}
	s := NewArchiveMirror([]string{"first.127.0.0.1", "second.127.0.0.1"}, 5*time.Second, "", nil)
	s.sleep = noSleep
	s.baseURL = func(mirror string) string { return bases[mirror] }

	result := s.Fetch(context.Background(), "https://example.com/article")
	if !result.Success {
		t.Fatalf("fetch failed: %s", result.Error)
	}
	if result.Metadata["mirror"] != "second.127.0.0.1" {
		t.Fatalf("mirror = %q, want the second one", result.Metadata["mirror"])
	}
	if submits.Load() != 0 {
		t.Fatal("a rate-limited mirror must not receive a submission")
	}
}

func TestWaybackLatestFetchesClosestSnapshot(t *testing.T) {
	var srvURL string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/available":
			var avail availabilityResponse
			avail.ArchivedSnapshots.Closest.Available = true
			avail.ArchivedSnapshots.Closest.URL = srvURL + "/snapshot"
			avail.ArchivedSnapshots.Closest.Timestamp = "20240115000000"
			json.NewEncoder(w).Encode(avail)
		case "/snapshot":
			fmt.Fprint(w, goodArticleHTML())
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()
	srvURL = srv.URL

	s := NewWaybackLatest(5*time.Second, "", nil)
	s.apiBase = srv.URL + "/available"

	result := s.Fetch(context.Background(), "https://example.com/article")
	if !result.Success {
		t.Fatalf("fetch failed: %s", result.Error)
	}
	if result.Metadata["snapshot_url"] != srv.URL+"/snapshot" {
		t.Fatalf("snapshot_url = %q", result.Metadata["snapshot_url"])
	}
}

func TestWaybackTimeframesWalksUntilSnapshotFound(t *testing.T) {
	var srvURL string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/available":
			var avail availabilityResponse
			// Only the 2020 timeframe has a capture.
			if r.URL.Query().Get("timestamp") == "20200101" {
				avail.ArchivedSnapshots.Closest.Available = true
				avail.ArchivedSnapshots.Closest.URL = srvURL + "/snapshot"
			}
			json.NewEncoder(w).Encode(avail)
		case "/snapshot":
			fmt.Fprint(w, goodArticleHTML())
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()
	srvURL = srv.URL

	s := NewWaybackTimeframes([]string{"", "20220101", "20200101"}, 5*time.Second, "", nil)
	s.apiBase = srv.URL + "/available"

	result := s.Fetch(context.Background(), "https://example.com/article")
	if !result.Success {
		t.Fatalf("fetch failed: %s", result.Error)
	}
	if result.Metadata["timeframe"] != "20200101" {
		t.Fatalf("timeframe = %q, want 20200101", result.Metadata["timeframe"])
	}
}

func TestWaybackFailsWhenNothingArchived(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(availabilityResponse{})
	}))
	defer srv.Close()

	s := NewWaybackLatest(5*time.Second, "", nil)
	s.apiBase = srv.URL

	result := s.Fetch(context.Background(), "https://example.com/article")
	if result.Success {
		t.Fatal("expected failure with no snapshot available")
	}
}

func TestFirecrawlExtractsMarkdown(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer test-key" {
			t.Errorf("authorization = %q", got)
		}
		var req scrapeRequest
		json.NewDecoder(r.Body).Decode(&req)
		if req.URL != "https://example.com/article" {
			t.Errorf("scrape url = %q", req.URL)
		}
		resp := scrapeResponse{Success: true}
		resp.Data.Markdown = "# Heading\n\nextracted body"
		resp.Data.Metadata.Title = "Heading"
		json.NewEncoder(w).Encode(resp)
	}))
	defer srv.Close()

	s := NewFirecrawl("test-key", 10, t.TempDir(), 5*time.Second, nil)
	s.endpoint = srv.URL

	result := s.Fetch(context.Background(), "https://example.com/article")
	if !result.Success {
		t.Fatalf("fetch failed: %s", result.Error)
	}
	if result.Title != "Heading" || !strings.Contains(result.Content, "extracted body") {
		t.Fatalf("result = %+v", result)
	}
	if s.Remaining() != 9 {
		t.Fatalf("remaining = %d, want 9", s.Remaining())
	}
}

func TestFirecrawlConsumesBudgetOnFailureToo(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "upstream broke", http.StatusInternalServerError)
	}))
	defer srv.Close()

	s := NewFirecrawl("test-key", 2, t.TempDir(), 5*time.Second, nil)
	s.endpoint = srv.URL

	for i := 0; i < 2; i++ {
		if result := s.Fetch(context.Background(), "https://example.com/a"); result.Success {
			t.Fatal("expected failure on 500")
		}
	}
	if !s.Exhausted() {
		t.Fatal("budget must be spent by failed attempts as well")
	}

	result := s.Fetch(context.Background(), "https://example.com/a")
	if result.Success || !strings.Contains(result.Error, "exhausted") {
		t.Fatalf("result = %+v, want usage-exhausted failure", result)
	}
}

func TestFirecrawlBudgetRollsOverMonthly(t *testing.T) {
	s := NewFirecrawl("test-key", 1, t.TempDir(), 5*time.Second, nil)

	base := time.Date(2026, 8, 20, 0, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return base }
	if !s.consume() {
		t.Fatal("first unit of the month must be available")
	}
	if s.Remaining() != 0 {
		t.Fatalf("remaining = %d, want 0", s.Remaining())
	}

	base = base.AddDate(0, 1, 0)
	if s.Remaining() != 1 {
		t.Fatalf("remaining = %d after month rollover, want 1", s.Remaining())
	}
}

func TestFirecrawlBudgetPersistsAcrossRestart(t *testing.T) {
	dir := t.TempDir()
	s := NewFirecrawl("test-key", 5, dir, 5*time.Second, nil)
	s.consume()
	s.consume()

	reloaded := NewFirecrawl("test-key", 5, dir, 5*time.Second, nil)
	if reloaded.Remaining() != 3 {
		t.Fatalf("remaining = %d after reload, want 3", reloaded.Remaining())
	}
}

func TestFirecrawlUnconfiguredIsSkippable(t *testing.T) {
	s := NewFirecrawl("", 10, "", 5*time.Second, nil)
	if s.CanHandle("https://example.com") {
		t.Fatal("no API key, CanHandle must be false")
	}
}

func TestPartialLoadExtractsFromEarlyBytes(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, goodArticleHTML())
	}))
	defer srv.Close()

	result := NewPartialLoad("", 150).Fetch(context.Background(), srv.URL)
	if !result.Success {
		t.Fatalf("fetch failed: %s", result.Error)
	}
	if result.Metadata["word_count"] == "" {
		t.Fatal("expected a word_count in metadata")
	}
}

func TestReaderModeRejectsThinPages(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "<html><head><title>Thin</title></head><body><p>hardly anything here</p></body></html>")
	}))
	defer srv.Close()

	result := NewReaderMode(5*time.Second, "", 150).Fetch(context.Background(), srv.URL)
	if result.Success {
		t.Fatal("thin page must be rejected")
	}
	if !strings.Contains(result.Error, "too short") {
		t.Fatalf("error = %q", result.Error)
	}
}

func TestHeadlessBrowserUsesInjectedRenderer(t *testing.T) {
	s := NewHeadlessBrowser(5*time.Second, nil)
	s.render = func(ctx context.Context, target string) (string, error) {
		return goodArticleHTML(), nil
	}

	result := s.Fetch(context.Background(), "https://example.com/article")
	if !result.Success {
		t.Fatalf("fetch failed: %s", result.Error)
	}
	if result.Title != "Ok" {
		t.Fatalf("title = %q", result.Title)
	}
}

func TestAuthSessionOnlyHandlesConfiguredSites(t *testing.T) {
	s := NewAuthSession(map[string]SiteCredentials{
		"example.com": {Username: "u", Password: "p", LoginURL: "https://example.com/login"},
	}, t.TempDir(), 0, 5*time.Second, "", nil)

	if !s.CanHandle("https://www.example.com/article") {
		t.Fatal("subdomain of a configured site must be handled")
	}
	if s.CanHandle("https://other.org/article") {
		t.Fatal("unconfigured site must not be handled")
	}
}

func TestAuthSessionLogsInAndFetches(t *testing.T) {
	var logins atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("/login", func(w http.ResponseWriter, r *http.Request) {
		if r.FormValue("username") != "reader" || r.FormValue("password") != "secret" {
			http.Error(w, "bad credentials", http.StatusForbidden)
			return
		}
		logins.Add(1)
		http.SetCookie(w, &http.Cookie{Name: "session", Value: "ok"})
	})
	mux.HandleFunc("/article", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, goodArticleHTML())
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	host := strings.TrimPrefix(srv.URL, "http://")
	site := strings.Split(host, ":")[0]

	s := NewAuthSession(map[string]SiteCredentials{
		site: {Username: "reader", Password: "secret", LoginURL: srv.URL + "/login"},
	}, t.TempDir(), time.Hour, 5*time.Second, "", nil)
	s.sleep = noSleep

	result := s.Fetch(context.Background(), srv.URL+"/article")
	if !result.Success {
		t.Fatalf("fetch failed: %s", result.Error)
	}
	if logins.Load() != 1 {
		t.Fatalf("logins = %d, want exactly 1", logins.Load())
	}

	// Second fetch reuses the live session.
	if result := s.Fetch(context.Background(), srv.URL+"/article"); !result.Success {
		t.Fatalf("second fetch failed: %s", result.Error)
	}
	if logins.Load() != 1 {
		t.Fatalf("logins = %d after reuse, want still 1", logins.Load())
	}
}
