package worker

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"harvest/shared"
)

type countingFetcher struct {
	mu      sync.Mutex
	active  int32
	maxSeen int32
}

func (f *countingFetcher) Execute(ctx context.Context, target string, preferred []string) *shared.FetchResult {
	n := atomic.AddInt32(&f.active, 1)
	defer atomic.AddInt32(&f.active, -1)

	f.mu.Lock()
	if n > f.maxSeen {
		f.maxSeen = n
	}
	f.mu.Unlock()

	time.Sleep(5 * time.Millisecond)
	if target == "https://example.com/bad" {
		return shared.FailureResult(target, "cascade", nil, 0)
	}
	return shared.SuccessResult(target, "body", "T", "direct", 0)
}

func TestBulkProcessCoversEveryURL(t *testing.T) {
	urls := []string{
		"https://example.com/1",
		"https://example.com/2",
		"https://example.com/bad",
		"https://example.com/3",
	}
	f := &countingFetcher{}

	results := BulkProcess(context.Background(), f, urls, 2, nil)

	if len(results) != len(urls) {
		t.Fatalf("got %d results, want %d", len(results), len(urls))
	}
	for _, url := range urls {
		if results[url] == nil {
			t.Fatalf("missing result for %s", url)
		}
	}
	if !results["https://example.com/1"].Success || results["https://example.com/bad"].Success {
		t.Fatal("per-url outcomes mixed up")
	}
}

func TestBulkProcessBoundsConcurrency(t *testing.T) {
	urls := make([]string, 20)
	for i := range urls {
		urls[i] = "https://example.com/" + string(rune('a'+i))
	}
	f := &countingFetcher{}

	BulkProcess(context.Background(), f, urls, 3, nil)

	if f.maxSeen > 3 {
		t.Fatalf("observed %d concurrent fetches, cap is 3", f.maxSeen)
	}
}
