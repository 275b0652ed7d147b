package worker

import (
	"context"
	"sync"

	"harvest/shared"
)

// defaultBulkConcurrency bounds the fan-out when the caller does not.
const defaultBulkConcurrency = 5

// BulkProcess fans the URLs out across a bounded group and runs the cascade
// for each. It returns only when every URL has terminated, with a URL to
// result map covering all of them.
func BulkProcess(ctx context.Context, fetcher Fetcher, urls []string, concurrency int, preferred []string) map[string]*shared.FetchResult {
	if concurrency <= 0 {
		concurrency = defaultBulkConcurrency
	}

	results := make(map[string]*shared.FetchResult, len(urls))
	var mu sync.Mutex
	var wg sync.WaitGroup
	sem := make(chan struct{}, concurrency)

	for _, url := range urls {
		wg.Add(1)
		go func(url string) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()

			result := fetcher.Execute(ctx, url, preferred)
			mu.Lock()
			results[url] = result
			mu.Unlock()
		}(url)
	}
	wg.Wait()
	return results
}
