package cmd

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"harvest/extract"
	"harvest/worker"
)

var (
	fetchStrategies  []string
	fetchConcurrency int
	fetchStore       bool
	fetchShowContent bool
)

var fetchCmd = &cobra.Command{
	Use:   "fetch <url>...",
	Short: "Run the strategy cascade for URLs inline and print the outcome",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runFetch,
}

func init() {
	RootCmd.AddCommand(fetchCmd)

	fetchCmd.Flags().StringSliceVar(&fetchStrategies, "strategy", nil,
		"Strategies to try first, in order (repeatable)")
	fetchCmd.Flags().IntVar(&fetchConcurrency, "concurrency", 0,
		"Parallel fetches when multiple URLs are given (0 uses the default)")
	fetchCmd.Flags().BoolVar(&fetchStore, "store", false, "Persist fetched content")
	fetchCmd.Flags().BoolVar(&fetchShowContent, "content", false, "Print extracted text instead of a summary")
}

func runFetch(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	a, err := initApp(ctx, configPath)
	if err != nil {
		return err
	}
	defer a.close()

	preferred := fetchStrategies
	if len(preferred) == 0 {
		preferred = a.cfg.PreferredStrategies
	}

	results := worker.BulkProcess(ctx, a.cascade, args, fetchConcurrency, preferred)

	urls := make([]string, 0, len(results))
	for url := range results {
		urls = append(urls, url)
	}
	sort.Strings(urls)

	failures := 0
	for _, url := range urls {
		r := results[url]
		if !r.Success {
			failures++
			color.New(color.Bold, color.FgHiRed).Printf("FAIL %s\n", url)
			fmt.Printf("  %s\n", r.Error)
			continue
		}

		color.New(color.Bold, color.FgHiGreen).Printf("OK   %s\n", url)
		fmt.Printf("  strategy=%s words=%d time=%s\n",
			r.Strategy, extract.Words(r.Content), r.ProcessingTime.Round(time.Millisecond))
		if fetchShowContent {
			fmt.Println(r.Content)
		}
		if fetchStore {
			if err := a.content.Save(ctx, url, r.Title, r.Content, r.Metadata); err != nil {
				return fmt.Errorf("store %s: %w", url, err)
			}
		}
	}

	if failures > 0 {
		return fmt.Errorf("%d of %d fetches failed", failures, len(urls))
	}
	return nil
}
