package cmd

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"harvest/nuclear"
	"harvest/worker"
)

var (
	serveWorkers      int
	staleJobThreshold time.Duration
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the ingestion workers until interrupted",
	RunE:  runServe,
}

func init() {
	RootCmd.AddCommand(serveCmd)

	serveCmd.Flags().IntVar(&serveWorkers, "workers", 0, "Worker count (0 uses the configured value)")
	serveCmd.Flags().DurationVar(&staleJobThreshold, "stale-after", 10*time.Minute,
		"Reclaim jobs stuck in running longer than this")
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := initApp(ctx, configPath)
	if err != nil {
		return err
	}
	defer a.close()

	recovered, err := a.jobs.RecoverStale(ctx, staleJobThreshold)
	if err != nil {
		return err
	}
	if recovered > 0 {
		a.log.Infow("reclaimed stale jobs", "count", recovered)
	}

	workers := a.cfg.MaxConcurrent
	if serveWorkers > 0 {
		workers = serveWorkers
	}
	pool := worker.NewPool(worker.Config{
		Size:                workers,
		MaxJobRetries:       a.cfg.RetryAttempts,
		PreferredStrategies: a.cfg.PreferredStrategies,
		SearchHourlyCap:     a.cfg.SearchHourlyCap,
	}, a.jobs, a.content, a.cascade, a.searcher, a.failures, a.log)

	scheduler := nuclear.NewScheduler(a.failures, pool, a.searcher, 0, a.log)

	a.searcher.StartProcessor(ctx)
	go scheduler.Run(ctx)

	color.New(color.Bold, color.FgHiGreen).Printf("harvest serving with %d workers\n", workers)
	a.log.Infow("engine started", "workers", workers)

	// Blocks until a signal arrives, then drains in-flight jobs.
	pool.Run(ctx)

	a.log.Infow("engine stopped")
	color.New(color.Bold).Println("shutdown complete")
	return nil
}
