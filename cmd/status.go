package cmd

import (
	"context"
	"fmt"
	"sort"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"harvest/resilience"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show queue depth, strategy stats, budgets, and breaker health",
	RunE:  runStatus,
}

func init() {
	RootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	a, err := initApp(ctx, configPath)
	if err != nil {
		return err
	}
	defer a.close()

	heading := color.New(color.Bold, color.BgGreen, color.FgHiWhite)

	heading.Println(" Jobs ")
	jobCounts, err := a.jobs.Counts(ctx)
	if err != nil {
		return err
	}
	printCounts(jobCounts)
	fmt.Println()

	heading.Println(" Nuclear Retries ")
	failureCounts, err := a.failures.Counts(ctx)
	if err != nil {
		return err
	}
	printCounts(failureCounts)
	fmt.Println()

	heading.Println(" Strategies ")
	attempts, successes, failures := a.stats.Totals()
	fmt.Printf("  total: %d attempts, %d successes, %d failures\n", attempts, successes, failures)
	snapshot := a.stats.Snapshot()
	names := make([]string, 0, len(snapshot))
	for name := range snapshot {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		c := snapshot[name]
		fmt.Printf("  %-20s %4d attempts  %5.1f%% success  avg %.1fs\n",
			name, c.Attempts, c.SuccessRate()*100, c.AvgTime)
	}
	fmt.Println()

	heading.Println(" Search Budget ")
	fmt.Printf("  %d of %d daily queries remaining (hourly cap %d)\n",
		a.limiter.Remaining(), a.cfg.SearchDailyQuota, a.limiter.HourlyCap())
	fmt.Println()

	heading.Println(" Circuit Breakers ")
	health := a.registry.Health()
	services := make([]string, 0, len(health))
	for svc := range health {
		services = append(services, svc)
	}
	sort.Strings(services)
	for _, svc := range services {
		h := health[svc]
		line := fmt.Sprintf("  %-20s %-10s breaker=%-10s success=%.1f%%",
			svc, h.Health, h.BreakerState, h.SuccessRate*100)
		switch h.Health {
		case resilience.HealthHealthy:
			color.New(color.FgHiGreen).Println(line)
		case resilience.HealthDegraded, resilience.HealthUnknown:
			color.New(color.FgHiYellow).Println(line)
		default:
			color.New(color.FgHiRed).Println(line)
		}
	}
	return nil
}

func printCounts(counts map[string]int) {
	keys := make([]string, 0, len(counts))
	for k := range counts {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Printf("  %-28s %d\n", k, counts[k])
	}
	if len(keys) == 0 {
		fmt.Println("  (empty)")
	}
}
