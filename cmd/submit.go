package cmd

import (
	"context"
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

var (
	submitPriority int
	submitSource   string
)

var submitCmd = &cobra.Command{
	Use:   "submit <url>...",
	Short: "Queue one or more URLs for ingestion",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runSubmit,
}

func init() {
	RootCmd.AddCommand(submitCmd)

	submitCmd.Flags().IntVar(&submitPriority, "priority", 0, "Job priority (higher runs first; 0 uses the default)")
	submitCmd.Flags().StringVar(&submitSource, "source", "cli", "Source label recorded on the job")
}

func runSubmit(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	a, err := initApp(ctx, configPath)
	if err != nil {
		return err
	}
	defer a.close()

	if len(args) == 1 {
		id, err := a.jobs.Submit(ctx, args[0], submitPriority, submitSource)
		if err != nil {
			return err
		}
		color.New(color.FgHiGreen).Printf("queued %s\n", id)
		return nil
	}

	ids, err := a.jobs.SubmitBulk(ctx, args, submitPriority, submitSource)
	if err != nil {
		return err
	}
	color.New(color.FgHiGreen).Printf("queued %d jobs\n", len(ids))
	for i, id := range ids {
		fmt.Printf("  %s  %s\n", id, args[i])
	}
	return nil
}
