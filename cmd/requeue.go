package cmd

import (
	"context"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

var requeueCmd = &cobra.Command{
	Use:   "requeue",
	Short: "Reset failed search requests back to pending",
	RunE:  runRequeue,
}

func init() {
	RootCmd.AddCommand(requeueCmd)
}

func runRequeue(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	a, err := initApp(ctx, configPath)
	if err != nil {
		return err
	}
	defer a.close()

	n, err := a.searcher.NuclearRetry(ctx)
	if err != nil {
		return err
	}
	color.New(color.FgHiGreen).Printf("reset %d failed search requests\n", n)
	return nil
}
