package cmd

import (
	"fmt"
	"os"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

var configPath string

// RootCmd represents the base command when called without any subcommands
var RootCmd = &cobra.Command{
	Use:           "harvest [command] [flags]",
	Short:         "Resilient content ingestion engine",
	SilenceErrors: true,
	SilenceUsage:  true,
}

// Execute adds all child commands to the root command and sets flags
// appropriately. This is called by main.main().
func Execute() {
	if err := RootCmd.Execute(); err != nil {
		color.New(color.Bold, color.FgHiRed).Fprintf(os.Stderr, "Error: %v\n", err)
		fmt.Println()

		color.New(color.Bold, color.BgGreen, color.FgHiWhite).Println(" Common Commands ")
		color.New(color.Bold).Println("  harvest serve # run the ingestion workers")
		color.New(color.Bold).Println("  harvest submit <url>... # queue URLs for ingestion")
		color.New(color.Bold).Println("  harvest fetch <url> # fetch one URL inline")
		color.New(color.Bold).Println("  harvest status # show queue, budget, and breaker state")
		fmt.Println()

		os.Exit(1)
	}
}

func init() {
	RootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to config file (YAML)")
}
