// Package main is the CLI entry point for the strand agent runtime.
//
// Start the maintenance daemon with metrics:
//
//	strand serve --config strand.yaml
//
// Run a single turn from the terminal:
//
//	strand turn "summarize this repo"
//	strand turn --thread <id> "and now the tests"
//	strand resume --thread <id> --checkpoint <id> --decision approve
//
// Environment variables override secrets from the config file:
// STRAND_DATABASE_URL, ANTHROPIC_API_KEY, OPENAI_API_KEY, STRAND_LOG_LEVEL.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// version is stamped by the build; "dev" for local builds.
var version = "dev"

func main() {
	root := &cobra.Command{
		Use:           "strand",
		Short:         "strand agent runtime",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(buildServeCmd(), buildTurnCmd(), buildResumeCmd(), buildVersionCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func buildVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println("strand", version)
		},
	}
}
