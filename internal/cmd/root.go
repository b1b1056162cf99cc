// Package cmd implements the workmux command line interface.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "workmux",
	Short: "Multiplex concurrent requests onto a persistent worker process",
	Long: `workmux runs a persistent worker subprocess and fans concurrent
work requests through it over length-delimited frames on the worker's
stdin/stdout. Responses are correlated by request id, so the worker may
answer in any order.`,
	SilenceUsage: true,
}

// Execute runs the CLI and returns the process exit code.
func Execute() int {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "workmux:", err)

		return 1
	}

	return 0
}
