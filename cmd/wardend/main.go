// Package main implements the wardend binary: the issue detection
// daemon plus a CLI client for its HTTP API.
package main

import (
	"os"

	"github.com/spf13/cobra"
)

var (
	// serverURL is the base URL client subcommands talk to.
	serverURL string

	// version information (set via ldflags during build)
	version = "dev"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "wardend",
	Short: "Issue detection and remediation engine for live game services",
	Long: `wardend watches a live game service through its logs and reported
state, detects issues, and learns which fix methods actually work.

Run the daemon with "wardend serve". Every other subcommand is a client
for a running daemon's HTTP API.`,
	Version: version,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", "http://localhost:9191", "wardend server URL")
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(healthCmd)
	rootCmd.AddCommand(issuesCmd)
	rootCmd.AddCommand(suggestCmd)
	rootCmd.AddCommand(attemptCmd)
	rootCmd.AddCommand(outcomeCmd)
	rootCmd.AddCommand(resolveCmd)
	rootCmd.AddCommand(queryCmd)
	rootCmd.AddCommand(escalationCmd)
}
