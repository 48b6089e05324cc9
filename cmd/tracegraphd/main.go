// Tracegraphd is the traceable context graph daemon.
//
// It ingests agent interaction events into an append-only ledger,
// consolidates them into a multi-view property graph, extracts
// validated knowledge, and serves intent-weighted context retrieval
// over HTTP.
//
// Usage:
//
//	# Start the daemon with defaults
//	tracegraphd serve
//
//	# Use a config file, override the listen address
//	TRACEGRAPH_SERVER_ADDR=:9000 tracegraphd serve --config tracegraph.yaml
//
//	# Drop the graph and rebuild it from the ledger
//	tracegraphd replay --config tracegraph.yaml
//
//	# Archive events older than 90 days
//	tracegraphd archive --older-than 2160h
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Version information (set via ldflags during build).
var (
	version   = "dev"
	gitCommit = "unknown"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "tracegraphd",
	Short: "Traceable context graph daemon",
	Long: `tracegraphd records agent interaction events in an append-only
ledger, consolidates them into a temporal/causal/semantic/entity graph,
and serves context retrieval with full provenance.`,
	Version: fmt.Sprintf("%s (%s)", version, gitCommit),
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to YAML config file")
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(replayCmd)
	rootCmd.AddCommand(archiveCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
