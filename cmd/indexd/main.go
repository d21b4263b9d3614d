// Indexd builds and serves per-tradition knowledge collections.
//
// The daemon watches nothing on its own; documents are indexed through
// rebuild jobs submitted over HTTP or NATS, and journal entries are
// indexed one at a time as they change upstream. Retrieval merges a
// tradition's knowledge collection with the requesting user's journal
// collection and returns ranked context documents.
//
// Usage:
//
//	# Start the daemon with defaults
//	indexd serve
//
//	# Rebuild a tradition's knowledge collection in-process
//	indexd rebuild --tradition ayurveda
//
//	# Query a tradition from the command line
//	indexd search --tradition ayurveda --query "bitter herbs for digestion"
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Version information (set via ldflags during build)
var (
	version   = "dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

var configPath string

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "indexd",
	Short: "Knowledge indexing and retrieval daemon",
	Long: `indexd maintains per-tradition vector collections of knowledge
documents and user journal entries, and serves ranked context for
downstream answer generation.`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: false,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("indexd\n")
		fmt.Printf("Version:    %s\n", version)
		fmt.Printf("Commit:     %s\n", gitCommit)
		fmt.Printf("Build Date: %s\n", buildDate)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file path (default ~/.config/indexd/config.yaml)")
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(rebuildCmd)
	rootCmd.AddCommand(searchCmd)
	rootCmd.AddCommand(versionCmd)
}
