package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var rebuildTradition string

var rebuildCmd = &cobra.Command{
	Use:   "rebuild",
	Short: "Rebuild a tradition's knowledge collection",
	Long: `Rebuild a tradition's knowledge collection from its document
corpus, without going through the job queue.

The collection is dropped and re-indexed from scratch. Journal
collections are not touched.

Examples:
  indexd rebuild --tradition ayurveda`,
	RunE: runRebuild,
}

func init() {
	rebuildCmd.Flags().StringVar(&rebuildTradition, "tradition", "", "tradition to rebuild (required)")
	_ = rebuildCmd.MarkFlagRequired("tradition")
}

func runRebuild(cmd *cobra.Command, args []string) error {
	c, err := buildCore(configPath)
	if err != nil {
		return err
	}
	defer c.close()

	result, err := c.orch.RebuildTradition(context.Background(), rebuildTradition)
	if err != nil {
		return fmt.Errorf("rebuild failed: %w", err)
	}

	fmt.Printf("Tradition:  %s\n", result.Tradition)
	fmt.Printf("Documents:  %d indexed, %d skipped, %d failed\n",
		len(result.ProcessedFiles), len(result.SkippedFiles), len(result.FailedFiles))
	fmt.Printf("Chunks:     %d indexed, %d failed\n", result.ChunksIndexed, result.ChunksFailed)
	fmt.Printf("Duration:   %s\n", result.Duration)

	if len(result.FailedFiles) > 0 {
		for _, f := range result.FailedFiles {
			fmt.Fprintf(os.Stderr, "failed: %s\n", f)
		}
	}

	return nil
}
