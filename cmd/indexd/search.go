package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/havenhealth/indexd/internal/retriever"
)

var (
	searchTradition string
	searchQuery     string
	searchUser      string
	searchTopK      int
)

var searchCmd = &cobra.Command{
	Use:   "search",
	Short: "Query a tradition's collections",
	Long: `Query a tradition's knowledge collection and print the ranked
context documents. When --user is given, that user's journal
collection is merged into the results.

Examples:
  indexd search --tradition ayurveda --query "bitter herbs for digestion"
  indexd search --tradition ayurveda --query "my recent meals" --user alice`,
	RunE: runSearch,
}

func init() {
	searchCmd.Flags().StringVar(&searchTradition, "tradition", "", "tradition to query (required)")
	searchCmd.Flags().StringVar(&searchQuery, "query", "", "query text (required)")
	searchCmd.Flags().StringVar(&searchUser, "user", "", "user ID for journal results")
	searchCmd.Flags().IntVar(&searchTopK, "top-k", 0, "number of results (default from config)")
	_ = searchCmd.MarkFlagRequired("tradition")
	_ = searchCmd.MarkFlagRequired("query")
}

func runSearch(cmd *cobra.Command, args []string) error {
	c, err := buildCore(configPath)
	if err != nil {
		return err
	}
	defer c.close()

	engine, err := c.cache.Get(searchTradition)
	if err != nil {
		return err
	}

	topK := searchTopK
	if topK == 0 {
		topK = c.cfg.Retrieval.TopK
	}

	docs, err := engine.Retrieve(context.Background(), retriever.Request{
		Query:          searchQuery,
		UserID:         searchUser,
		TopK:           topK,
		IncludeJournal: searchUser != "",
	})
	if err != nil {
		return err
	}

	if len(docs) == 0 {
		fmt.Println("no results")
		return nil
	}

	for i, doc := range docs {
		fmt.Printf("%d. [%.4f] %s\n   %s\n", i+1, doc.Score, doc.Source, doc.Text)
	}

	return nil
}
