package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/harun/mnemo/pkg/memory"
)

var (
	searchLimit     int
	searchThreshold float64
	searchTags      []string
	tagMatchAny     bool
)

var searchCmd = &cobra.Command{
	Use:   "search [query]",
	Short: "Search memories semantically",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runSearch,
}

var tagCmd = &cobra.Command{
	Use:   "tag [tag...]",
	Short: "Search memories by tag",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runTagSearch,
}

var recallCmd = &cobra.Command{
	Use:   "recall [time expression]",
	Short: "Recall memories from a time window",
	Long: `Recall memories created within a relative time window, e.g.
"today", "yesterday", "last week" or "last 3 days".`,
	Args: cobra.MinimumNArgs(1),
	RunE: runRecall,
}

func init() {
	searchCmd.Flags().IntVarP(&searchLimit, "limit", "n", 10, "maximum results")
	searchCmd.Flags().Float64Var(&searchThreshold, "threshold", 0, "similarity threshold override")
	searchCmd.Flags().StringSliceVarP(&searchTags, "tag", "t", nil, "tag for overlap ranking (repeatable)")
	rootCmd.AddCommand(searchCmd)

	tagCmd.Flags().BoolVar(&tagMatchAny, "any", false, "match any tag instead of all")
	tagCmd.Flags().IntVarP(&searchLimit, "limit", "n", 10, "maximum results")
	rootCmd.AddCommand(tagCmd)

	recallCmd.Flags().IntVarP(&searchLimit, "limit", "n", 10, "maximum results")
	rootCmd.AddCommand(recallCmd)
}

func runSearch(cmd *cobra.Command, args []string) error {
	svc, closer, err := openService()
	if err != nil {
		return err
	}
	defer closer()

	results, err := svc.Retrieve(cmd.Context(), strings.Join(args, " "), memory.RetrieveOptions{
		Limit:               searchLimit,
		SimilarityThreshold: searchThreshold,
		QueryTags:           searchTags,
	})
	if err != nil {
		return err
	}

	if len(results) == 0 {
		fmt.Println("No matches")
		return nil
	}
	for _, result := range results {
		fmt.Printf("%.3f  %s  %s\n", result.Score, result.Record.ContentHash[:12], result.Record.Content)
	}
	return nil
}

func runTagSearch(cmd *cobra.Command, args []string) error {
	svc, closer, err := openService()
	if err != nil {
		return err
	}
	defer closer()

	mode := memory.TagMatchAll
	if tagMatchAny {
		mode = memory.TagMatchAny
	}

	records, err := svc.SearchByTag(cmd.Context(), args, mode, 1, searchLimit)
	if err != nil {
		return err
	}

	for _, record := range records {
		fmt.Printf("%s  [%s]  %s\n", record.ContentHash[:12], strings.Join(record.Tags, ","), record.Content)
	}
	return nil
}

func runRecall(cmd *cobra.Command, args []string) error {
	svc, closer, err := openService()
	if err != nil {
		return err
	}
	defer closer()

	records, err := svc.Recall(cmd.Context(), strings.Join(args, " "), searchLimit)
	if err != nil {
		return err
	}

	for _, record := range records {
		fmt.Printf("%s  %s  %s\n", record.CreatedAt.Format("2006-01-02 15:04"), record.ContentHash[:12], record.Content)
	}
	return nil
}
