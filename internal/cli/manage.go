package cli

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/harun/mnemo/pkg/memory"
)

var (
	listPage     int
	listPageSize int
	listTag      string
	listType     string
	ingestTags   []string
)

var deleteCmd = &cobra.Command{
	Use:   "delete [content-hash]",
	Short: "Delete a memory by content hash",
	Args:  cobra.ExactArgs(1),
	RunE:  runDelete,
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List stored memories",
	RunE:  runList,
}

var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Show store and sync health",
	RunE:  runHealth,
}

var ingestCmd = &cobra.Command{
	Use:   "ingest [file...]",
	Short: "Ingest documents as chunked memories",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runIngest,
}

func init() {
	rootCmd.AddCommand(deleteCmd)

	listCmd.Flags().IntVar(&listPage, "page", 1, "page number")
	listCmd.Flags().IntVar(&listPageSize, "page-size", 10, "records per page")
	listCmd.Flags().StringVar(&listTag, "tag", "", "filter by tag")
	listCmd.Flags().StringVar(&listType, "type", "", "filter by memory type")
	rootCmd.AddCommand(listCmd)

	rootCmd.AddCommand(healthCmd)

	ingestCmd.Flags().StringSliceVarP(&ingestTags, "tag", "t", nil, "tag to attach (repeatable)")
	rootCmd.AddCommand(ingestCmd)
}

func runDelete(cmd *cobra.Command, args []string) error {
	svc, closer, err := openService()
	if err != nil {
		return err
	}
	defer closer()

	deleted, err := svc.Delete(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	if !deleted {
		return fmt.Errorf("no memory with hash %s", args[0])
	}

	fmt.Printf("Deleted %s\n", args[0])
	return nil
}

func runList(cmd *cobra.Command, args []string) error {
	svc, closer, err := openService()
	if err != nil {
		return err
	}
	defer closer()

	page, err := svc.List(cmd.Context(), listPage, listPageSize, memory.ListFilter{
		Tag:        listTag,
		MemoryType: listType,
	})
	if err != nil {
		return err
	}

	for _, record := range page.Records {
		fmt.Printf("%s  %s  %s\n", record.CreatedAt.Format("2006-01-02 15:04"), record.ContentHash[:12], record.Content)
	}
	fmt.Printf("Page %d of %d records", page.Page, page.Total)
	if page.HasMore {
		fmt.Print(" (more available)")
	}
	fmt.Println()
	return nil
}

func runHealth(cmd *cobra.Command, args []string) error {
	svc, closer, err := openService()
	if err != nil {
		return err
	}
	defer closer()

	health, err := svc.Health(cmd.Context())
	if err != nil {
		return err
	}

	return printJSON(health)
}

func runIngest(cmd *cobra.Command, args []string) error {
	svc, closer, err := openService()
	if err != nil {
		return err
	}
	defer closer()

	for _, path := range args {
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}

		name := filepath.Base(path)
		result, err := svc.IngestDocument(cmd.Context(), string(data), ingestTags,
			map[string]interface{}{"source_file": name})
		if err != nil {
			return fmt.Errorf("failed to ingest %s: %w", name, err)
		}

		fmt.Printf("Ingested %s: %d chunks (%d new, %d deduplicated)\n",
			name, len(result.ChunkHashes), result.ChunksNew, result.ChunksDedup)
	}
	return nil
}
