package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

var (
	storeTags       []string
	storeMemoryType string
)

var storeCmd = &cobra.Command{
	Use:   "store [content]",
	Short: "Store a memory",
	Long: `Store a piece of text as a memory record. Identical content (after
whitespace normalization) deduplicates to the existing record.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runStore,
}

func init() {
	storeCmd.Flags().StringSliceVarP(&storeTags, "tag", "t", nil, "tag to attach (repeatable)")
	storeCmd.Flags().StringVar(&storeMemoryType, "type", "note", "memory type")
	rootCmd.AddCommand(storeCmd)
}

func runStore(cmd *cobra.Command, args []string) error {
	svc, closer, err := openService()
	if err != nil {
		return err
	}
	defer closer()

	record, err := svc.StoreMemory(cmd.Context(), strings.Join(args, " "), storeTags, storeMemoryType, nil)
	if err != nil {
		return err
	}

	fmt.Printf("Stored %s\n", record.ContentHash)
	if record.Degraded() {
		fmt.Println("Warning: embedding unavailable, record stored degraded")
	}
	return nil
}
