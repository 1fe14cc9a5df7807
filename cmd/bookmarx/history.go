package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/gazzetta/bookmarx/internal/models"
)

var historyLimit int

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Show the server's sync ledger for this owner",
	Args:  cobra.NoArgs,
	RunE:  runHistory,
}

func init() {
	historyCmd.Flags().IntVarP(&historyLimit, "limit", "n", 10, "Maximum entries")
	rootCmd.AddCommand(historyCmd)
}

func runHistory(cmd *cobra.Command, args []string) error {
	entries, err := apiClient.History(cmd.Context(), historyLimit)
	if err != nil {
		return err
	}

	if jsonOutput {
		printJSON(entries)
		return nil
	}

	if len(entries) == 0 {
		fmt.Println("No sync history")
		return nil
	}

	for _, e := range entries {
		line := fmt.Sprintf("%s  %-14s %-7s changes=%d folders=%d bookmarks=%d  %s",
			e.CreatedAt.Local().Format("2006-01-02 15:04:05"), e.Kind, e.Status,
			e.ChangesCount, e.FoldersProcessed, e.BookmarksProcessed, e.InstanceID)
		switch e.Status {
		case models.SyncStatusSuccess:
			fmt.Println(line)
		case models.SyncStatusPartial:
			printWarning("%s", line)
		default:
			printError("%s", line)
		}
		for _, item := range e.Errors {
			fmt.Printf("    %s %s: %s\n", item.Kind, item.ItemID, item.Message)
		}
	}
	return nil
}
