package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/gazzetta/bookmarx/internal/models"
	"github.com/gazzetta/bookmarx/internal/store"
)

var (
	historyLimit int
	historyJSON  bool
)

var historyCmd = &cobra.Command{
	Use:   "history <owner-id>",
	Short: "Print the sync ledger of an owner, newest first",
	Args:  cobra.ExactArgs(1),
	RunE:  runHistory,
}

func init() {
	historyCmd.Flags().IntVarP(&historyLimit, "limit", "n", 20, "Maximum entries")
	historyCmd.Flags().BoolVar(&historyJSON, "json", false, "Machine-readable JSON output")
}

func runHistory(cmd *cobra.Command, args []string) error {
	st, err := store.OpenSQLite(cmd.Context(), cfg.Server.DatabasePath, logger)
	if err != nil {
		return err
	}
	defer st.Close()

	entries, err := st.History(cmd.Context(), args[0], historyLimit)
	if err != nil {
		return err
	}

	if historyJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(entries)
	}

	if len(entries) == 0 {
		fmt.Println("No sync history")
		return nil
	}

	for _, e := range entries {
		fmt.Printf("%s  %-14s %s  %-8s changes=%d folders=%d bookmarks=%d\n",
			e.CreatedAt.Local().Format("2006-01-02 15:04:05"),
			e.Kind, statusColor(e.Status).Sprintf("%-7s", e.Status), e.InstanceID,
			e.ChangesCount, e.FoldersProcessed, e.BookmarksProcessed)
		for _, item := range e.Errors {
			fmt.Printf("    %s %s: %s\n", item.Kind, item.ItemID, item.Message)
		}
	}
	return nil
}

func statusColor(s models.SyncStatus) *color.Color {
	switch s {
	case models.SyncStatusSuccess:
		return color.New(color.FgGreen)
	case models.SyncStatusPartial:
		return color.New(color.FgYellow)
	default:
		return color.New(color.FgRed)
	}
}
