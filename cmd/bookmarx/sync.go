package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"time"

	"github.com/spf13/cobra"
)

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Run a single sync attempt and exit",
	Long: `Sync waits for the host to connect to the bridge, runs one attempt
(initial import or incremental batch, whichever the server asks for) and
prints what happened.`,
	Example: `  bookmarx sync
  bookmarx sync --wait 1m --json`,
	Args: cobra.NoArgs,
	RunE: runSync,
}

var syncWait time.Duration

func init() {
	rootCmd.AddCommand(syncCmd)

	syncCmd.Flags().DurationVar(&syncWait, "wait", 30*time.Second,
		"How long to wait for the host to connect")
}

func runSync(cmd *cobra.Command, args []string) error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	result, err := apiClient.SyncOnce(ctx, syncWait)

	if jsonOutput {
		out := map[string]interface{}{"success": err == nil}
		if result != nil {
			out["result"] = result
		}
		if err != nil {
			out["error"] = err.Error()
		}
		printJSON(out)
		return err
	}
	if err != nil {
		return err
	}

	fmt.Println("Sync summary:")
	printField("Mode", result.Mode)
	printField("Outcome", result.Action)
	printField("Submitted", result.Submitted)
	printField("Acknowledged", result.Acknowledged)
	if result.Deferred > 0 {
		printField("Deferred", fmt.Sprintf("%d (sent again next sync)", result.Deferred))
	}
	if result.Imported != nil {
		printField("Imported", fmt.Sprintf("%d folders, %d bookmarks", result.Imported.Folders, result.Imported.Bookmarks))
	}
	printField("Remote", fmt.Sprintf("%d applied, %d skipped", result.RemoteApplied, result.RemoteFailed))
	printField("Duration", result.Duration.Round(time.Millisecond))

	if failed := result.Failed(); len(failed) > 0 {
		printWarning("\n%d change(s) rejected by the server:", len(failed))
		for _, f := range failed {
			fmt.Printf("  %s %s [%s] %s\n", f.ID, f.TargetID, f.ErrorKind, f.Error)
		}
		return nil
	}

	printSuccess("\nSync completed successfully")
	return nil
}
