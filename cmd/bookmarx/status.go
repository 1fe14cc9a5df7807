package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show identity, queue length and last sync",
	Args:  cobra.NoArgs,
	RunE:  runStatus,
}

var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "List changes waiting to be synced",
	Args:  cobra.NoArgs,
	RunE:  runQueue,
}

func init() {
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(queueCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	report, err := apiClient.Sync.Status()
	if err != nil {
		return err
	}

	if jsonOutput {
		printJSON(report)
		return nil
	}

	fmt.Println("Agent status:")
	printField("Owner", report.Identity.OwnerID)
	printField("Instance", report.Identity.InstanceID)
	printField("Server", cfg.API.BaseURL)
	printField("Pending", report.Pending)
	printField("Last sync", formatTime(report.LastSync))
	if report.LastError != "" {
		printWarning("  Last error:     %s", report.LastError)
	}
	return nil
}

func runQueue(cmd *cobra.Command, args []string) error {
	pending, err := apiClient.Queue.ListPending()
	if err != nil {
		return err
	}

	if jsonOutput {
		printJSON(pending)
		return nil
	}

	if len(pending) == 0 {
		printSuccess("Queue is empty")
		return nil
	}

	for _, c := range pending {
		fmt.Printf("%6d  %-16s %-24s %s\n", c.Seq, c.Type(), c.TargetID, c.CapturedAt.Local().Format("2006-01-02 15:04:05"))
	}
	fmt.Printf("\n%d change(s) pending\n", len(pending))
	return nil
}
