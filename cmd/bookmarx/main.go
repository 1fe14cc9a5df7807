// Command bookmarx is the local sync agent. It captures bookmark changes
// from the host application, queues them durably and syncs them with the
// ingest server.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/gazzetta/bookmarx/internal/client"
	"github.com/gazzetta/bookmarx/internal/config"
	"github.com/gazzetta/bookmarx/internal/events"
)

var (
	// Global flags
	cfgFile    string
	jsonOutput bool
	verbose    bool

	// Shared state, set up in PersistentPreRunE
	loader    *config.Loader
	cfg       *config.Config
	logger    *events.Logger
	apiClient *client.Client
)

var rootCmd = &cobra.Command{
	Use:   "bookmarx",
	Short: "Keep a bookmark tree in sync with a central store",
	Long: `bookmarx runs next to a browser (or any host that owns a bookmark tree),
records every local change in a durable queue and syncs it with the
bookmarx ingest server.`,
	SilenceUsage:      true,
	SilenceErrors:     true,
	PersistentPreRunE: setup,
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if apiClient != nil {
			_ = apiClient.Close()
		}
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "",
		"Config file (default: ./config.yaml or ~/.config/bookmarx/config.yaml)")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false,
		"Machine-readable JSON output")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false,
		"Debug logging")
}

func setup(cmd *cobra.Command, args []string) error {
	loader = config.NewLoader(cfgFile)

	var err error
	cfg, err = loader.Load()
	if err != nil {
		return err
	}
	if verbose {
		cfg.Log.Level = "debug"
	}

	logger, err = events.NewLogger(&cfg.Log)
	if err != nil {
		return fmt.Errorf("create logger: %w", err)
	}
	events.SetDefault(logger)

	if cmd.Annotations["client"] == "none" {
		return nil
	}

	apiClient, err = client.New(cfg, logger)
	if err != nil {
		return fmt.Errorf("create client: %w", err)
	}
	return nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		if jsonOutput {
			printJSON(map[string]interface{}{"success": false, "error": err.Error()})
		} else {
			printError("Error: %v", err)
		}
		os.Exit(1)
	}
}
