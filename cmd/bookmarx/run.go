package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/gazzetta/bookmarx/internal/config"
	"github.com/gazzetta/bookmarx/internal/services/sync"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the agent until interrupted",
	Long: `Run listens for the host on the loopback bridge, captures every change it
reports and syncs on startup, every sync.interval and whenever the host asks.`,
	Example: `  bookmarx run
  bookmarx run --config ~/.config/bookmarx/config.yaml`,
	Args: cobra.NoArgs,
	RunE: runAgent,
}

func init() {
	rootCmd.AddCommand(runCmd)
}

func runAgent(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	live := *cfg
	loader.Watch(func(next *config.Config) {
		applyConfig(&live, next)
	}, func(err error) {
		logger.WithError(err).Warn("Ignoring invalid configuration change")
	})

	if !jsonOutput {
		go reportEvents(ctx, apiClient.Sync.Engine())
	}

	logger.WithFields(map[string]interface{}{
		"server":   cfg.API.BaseURL,
		"bridge":   cfg.Host.ListenAddr + cfg.Host.Path,
		"interval": cfg.Sync.Interval,
	}).Info("Agent starting")

	return apiClient.Run(ctx)
}

// applyConfig applies the settings that can change while the agent runs
// and records them in live. Everything else keeps its startup value.
func applyConfig(live, next *config.Config) {
	if next.Log.Level != live.Log.Level {
		logger.SetLevel(next.Log.Level)
		live.Log.Level = next.Log.Level
		logger.WithField("level", next.Log.Level).Info("Log level changed")
	}
	if next.Sync.Interval != live.Sync.Interval {
		apiClient.Sync.SetInterval(next.Sync.Interval)
		live.Sync.Interval = next.Sync.Interval
	}

	if next.API != live.API || next.Host.ListenAddr != live.Host.ListenAddr ||
		next.Storage != live.Storage {
		logger.Warn("Configuration changed in settings that need a restart of bookmarx")
	}
}

func reportEvents(ctx context.Context, engine *sync.Engine) {
	for {
		select {
		case <-ctx.Done():
			return
		case event := <-engine.Events():
			switch event.Type {
			case sync.EventCompleted:
				r := event.Result
				printSuccess("Synced (%s): %d sent, %d remote applied, %d rejected",
					r.Mode, r.Submitted, r.RemoteApplied, len(r.Failed()))
			case sync.EventFailed:
				printWarning("Sync failed: %v", event.Error)
			}
		}
	}
}
