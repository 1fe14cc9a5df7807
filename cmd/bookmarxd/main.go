// Command bookmarxd is the ingest server. It accepts change batches and
// initial imports from bookmarx agents and keeps the canonical entity store.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/fatih/color"
	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"

	"github.com/gazzetta/bookmarx/internal/config"
	"github.com/gazzetta/bookmarx/internal/events"
	"github.com/gazzetta/bookmarx/internal/ingest"
	"github.com/gazzetta/bookmarx/internal/server"
	"github.com/gazzetta/bookmarx/internal/store"
)

var (
	cfgFile string
	addr    string
	dbPath  string
	verbose bool

	cfg    *config.Config
	logger *events.Logger
)

var rootCmd = &cobra.Command{
	Use:               "bookmarxd",
	Short:             "bookmarx ingest server",
	SilenceUsage:      true,
	SilenceErrors:     true,
	PersistentPreRunE: setup,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the sync API until interrupted",
	Example: `  bookmarxd serve
  bookmarxd serve --addr :9000 --db /var/lib/bookmarx/bookmarx.db`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "Config file")
	rootCmd.PersistentFlags().StringVar(&dbPath, "db", "", "Database path (overrides server.database_path)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Debug logging")
	serveCmd.Flags().StringVar(&addr, "addr", "", "Listen address (overrides server.addr)")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(historyCmd)
}

func setup(cmd *cobra.Command, args []string) error {
	var err error
	cfg, err = config.NewLoader(cfgFile).Load()
	if err != nil {
		return err
	}
	if verbose {
		cfg.Log.Level = "debug"
	}
	if addr != "" {
		cfg.Server.Addr = addr
	}
	if dbPath != "" {
		cfg.Server.DatabasePath = dbPath
	}

	logger, err = events.NewLogger(&cfg.Log)
	if err != nil {
		return fmt.Errorf("create logger: %w", err)
	}
	events.SetDefault(logger)
	return nil
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.Log.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}

	st, err := store.OpenSQLite(ctx, cfg.Server.DatabasePath, logger)
	if err != nil {
		return err
	}
	defer st.Close()

	svc := ingest.NewService(st, logger, ingest.WithMaxBatchSize(cfg.Server.MaxBatchSize))
	router := server.NewRouter(&cfg.Server, server.NewSyncHandler(svc, cfg.Server.HistoryLimit), logger)

	logger.WithFields(map[string]interface{}{
		"addr":     cfg.Server.Addr,
		"database": cfg.Server.DatabasePath,
	}).Info("Ingest server starting")

	return server.New(&cfg.Server, router, logger).Run(ctx)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		color.New(color.FgRed, color.Bold).Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
