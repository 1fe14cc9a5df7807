package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/gazzetta/bookmarx/internal/config"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Inspect or create configuration",
}

var configShowCmd = &cobra.Command{
	Use:         "show",
	Short:       "Print the effective configuration",
	Args:        cobra.NoArgs,
	Annotations: map[string]string{"client": "none"},
	Run: func(cmd *cobra.Command, args []string) {
		if path := loader.Path(); path != "" && !jsonOutput {
			fmt.Printf("# %s\n", path)
		}
		printJSON(cfg)
	},
}

var configInitCmd = &cobra.Command{
	Use:         "init <path>",
	Short:       "Write an example configuration file",
	Args:        cobra.ExactArgs(1),
	Annotations: map[string]string{"client": "none"},
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := config.SaveExample(args[0]); err != nil {
			return err
		}
		printSuccess("Wrote %s", args[0])
		return nil
	},
}

func init() {
	configCmd.AddCommand(configShowCmd, configInitCmd)
	rootCmd.AddCommand(configCmd)
}
