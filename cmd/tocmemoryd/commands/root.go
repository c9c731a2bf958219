package commands

import (
	"github.com/spf13/cobra"
)

var flagConfigPath string

var rootCmd = &cobra.Command{
	Use:   "tocmemoryd",
	Short: "Local conversational-memory engine for AI coding agents",
	Long: `tocmemoryd stores conversational events from AI coding agent sessions,
rolls them up into a hierarchical table of contents, and serves BM25,
vector, and topic-graph search over that history.

Configuration is read from a YAML file (see --config); an unset path
falls back to the engine's documented defaults.

Examples:
  tocmemoryd serve --config ./tocmemory.yaml
  tocmemoryd version`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&flagConfigPath, "config", "", "path to YAML config file (defaults if unset)")
}
