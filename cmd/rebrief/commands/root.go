// Package commands implements the rebrief CLI commands using cobra.
package commands

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/cogfold/rebrief/pkg/rebrief/composer"
)

// NewRootCmd creates the root command with every subcommand registered.
func NewRootCmd(version string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "rebrief",
		Short: "rebrief - context budgeting for long-running conversations",
		Long: `rebrief keeps a conversational agent's prompt inside the model's
context window: past subjects are compressed in tiers, overflowing
conversations restart from a generated summary, and relevant subjects
from other conversations are surfaced as proposals.

Examples:
  rebrief chat
  rebrief init
  rebrief config
  rebrief keys set
  rebrief rank conv-main --seed subjects.yaml`,
		Version: version,
	}

	rootCmd.AddCommand(
		newChatCmd(),
		newInitCmd(),
		newConfigCmd(),
		newKeysCmd(),
		newRankCmd(),
	)

	rootCmd.PersistentFlags().StringP("config", "c", "", "path to the configuration file")
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "enable debug logging")

	return rootCmd
}

// resolveConfig loads the config file from --config or the standard
// locations, falling back to defaults when none exists.
func resolveConfig(cmd *cobra.Command) (*composer.Config, string, error) {
	path, _ := cmd.Root().PersistentFlags().GetString("config")
	if path == "" {
		path = composer.FindConfigFile()
	}
	if path == "" {
		return composer.DefaultConfig(), "", nil
	}
	cfg, err := composer.LoadConfigFromFile(path)
	if err != nil {
		return nil, "", fmt.Errorf("loading config %s: %w", path, err)
	}
	return cfg, path, nil
}

// buildLogger creates the process logger from config and the --verbose flag.
func buildLogger(cfg *composer.Config, cmd *cobra.Command) *slog.Logger {
	verbose, _ := cmd.Root().PersistentFlags().GetBool("verbose")
	level := slog.LevelInfo
	switch cfg.Logging.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	if verbose {
		level = slog.LevelDebug
	}

	var handler slog.Handler
	if cfg.Logging.Format == "json" {
		handler = slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	} else {
		handler = slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	}
	return slog.New(handler)
}

// openSettings creates the settings store selected by config.
func openSettings(cfg *composer.Config, logger *slog.Logger) (composer.SettingsStore, error) {
	if cfg.Storage.SettingsBackend == "sqlite" {
		store, err := composer.OpenSQLiteSettings(cfg.Storage.DataDir, logger)
		if err != nil {
			return nil, fmt.Errorf("opening settings database: %w", err)
		}
		return store, nil
	}
	return composer.NewMemorySettings(), nil
}
