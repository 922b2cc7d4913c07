// Package commands implements the PocketClaw CLI commands using cobra.
package commands

import (
	"database/sql"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/jholhewres/pocketclaw/pkg/pocketclaw/copilot"
	"github.com/jholhewres/pocketclaw/pkg/pocketclaw/database"
)

// NewRootCmd creates the root command with every subcommand registered.
func NewRootCmd(version string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "pocketclaw",
		Short: "PocketClaw - a personal assistant that never sleeps",
		Long: `PocketClaw keeps a conversational backend reachable from your chat
apps (WhatsApp, Discord, Telegram), checks in on its own through a
heartbeat, runs scheduled jobs and queues proactive messages until they
are delivered.

Examples:
  pocketclaw setup
  pocketclaw serve --channel telegram
  pocketclaw chat "What's on my calendar?"
  pocketclaw pair set-secret
  pocketclaw schedule add "0 9 * * 1-5" "Morning briefing"`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(
		newServeCmd(),
		newChatCmd(),
		newSetupCmd(),
		newPairCmd(),
		newOutboxCmd(),
		newScheduleCmd(),
		newHeartbeatCmd(),
	)

	rootCmd.PersistentFlags().StringP("config", "c", "", "path to the configuration file")
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "enable debug logs")

	return rootCmd
}

// resolveConfig loads the config from --config, a discovered file, or the
// defaults when there is none. The returned path is "" for defaults.
func resolveConfig(cmd *cobra.Command) (*copilot.Config, string, error) {
	configPath, _ := cmd.Root().PersistentFlags().GetString("config")

	if configPath != "" {
		cfg, err := copilot.LoadConfigFromFile(configPath)
		if err != nil {
			return nil, "", fmt.Errorf("loading config: %w", err)
		}
		return cfg, configPath, nil
	}

	if found := copilot.FindConfigFile(); found != "" {
		cfg, err := copilot.LoadConfigFromFile(found)
		if err != nil {
			return nil, "", fmt.Errorf("loading config from %s: %w", found, err)
		}
		return cfg, found, nil
	}

	return copilot.DefaultConfig(), "", nil
}

// newLogger builds the process logger from the config. --verbose forces
// debug level.
func newLogger(cmd *cobra.Command, cfg *copilot.Config, w io.Writer) (*slog.Logger, error) {
	level, err := copilot.ParseLevel(cfg.Logging.Level)
	if err != nil {
		return nil, err
	}
	if verbose, _ := cmd.Root().PersistentFlags().GetBool("verbose"); verbose {
		level = slog.LevelDebug
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if cfg.Logging.Format == "text" {
		handler = slog.NewTextHandler(w, opts)
	} else {
		handler = slog.NewJSONHandler(w, opts)
	}
	return slog.New(handler), nil
}

// quietLogger is used by one-shot commands: warnings and errors only,
// unless --verbose.
func quietLogger(cmd *cobra.Command) *slog.Logger {
	level := slog.LevelWarn
	if verbose, _ := cmd.Root().PersistentFlags().GetBool("verbose"); verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

// openDatabase loads the config and opens its database.
func openDatabase(cmd *cobra.Command) (*copilot.Config, *sql.DB, error) {
	cfg, _, err := resolveConfig(cmd)
	if err != nil {
		return nil, nil, err
	}
	path := cfg.Database.Path
	if path == "" {
		path = database.DefaultPath
	}
	db, err := database.OpenDatabase(path)
	if err != nil {
		return nil, nil, err
	}
	return cfg, db, nil
}

// shouldEnable checks if a channel should be enabled based on the filter.
// enabledChannels lists the delivery channels turned on in cfg.
func enabledChannels(cfg *copilot.Config) []string {
	var names []string
	if cfg.Channels.WhatsApp.Enabled {
		names = append(names, "whatsapp")
	}
	if cfg.Channels.Discord.Enabled {
		names = append(names, "discord")
	}
	if cfg.Channels.Telegram.Enabled {
		names = append(names, "telegram")
	}
	return names
}

func shouldEnable(name string, filter []string, defaultEnabled bool) bool {
	if len(filter) == 0 {
		return defaultEnabled
	}
	for _, f := range filter {
		if f == name {
			return true
		}
	}
	return false
}
