package commands

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/jholhewres/pocketclaw/pkg/pocketclaw/backend"
	"github.com/jholhewres/pocketclaw/pkg/pocketclaw/channels"
	"github.com/jholhewres/pocketclaw/pkg/pocketclaw/channels/discord"
	"github.com/jholhewres/pocketclaw/pkg/pocketclaw/channels/telegram"
	"github.com/jholhewres/pocketclaw/pkg/pocketclaw/channels/whatsapp"
	"github.com/jholhewres/pocketclaw/pkg/pocketclaw/copilot"
	"github.com/jholhewres/pocketclaw/pkg/pocketclaw/database"
)

// shutdownTimeout bounds graceful shutdown after a signal.
const shutdownTimeout = 30 * time.Second

// newServeCmd creates the `pocketclaw serve` command that starts the daemon.
func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the daemon with messaging channels",
		Long: `Start PocketClaw as a daemon, connecting the enabled channels
(WhatsApp, Discord, Telegram), the outbox delivery loop, the heartbeat,
scheduled jobs and, if enabled, the HTTP gateway.

Examples:
  pocketclaw serve
  pocketclaw serve --channel whatsapp
  pocketclaw serve --config ./config.yaml`,
		RunE: runServe,
	}

	cmd.Flags().StringSlice("channel", nil, "channels to enable (whatsapp, discord, telegram); overrides the config")
	return cmd
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, configPath, err := resolveConfig(cmd)
	if err != nil {
		return err
	}

	logger, err := newLogger(cmd, cfg, os.Stdout)
	if err != nil {
		return err
	}
	if configPath == "" {
		logger.Warn("no configuration file found, running with defaults",
			"hint", "run `pocketclaw setup`")
	} else {
		logger.Info("config loaded", "path", configPath)
	}

	// Audit before resolving: checks the raw config values.
	copilot.AuditSecrets(cfg, logger)
	copilot.ResolveSecrets(cfg, logger)

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	db, err := database.OpenDatabase(cfg.Database.Path)
	if err != nil {
		return err
	}
	defer db.Close()

	client := backend.New(cfg.Backend, logger)
	assistant := copilot.New(cfg, db, client, logger)

	filter, _ := cmd.Flags().GetStringSlice("channel")
	for _, ch := range buildChannels(cfg, filter, logger) {
		assistant.RegisterChannel(ch)
	}

	// The assistant runs on its own context so a signal does not cut
	// in-flight work short; Stop drains it.
	if err := assistant.Start(context.Background()); err != nil {
		return err
	}

	sigCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info("PocketClaw running. Press Ctrl+C to stop.",
		"name", cfg.Name,
		"channels", assistant.ChannelManager().Channels(),
	)
	<-sigCtx.Done()

	logger.Info("shutdown signal received, stopping...")

	done := make(chan struct{})
	go func() {
		assistant.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(shutdownTimeout):
		logger.Warn("shutdown timed out, exiting anyway")
	}
	return nil
}

// buildChannels creates the adapters enabled by the config, or by the
// --channel filter when one is given.
func buildChannels(cfg *copilot.Config, filter []string, logger *slog.Logger) []channels.Adapter {
	var out []channels.Adapter

	if shouldEnable("whatsapp", filter, cfg.Channels.WhatsApp.Enabled) {
		out = append(out, whatsapp.New(cfg.Channels.WhatsApp, logger))
	}

	if shouldEnable("discord", filter, cfg.Channels.Discord.Enabled) {
		if cfg.Channels.Discord.Token == "" {
			logger.Warn("discord enabled without a token, skipped", "env", copilot.EnvDiscordToken)
		} else {
			out = append(out, discord.New(cfg.Channels.Discord, logger))
		}
	}

	if shouldEnable("telegram", filter, cfg.Channels.Telegram.Enabled) {
		if cfg.Channels.Telegram.Token == "" {
			logger.Warn("telegram enabled without a token, skipped", "env", copilot.EnvTelegramToken)
		} else {
			out = append(out, telegram.New(cfg.Channels.Telegram, logger))
		}
	}

	if len(out) == 0 {
		logger.Warn("no channels enabled, only the gateway and scheduled work will run")
	}
	return out
}
