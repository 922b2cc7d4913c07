package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/jholhewres/pocketclaw/pkg/pocketclaw/backend"
	"github.com/jholhewres/pocketclaw/pkg/pocketclaw/channels"
	"github.com/jholhewres/pocketclaw/pkg/pocketclaw/channels/console"
	"github.com/jholhewres/pocketclaw/pkg/pocketclaw/copilot"
	"github.com/jholhewres/pocketclaw/pkg/pocketclaw/database"
)

// newChatCmd creates the `pocketclaw chat` command for local conversations.
func newChatCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "chat [message]",
		Short: "Talk to the assistant from the terminal",
		Long: `Start a conversation with the assistant through the local console
channel. Send a single message or enter interactive mode (no arguments).
Type /new to start a fresh conversation and /exit to quit.

Examples:
  pocketclaw chat "What's on my calendar today?"
  pocketclaw chat`,
		Args: cobra.MaximumNArgs(1),
		RunE: runChat,
	}
}

func runChat(cmd *cobra.Command, args []string) error {
	cfg, _, err := resolveConfig(cmd)
	if err != nil {
		return err
	}
	logger := quietLogger(cmd)
	copilot.ResolveSecrets(cfg, logger)
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	// The daemon owns background work.
	cfg.Heartbeat.Enabled = false
	cfg.Scheduler.Enabled = false
	cfg.Gateway.Enabled = false

	db, err := database.OpenDatabase(cfg.Database.Path)
	if err != nil {
		return err
	}
	defer db.Close()

	assistant := copilot.New(cfg, db, backend.New(cfg.Backend, logger), logger)

	if len(args) > 0 {
		ctx := channels.WithChannel(cmd.Context(), "console")
		reply, err := assistant.HandleMessage(ctx, console.UserID, args[0])
		if err != nil {
			return err
		}
		if reply != "" {
			fmt.Println(reply)
		}
		return nil
	}

	if !term.IsTerminal(int(os.Stdin.Fd())) {
		return fmt.Errorf("interactive chat needs a terminal; pass the message as an argument instead")
	}

	con := console.New(cfg.Channels.Console, logger)
	assistant.RegisterChannel(con)

	fmt.Printf("%s interactive chat. Type /exit to quit.\n", cfg.Name)
	if err := assistant.Start(context.Background()); err != nil {
		return err
	}
	defer assistant.Stop()

	sigCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	select {
	case <-con.Done():
	case <-sigCtx.Done():
	}
	return nil
}
