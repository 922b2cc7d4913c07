package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/jholhewres/pocketclaw/pkg/pocketclaw/channels"
	"github.com/jholhewres/pocketclaw/pkg/pocketclaw/copilot"
	"github.com/jholhewres/pocketclaw/pkg/pocketclaw/database"
	"github.com/jholhewres/pocketclaw/pkg/pocketclaw/outbox"
)

// newOutboxCmd creates the `pocketclaw outbox` command group.
func newOutboxCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "outbox",
		Short: "Inspect and deliver queued proactive messages",
		Long: `The outbox holds proactive messages (heartbeat reports, job results,
gateway messages) until their channel accepts them.

Examples:
  pocketclaw outbox list
  pocketclaw outbox list --channel telegram --json
  pocketclaw outbox flush --channel telegram`,
	}

	cmd.AddCommand(newOutboxListCmd(), newOutboxFlushCmd())
	return cmd
}

func newOutboxListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List queued messages",
		RunE: func(cmd *cobra.Command, _ []string) error {
			_, db, err := openDatabase(cmd)
			if err != nil {
				return err
			}
			defer db.Close()

			channel, _ := cmd.Flags().GetString("channel")
			asJSON, _ := cmd.Flags().GetBool("json")

			msgs, err := database.NewOutboxRepo(db).List(channel)
			if err != nil {
				return err
			}
			if asJSON {
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(msgs)
			}
			if len(msgs) == 0 {
				fmt.Println("Outbox is empty.")
				return nil
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tCHANNEL\tUSER\tRETRIES\tNEXT TRY\tTEXT")
			for _, m := range msgs {
				next := "now"
				if m.NextRetryAt != nil {
					next = m.NextRetryAt.Local().Format("01-02 15:04:05")
				}
				fmt.Fprintf(w, "%d\t%s\t%s\t%d/%d\t%s\t%s\n",
					m.ID, m.Channel, m.UserID, m.RetryCount, m.MaxRetries, next, preview(m.Text, 50))
			}
			return w.Flush()
		},
	}

	cmd.Flags().String("channel", "", "only show messages for this channel")
	cmd.Flags().Bool("json", false, "print JSON")
	return cmd
}

func newOutboxFlushCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "flush",
		Short: "Connect one channel and deliver its eligible messages once",
		RunE: func(cmd *cobra.Command, _ []string) error {
			channel, _ := cmd.Flags().GetString("channel")
			timeout, _ := cmd.Flags().GetDuration("timeout")

			cfg, db, err := openDatabase(cmd)
			if err != nil {
				return err
			}
			defer db.Close()

			logger := quietLogger(cmd)
			copilot.ResolveSecrets(cfg, logger)

			adapters := buildChannels(cfg, []string{channel}, logger)
			if len(adapters) == 0 {
				return fmt.Errorf("%w: %q", channels.ErrUnknownChannel, channel)
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			mgr := channels.NewManager(logger)
			for _, a := range adapters {
				mgr.Register(a)
			}
			// No handler: inbound messages are ignored while flushing.
			if err := mgr.Start(ctx, nil); err != nil {
				return err
			}
			defer mgr.Stop()

			o := outbox.New(database.NewOutboxRepo(db), cfg.Outbox, logger)
			delivered, err := outbox.NewDispatcher(o, mgr, logger).Drain(ctx, channel)
			if err != nil {
				return err
			}
			fmt.Printf("Delivered %d message(s) on %s.\n", delivered, channel)
			return nil
		},
	}

	cmd.Flags().String("channel", "", "channel to flush (whatsapp, discord, telegram)")
	cmd.Flags().Duration("timeout", 2*time.Minute, "give up after this long")
	_ = cmd.MarkFlagRequired("channel")
	return cmd
}

// preview shortens text for table output.
func preview(text string, limit int) string {
	r := []rune(text)
	for i, c := range r {
		if c == '\n' {
			r[i] = ' '
		}
	}
	if len(r) <= limit {
		return string(r)
	}
	return string(r[:limit-1]) + "…"
}
