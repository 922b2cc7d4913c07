package commands

import (
	"database/sql"
	"fmt"
	"os"
	"slices"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/jholhewres/pocketclaw/pkg/pocketclaw/backend"
	"github.com/jholhewres/pocketclaw/pkg/pocketclaw/channels"
	"github.com/jholhewres/pocketclaw/pkg/pocketclaw/copilot"
	"github.com/jholhewres/pocketclaw/pkg/pocketclaw/database"
	"github.com/jholhewres/pocketclaw/pkg/pocketclaw/scheduler"
)

const restartHint = "Restart `pocketclaw serve` to apply the change to a running daemon."

// newScheduleCmd creates the `pocketclaw schedule` command group.
func newScheduleCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "schedule",
		Short: "Manage scheduled jobs",
		Long: `Scheduled jobs send a prompt to the backend on a schedule and queue
the reply for a user.

Schedule types:
  cron   standard 5-field cron expression or descriptor ("0 9 * * 1-5", "@daily")
  every  fixed interval ("30m", "2h")
  at     one shot ("15:04", "2026-01-02 15:04", RFC 3339 or a duration from now)

Examples:
  pocketclaw schedule list
  pocketclaw schedule add "0 9 * * 1-5" "Morning briefing"
  pocketclaw schedule add 2h "Remind me to stretch" --type every --channel telegram --user 42
  pocketclaw schedule run <id>
  pocketclaw schedule remove <id>`,
	}

	cmd.AddCommand(
		newScheduleListCmd(),
		newScheduleAddCmd(),
		newScheduleRemoveCmd(),
		newScheduleToggleCmd("enable", "Resume a paused job", true),
		newScheduleToggleCmd("disable", "Pause a job", false),
		newScheduleRunCmd(),
	)
	return cmd
}

// withJobs opens the database and loads the stored jobs into a scheduler
// that is not started.
func withJobs(cmd *cobra.Command, fn func(cfg *copilot.Config, db *sql.DB, s *scheduler.Scheduler) error) error {
	cfg, db, err := openDatabase(cmd)
	if err != nil {
		return err
	}
	defer db.Close()

	s := scheduler.New(database.NewJobRepo(db), nil, nil, quietLogger(cmd))
	if err := s.Load(); err != nil {
		return err
	}
	return fn(cfg, db, s)
}

func newScheduleListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List scheduled jobs",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withJobs(cmd, func(_ *copilot.Config, _ *sql.DB, s *scheduler.Scheduler) error {
				jobs := s.List()
				if len(jobs) == 0 {
					fmt.Println("No scheduled jobs.")
					return nil
				}

				w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
				fmt.Fprintln(w, "ID\tTYPE\tSCHEDULE\tENABLED\tTARGET\tRUNS\tLAST ERROR\tPROMPT")
				for _, j := range jobs {
					target := "-"
					if j.Channel != "" {
						target = j.Channel + ":" + j.UserID
					}
					fmt.Fprintf(w, "%s\t%s\t%s\t%v\t%s\t%d\t%s\t%s\n",
						j.ID, j.Type, j.Schedule, j.Enabled, target, j.RunCount, preview(j.LastError, 30), preview(j.Prompt, 40))
				}
				return w.Flush()
			})
		},
	}
}

func newScheduleAddCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "add <schedule> <prompt>",
		Short: "Add a scheduled job",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, _ := cmd.Flags().GetString("id")
			typ, _ := cmd.Flags().GetString("type")
			channel, _ := cmd.Flags().GetString("channel")
			userID, _ := cmd.Flags().GetString("user")
			disabled, _ := cmd.Flags().GetBool("disabled")

			return withJobs(cmd, func(cfg *copilot.Config, db *sql.DB, s *scheduler.Scheduler) error {
				if channel == "" || userID == "" {
					var err error
					if channel, userID, err = database.NewChannelRepo(db).LastChannel(); err != nil {
						return err
					}
					if channel == "" {
						fmt.Println("Warning: nobody has talked to the assistant yet, the job has no recipient.")
					}
				}
				if channel != "" && !slices.Contains(enabledChannels(cfg), channel) {
					return fmt.Errorf("%w: %q is not enabled in the config", channels.ErrUnknownChannel, channel)
				}

				job := &scheduler.Job{
					ID:       id,
					Schedule: args[0],
					Type:     typ,
					Prompt:   args[1],
					Channel:  channel,
					UserID:   userID,
					Enabled:  !disabled,
				}
				if err := s.Add(job); err != nil {
					return err
				}
				fmt.Printf("Job %s added (%s %q).\n%s\n", job.ID, job.Type, job.Schedule, restartHint)
				return nil
			})
		},
	}

	cmd.Flags().String("id", "", "job id (generated when empty)")
	cmd.Flags().String("type", scheduler.TypeCron, "schedule type: cron, every or at")
	cmd.Flags().String("channel", "", "channel that receives the result (default: last channel)")
	cmd.Flags().String("user", "", "user that receives the result (default: last user)")
	cmd.Flags().Bool("disabled", false, "add the job paused")
	return cmd
}

func newScheduleRemoveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "remove <id>",
		Short: "Remove a scheduled job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withJobs(cmd, func(_ *copilot.Config, _ *sql.DB, s *scheduler.Scheduler) error {
				if err := s.Remove(args[0]); err != nil {
					return err
				}
				fmt.Printf("Job %s removed.\n%s\n", args[0], restartHint)
				return nil
			})
		},
	}
}

func newScheduleToggleCmd(use, short string, enabled bool) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withJobs(cmd, func(_ *copilot.Config, _ *sql.DB, s *scheduler.Scheduler) error {
				if err := s.SetEnabled(args[0], enabled); err != nil {
					return err
				}
				fmt.Printf("Job %s %sd.\n%s\n", args[0], use, restartHint)
				return nil
			})
		},
	}
}

func newScheduleRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run <id>",
		Short: "Run a job now and queue its result",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, db, err := openDatabase(cmd)
			if err != nil {
				return err
			}
			defer db.Close()

			logger := quietLogger(cmd)
			copilot.ResolveSecrets(cfg, logger)
			cfg.Scheduler.Enabled = true
			cfg.Heartbeat.Enabled = false
			cfg.Gateway.Enabled = false

			assistant := copilot.New(cfg, db, backend.New(cfg.Backend, logger), logger)
			for _, ch := range buildChannels(cfg, nil, logger) {
				assistant.RegisterChannel(ch)
			}
			if err := assistant.Scheduler().Load(); err != nil {
				return err
			}
			if err := assistant.RunJob(args[0]); err != nil {
				return err
			}

			job, _ := assistant.Scheduler().Get(args[0])
			fmt.Printf("Job %s ran; any reply was queued for %s:%s.\n", job.ID, job.Channel, job.UserID)
			return nil
		},
	}
}
