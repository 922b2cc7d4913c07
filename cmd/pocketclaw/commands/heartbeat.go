package commands

import (
	"fmt"
	"os"
	"strconv"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/jholhewres/pocketclaw/pkg/pocketclaw/database"
)

// newHeartbeatCmd creates the `pocketclaw heartbeat` command group.
func newHeartbeatCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "heartbeat",
		Short: "Manage the heartbeat checklist",
		Long: `Every heartbeat sends the enabled checklist items to the backend and
forwards anything worth reporting to the last user who talked to the
assistant. With no enabled items the heartbeat does nothing.

Examples:
  pocketclaw heartbeat list
  pocketclaw heartbeat add "Check my inbox for anything urgent"
  pocketclaw heartbeat disable 2`,
	}

	cmd.AddCommand(
		newHeartbeatListCmd(),
		newHeartbeatAddCmd(),
		newHeartbeatRemoveCmd(),
		newHeartbeatToggleCmd("enable", "Enable a checklist item", true),
		newHeartbeatToggleCmd("disable", "Disable a checklist item", false),
	)
	return cmd
}

func newHeartbeatListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List checklist items",
		RunE: func(cmd *cobra.Command, _ []string) error {
			_, db, err := openDatabase(cmd)
			if err != nil {
				return err
			}
			defer db.Close()

			tasks, err := database.NewHeartbeatRepo(db).ListTasks()
			if err != nil {
				return err
			}
			if len(tasks) == 0 {
				fmt.Println("The heartbeat checklist is empty.")
				return nil
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tENABLED\tTASK")
			for _, t := range tasks {
				fmt.Fprintf(w, "%d\t%v\t%s\n", t.ID, t.Enabled, t.Task)
			}
			return w.Flush()
		},
	}
}

func newHeartbeatAddCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "add <task>",
		Short: "Add a checklist item",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, db, err := openDatabase(cmd)
			if err != nil {
				return err
			}
			defer db.Close()

			id, err := database.NewHeartbeatRepo(db).AddTask(args[0])
			if err != nil {
				return err
			}
			fmt.Printf("Checklist item %d added.\n", id)
			return nil
		},
	}
}

func newHeartbeatRemoveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "remove <id>",
		Short: "Remove a checklist item",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid id %q", args[0])
			}
			_, db, err := openDatabase(cmd)
			if err != nil {
				return err
			}
			defer db.Close()

			if err := database.NewHeartbeatRepo(db).DeleteTask(id); err != nil {
				return err
			}
			fmt.Printf("Checklist item %d removed.\n", id)
			return nil
		},
	}
}

func newHeartbeatToggleCmd(use, short string, enabled bool) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid id %q", args[0])
			}
			_, db, err := openDatabase(cmd)
			if err != nil {
				return err
			}
			defer db.Close()

			if err := database.NewHeartbeatRepo(db).SetTaskEnabled(id, enabled); err != nil {
				return err
			}
			fmt.Printf("Checklist item %d %sd.\n", id, use)
			return nil
		},
	}
}
