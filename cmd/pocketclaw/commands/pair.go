package commands

import (
	"bufio"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/jholhewres/pocketclaw/pkg/pocketclaw/copilot"
	"github.com/jholhewres/pocketclaw/pkg/pocketclaw/database"
)

// minSecretLength is the shortest pairing secret set-secret accepts.
const minSecretLength = 8

// newPairCmd creates the `pocketclaw pair` command group.
func newPairCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pair",
		Short: "Manage the pairing secret and paired users",
		Long: `Users pair with the assistant by sending "/pair <secret>" on a
channel. These commands manage the secret and the list of paired users.

Examples:
  pocketclaw pair set-secret
  pocketclaw pair list
  pocketclaw pair revoke telegram 123456789`,
	}

	cmd.AddCommand(
		newPairSetSecretCmd(),
		newPairClearSecretCmd(),
		newPairListCmd(),
		newPairAddCmd(),
		newPairRevokeCmd(),
	)
	return cmd
}

func newPairSetSecretCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "set-secret",
		Short: "Store the pairing secret in the OS keyring",
		RunE: func(_ *cobra.Command, _ []string) error {
			if !copilot.KeyringAvailable() {
				return fmt.Errorf("OS keyring is not available; set %s instead", copilot.EnvPairingSecret)
			}
			secret, err := readSecret("New pairing secret: ")
			if err != nil {
				return err
			}
			if len(secret) < minSecretLength {
				return fmt.Errorf("secret must be at least %d characters", minSecretLength)
			}
			confirm, err := readSecret("Confirm: ")
			if err != nil {
				return err
			}
			if confirm != secret {
				return fmt.Errorf("secrets do not match")
			}
			if err := copilot.StoreKeyring(copilot.KeyPairingSecret, secret); err != nil {
				return err
			}
			fmt.Println("Pairing secret stored in the OS keyring. Restart `pocketclaw serve` to apply it.")
			return nil
		},
	}
}

func newPairClearSecretCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "clear-secret",
		Short: "Remove the pairing secret from the OS keyring",
		RunE: func(_ *cobra.Command, _ []string) error {
			if err := copilot.DeleteKeyring(copilot.KeyPairingSecret); err != nil {
				return fmt.Errorf("removing pairing secret: %w", err)
			}
			fmt.Println("Pairing secret removed.")
			return nil
		},
	}
}

func newPairListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List paired users",
		RunE: func(cmd *cobra.Command, _ []string) error {
			_, db, err := openDatabase(cmd)
			if err != nil {
				return err
			}
			defer db.Close()

			entries, err := database.NewWhitelistRepo(db).List()
			if err != nil {
				return err
			}
			if len(entries) == 0 {
				fmt.Println("No paired users.")
				return nil
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "CHANNEL\tUSER\tPAIRED AT")
			for _, e := range entries {
				fmt.Fprintf(w, "%s\t%s\t%s\n", e.Channel, e.UserID, e.AddedAt.Local().Format("2006-01-02 15:04"))
			}
			return w.Flush()
		},
	}
}

func newPairAddCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "add <channel> <user-id>",
		Short: "Pair a user without the secret",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, db, err := openDatabase(cmd)
			if err != nil {
				return err
			}
			defer db.Close()

			added, err := database.NewWhitelistRepo(db).AddToWhitelist(args[0], args[1])
			if err != nil {
				return err
			}
			if !added {
				fmt.Printf("%s on %s is already paired.\n", args[1], args[0])
				return nil
			}
			fmt.Printf("Paired %s on %s.\n", args[1], args[0])
			return nil
		},
	}
}

func newPairRevokeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "revoke <channel> <user-id>",
		Short: "Remove a paired user",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, db, err := openDatabase(cmd)
			if err != nil {
				return err
			}
			defer db.Close()

			removed, err := database.NewWhitelistRepo(db).RemoveFromWhitelist(args[0], args[1])
			if err != nil {
				return err
			}
			if !removed {
				return fmt.Errorf("%s on %s is not paired", args[1], args[0])
			}
			fmt.Printf("Revoked %s on %s.\n", args[1], args[0])
			return nil
		},
	}
}

// stdin is shared so consecutive piped reads do not lose buffered input.
var stdin = bufio.NewReader(os.Stdin)

// readSecret prompts without echo on a terminal and falls back to a plain
// line read for piped input.
func readSecret(prompt string) (string, error) {
	fmt.Print(prompt)

	fd := int(os.Stdin.Fd())
	if term.IsTerminal(fd) {
		b, err := term.ReadPassword(fd)
		fmt.Println()
		if err != nil {
			return "", fmt.Errorf("reading secret: %w", err)
		}
		return strings.TrimSpace(string(b)), nil
	}

	line, err := stdin.ReadString('\n')
	if err != nil && line == "" {
		return "", fmt.Errorf("reading secret: %w", err)
	}
	return strings.TrimSpace(line), nil
}
