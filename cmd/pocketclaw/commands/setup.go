package commands

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"slices"
	"time"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"

	"github.com/jholhewres/pocketclaw/pkg/pocketclaw/copilot"
)

// newSetupCmd creates the `pocketclaw setup` interactive wizard.
func newSetupCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "setup",
		Short: "Create a configuration file interactively",
		Long: `Walk through the backend, channels, pairing and heartbeat settings
and write a configuration file. Secrets go to the OS keyring when it is
available.

Examples:
  pocketclaw setup
  pocketclaw setup --output ./configs/config.yaml`,
		RunE: runSetup,
	}

	cmd.Flags().StringP("output", "o", "config.yaml", "where to write the configuration")
	return cmd
}

// setupAnswers collects the wizard input.
type setupAnswers struct {
	name          string
	backendURL    string
	backendToken  string
	channels      []string
	telegramToken string
	discordToken  string
	pairingSecret string
	heartbeat     bool
	interval      string
	gateway       bool
}

func runSetup(cmd *cobra.Command, _ []string) error {
	output, _ := cmd.Flags().GetString("output")

	if _, err := os.Stat(output); err == nil {
		overwrite := false
		err := huh.NewConfirm().
			Title(fmt.Sprintf("%s already exists. Overwrite it?", output)).
			Value(&overwrite).
			Run()
		if err != nil {
			return abortedOr(err)
		}
		if !overwrite {
			fmt.Println("Setup cancelled, nothing written.")
			return nil
		}
	}

	defaults := copilot.DefaultConfig()
	ans := setupAnswers{
		name:       defaults.Name,
		backendURL: defaults.Backend.URL,
		channels:   []string{"whatsapp"},
		heartbeat:  true,
		interval:   "30m",
	}

	form := huh.NewForm(
		huh.NewGroup(
			huh.NewInput().
				Title("Assistant name").
				Value(&ans.name),
			huh.NewInput().
				Title("Backend URL").
				Description("Base URL of the conversational backend.").
				Value(&ans.backendURL).
				Validate(validateURL),
			huh.NewInput().
				Title("Backend token").
				Description("Leave empty if the backend needs no authentication.").
				EchoMode(huh.EchoModePassword).
				Value(&ans.backendToken),
		).Title("Backend"),

		huh.NewGroup(
			huh.NewMultiSelect[string]().
				Title("Channels").
				Options(huh.NewOptions("whatsapp", "discord", "telegram")...).
				Value(&ans.channels),
		).Title("Channels"),

		huh.NewGroup(
			huh.NewInput().
				Title("Telegram bot token").
				EchoMode(huh.EchoModePassword).
				Value(&ans.telegramToken),
		).WithHideFunc(func() bool { return !slices.Contains(ans.channels, "telegram") }),

		huh.NewGroup(
			huh.NewInput().
				Title("Discord bot token").
				EchoMode(huh.EchoModePassword).
				Value(&ans.discordToken),
		).WithHideFunc(func() bool { return !slices.Contains(ans.channels, "discord") }),

		huh.NewGroup(
			huh.NewInput().
				Title("Pairing secret").
				Description("Users send /pair <secret> to get access. Leave empty to pair users manually.").
				EchoMode(huh.EchoModePassword).
				Value(&ans.pairingSecret).
				Validate(func(s string) error {
					if s != "" && len(s) < minSecretLength {
						return fmt.Errorf("at least %d characters", minSecretLength)
					}
					return nil
				}),
		).Title("Pairing"),

		huh.NewGroup(
			huh.NewConfirm().
				Title("Enable the heartbeat?").
				Description("Periodically asks the backend to review your checklist.").
				Value(&ans.heartbeat),
			huh.NewSelect[string]().
				Title("Heartbeat interval").
				Options(
					huh.NewOption("15 minutes", "15m"),
					huh.NewOption("30 minutes", "30m"),
					huh.NewOption("1 hour", "1h"),
					huh.NewOption("4 hours", "4h"),
				).
				Value(&ans.interval),
			huh.NewConfirm().
				Title("Enable the HTTP gateway on 127.0.0.1:8085?").
				Value(&ans.gateway),
		).Title("Background work"),
	)

	if err := form.Run(); err != nil {
		return abortedOr(err)
	}

	cfg, err := buildSetupConfig(ans, copilot.KeyringAvailable())
	if err != nil {
		return err
	}
	if err := copilot.SaveConfigToFile(cfg, output); err != nil {
		return err
	}

	fmt.Printf("\nConfiguration written to %s.\n", output)
	fmt.Println("Next steps:")
	if slices.Contains(ans.channels, "whatsapp") {
		fmt.Println("  - run `pocketclaw serve` and scan the QR code printed in the logs with WhatsApp")
	} else {
		fmt.Println("  - run `pocketclaw serve`")
	}
	fmt.Println("  - add heartbeat checklist items with `pocketclaw heartbeat add`")
	return nil
}

// buildSetupConfig turns wizard answers into a config. With a keyring the
// pairing secret and backend token are stored there instead of the file.
func buildSetupConfig(ans setupAnswers, useKeyring bool) (*copilot.Config, error) {
	cfg := copilot.DefaultConfig()
	cfg.Name = ans.name
	cfg.Backend.URL = ans.backendURL

	cfg.Channels.WhatsApp.Enabled = slices.Contains(ans.channels, "whatsapp")
	cfg.Channels.Discord.Enabled = slices.Contains(ans.channels, "discord")
	cfg.Channels.Telegram.Enabled = slices.Contains(ans.channels, "telegram")
	cfg.Channels.Discord.Token = ans.discordToken
	cfg.Channels.Telegram.Token = ans.telegramToken

	cfg.Heartbeat.Enabled = ans.heartbeat
	if ans.interval != "" {
		d, err := time.ParseDuration(ans.interval)
		if err != nil {
			return nil, fmt.Errorf("heartbeat interval: %w", err)
		}
		cfg.Heartbeat.Interval = d
	}
	cfg.Gateway.Enabled = ans.gateway

	secrets := []struct {
		key   string
		value string
		field *string
	}{
		{copilot.KeyPairingSecret, ans.pairingSecret, &cfg.Pairing.Secret},
		{copilot.KeyBackendToken, ans.backendToken, &cfg.Backend.Token},
	}
	for _, s := range secrets {
		if s.value == "" {
			continue
		}
		if useKeyring {
			if err := copilot.StoreKeyring(s.key, s.value); err != nil {
				return nil, err
			}
			continue
		}
		*s.field = s.value
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func validateURL(s string) error {
	u, err := url.Parse(s)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return errors.New("enter an absolute URL such as http://127.0.0.1:4096")
	}
	return nil
}

// abortedOr turns a user abort into a clean exit.
func abortedOr(err error) error {
	if errors.Is(err, huh.ErrUserAborted) {
		fmt.Println("Setup cancelled.")
		return nil
	}
	return err
}
