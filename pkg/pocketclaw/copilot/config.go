// Package copilot – config.go defines the configuration of a PocketClaw
// host and its validation.
package copilot

import (
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/jholhewres/pocketclaw/pkg/pocketclaw/backend"
	"github.com/jholhewres/pocketclaw/pkg/pocketclaw/channels/console"
	"github.com/jholhewres/pocketclaw/pkg/pocketclaw/channels/discord"
	"github.com/jholhewres/pocketclaw/pkg/pocketclaw/channels/telegram"
	"github.com/jholhewres/pocketclaw/pkg/pocketclaw/channels/whatsapp"
	"github.com/jholhewres/pocketclaw/pkg/pocketclaw/gateway"
	"github.com/jholhewres/pocketclaw/pkg/pocketclaw/heartbeat"
	"github.com/jholhewres/pocketclaw/pkg/pocketclaw/outbox"
	"github.com/jholhewres/pocketclaw/pkg/pocketclaw/security"
)

// Config holds all host configuration.
type Config struct {
	// Name is the assistant name used in user-facing text.
	Name string `yaml:"name"`

	Database  DatabaseConfig  `yaml:"database"`
	Backend   backend.Config  `yaml:"backend"`
	Channels  ChannelsConfig  `yaml:"channels"`
	Outbox    outbox.Config   `yaml:"outbox"`
	Heartbeat HeartbeatConfig `yaml:"heartbeat"`
	Pairing   PairingConfig   `yaml:"pairing"`
	Session   SessionConfig   `yaml:"session"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Gateway   gateway.Config  `yaml:"gateway"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// DatabaseConfig locates the SQLite database.
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// ChannelsConfig holds configuration for all channels.
type ChannelsConfig struct {
	WhatsApp whatsapp.Config `yaml:"whatsapp"`
	Discord  discord.Config  `yaml:"discord"`
	Telegram telegram.Config `yaml:"telegram"`
	Console  console.Config  `yaml:"console"`
}

// HeartbeatConfig configures the periodic background check.
type HeartbeatConfig struct {
	Enabled bool `yaml:"enabled"`

	heartbeat.Config `yaml:",inline"`

	// Prompt is sent to the backend on every run. Enabled heartbeat tasks
	// are appended as a checklist.
	Prompt string `yaml:"prompt"`

	// ActiveStart and ActiveEnd bound the hours (0-23, local time) in
	// which a run talks to the backend. Equal values mean always.
	ActiveStart int `yaml:"active_start"`
	ActiveEnd   int `yaml:"active_end"`
}

// PairingConfig configures who may talk to the assistant.
type PairingConfig struct {
	// Secret is the pairing token. Prefer the keyring or
	// POCKETCLAW_PAIRING_SECRET over a plaintext value here.
	Secret string `yaml:"secret"`

	// TrustedChannels skip pairing entirely (e.g. the local console).
	TrustedChannels []string `yaml:"trusted_channels"`

	Guard security.GuardConfig `yaml:"guard"`
}

// Chat session scopes.
const (
	ScopeMain    = "main"
	ScopePerUser = "per_user"
)

// SessionConfig decides how chats map to backend sessions.
type SessionConfig struct {
	// Scope is "main" (every user shares one conversation) or "per_user"
	// (one conversation per channel and user).
	Scope string `yaml:"scope"`
}

// SchedulerConfig configures scheduled jobs.
type SchedulerConfig struct {
	Enabled    bool          `yaml:"enabled"`
	JobTimeout time.Duration `yaml:"job_timeout"`
}

// LoggingConfig configures log output.
type LoggingConfig struct {
	// Level is "debug", "info", "warn" or "error".
	Level string `yaml:"level"`

	// Format is "json" or "text".
	Format string `yaml:"format"`
}

// DefaultConfig returns the default host configuration.
func DefaultConfig() *Config {
	return &Config{
		Name:     "PocketClaw",
		Database: DatabaseConfig{Path: "./data/pocketclaw.db"},
		Backend:  backend.DefaultConfig(),
		Channels: ChannelsConfig{
			WhatsApp: whatsapp.DefaultConfig(),
			Discord:  discord.DefaultConfig(),
			Telegram: telegram.DefaultConfig(),
			Console:  console.DefaultConfig(),
		},
		Outbox: outbox.DefaultConfig(),
		Heartbeat: HeartbeatConfig{
			Config: heartbeat.DefaultConfig(),
			Prompt: "Heartbeat check. Review the checklist and report only what needs my attention. " +
				"Reply HEARTBEAT_OK if nothing does.",
			ActiveStart: 8,
			ActiveEnd:   22,
		},
		Pairing: PairingConfig{
			TrustedChannels: []string{"console"},
			Guard:           security.DefaultGuardConfig(),
		},
		Session: SessionConfig{Scope: ScopeMain},
		Scheduler: SchedulerConfig{
			Enabled:    true,
			JobTimeout: 5 * time.Minute,
		},
		Gateway: gateway.DefaultConfig(),
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Validate reports every setting the host cannot run with. Component
// level problems (a bad heartbeat interval, a missing pairing secret) are
// not errors here; those components refuse to start on their own.
func (c *Config) Validate() error {
	var errs []error

	if c.Backend.URL == "" {
		errs = append(errs, errors.New("backend.url is required"))
	} else if u, err := url.Parse(c.Backend.URL); err != nil || u.Scheme == "" || u.Host == "" {
		errs = append(errs, fmt.Errorf("backend.url %q is not an absolute URL", c.Backend.URL))
	}

	if _, err := ParseLevel(c.Logging.Level); err != nil {
		errs = append(errs, err)
	}
	switch c.Logging.Format {
	case "", "json", "text":
	default:
		errs = append(errs, fmt.Errorf("logging.format %q must be json or text", c.Logging.Format))
	}

	switch c.Session.Scope {
	case "", ScopeMain, ScopePerUser:
	default:
		errs = append(errs, fmt.Errorf("session.scope %q must be %s or %s", c.Session.Scope, ScopeMain, ScopePerUser))
	}
	if c.Outbox.MaxRetries < 0 {
		errs = append(errs, errors.New("outbox.max_retries must not be negative"))
	}
	if !validHour(c.Heartbeat.ActiveStart) || !validHour(c.Heartbeat.ActiveEnd) {
		errs = append(errs, errors.New("heartbeat.active_start and active_end must be between 0 and 23"))
	}
	if c.Gateway.Enabled && c.Gateway.Address == "" {
		errs = append(errs, errors.New("gateway.address is required when the gateway is enabled"))
	}

	return errors.Join(errs...)
}

// ParseLevel maps a config level to slog. Empty means info.
func ParseLevel(level string) (slog.Level, error) {
	switch strings.ToLower(level) {
	case "", "info":
		return slog.LevelInfo, nil
	case "debug":
		return slog.LevelDebug, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("logging.level %q is not one of debug, info, warn, error", level)
	}
}

// IsTrusted reports whether channel bypasses pairing.
func (c *Config) IsTrusted(channel string) bool {
	for _, t := range c.Pairing.TrustedChannels {
		if t == channel {
			return true
		}
	}
	return false
}

func validHour(h int) bool { return h >= 0 && h <= 23 }
