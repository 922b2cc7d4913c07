package copilot

import (
	"log/slog"
	"strings"
	"testing"
)

func TestDefaultConfig_Valid(t *testing.T) {
	t.Parallel()

	cfg := DefaultConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("DefaultConfig().Validate() = %v", err)
	}
	if !cfg.IsTrusted("console") {
		t.Error("console should be trusted by default")
	}
	if cfg.IsTrusted("whatsapp") {
		t.Error("whatsapp should not be trusted by default")
	}
	if cfg.Session.Scope != ScopeMain {
		t.Errorf("Session.Scope = %q, want %q", cfg.Session.Scope, ScopeMain)
	}
	if cfg.Outbox.MaxRetries != 3 {
		t.Errorf("Outbox.MaxRetries = %d, want 3", cfg.Outbox.MaxRetries)
	}
}

func TestConfig_Validate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"missing backend", func(c *Config) { c.Backend.URL = "" }, "backend.url is required"},
		{"relative backend", func(c *Config) { c.Backend.URL = "localhost:4096" }, "not an absolute URL"},
		{"bad level", func(c *Config) { c.Logging.Level = "loud" }, "logging.level"},
		{"bad format", func(c *Config) { c.Logging.Format = "xml" }, "logging.format"},
		{"negative retries", func(c *Config) { c.Outbox.MaxRetries = -1 }, "max_retries"},
		{"bad session scope", func(c *Config) { c.Session.Scope = "per_channel" }, "session.scope"},
		{"bad hour", func(c *Config) { c.Heartbeat.ActiveEnd = 24 }, "active_start"},
		{"gateway without address", func(c *Config) {
			c.Gateway.Enabled = true
			c.Gateway.Address = ""
		}, "gateway.address"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if err == nil {
				t.Fatal("Validate() = nil, want error")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Validate() = %q, want it to mention %q", err, tt.wantErr)
			}
		})
	}
}

func TestConfig_ValidateJoinsErrors(t *testing.T) {
	t.Parallel()

	cfg := DefaultConfig()
	cfg.Backend.URL = ""
	cfg.Logging.Format = "xml"
	err := cfg.Validate()
	if err == nil {
		t.Fatal("Validate() = nil, want error")
	}
	for _, want := range []string{"backend.url", "logging.format"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("Validate() = %q, missing %q", err, want)
		}
	}
}

func TestParseLevel(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in      string
		want    slog.Level
		wantErr bool
	}{
		{"", slog.LevelInfo, false},
		{"info", slog.LevelInfo, false},
		{"DEBUG", slog.LevelDebug, false},
		{"warning", slog.LevelWarn, false},
		{"error", slog.LevelError, false},
		{"trace", slog.LevelInfo, true},
	}
	for _, tt := range tests {
		got, err := ParseLevel(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseLevel(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
		}
		if got != tt.want {
			t.Errorf("ParseLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}
