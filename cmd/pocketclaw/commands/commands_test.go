package commands

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/zalando/go-keyring"

	"github.com/jholhewres/pocketclaw/pkg/pocketclaw/copilot"
	"github.com/jholhewres/pocketclaw/pkg/pocketclaw/database"
)

func TestShouldEnable(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		filter []string
		def    bool
		want   bool
	}{
		{"no filter uses default on", nil, true, true},
		{"no filter uses default off", nil, false, false},
		{"filter includes", []string{"telegram", "discord"}, false, true},
		{"filter excludes", []string{"discord"}, true, false},
	}
	for _, tt := range tests {
		if got := shouldEnable("telegram", tt.filter, tt.def); got != tt.want {
			t.Errorf("%s: shouldEnable = %v, want %v", tt.name, got, tt.want)
		}
	}
}

func TestPreview(t *testing.T) {
	t.Parallel()

	if got := preview("short", 10); got != "short" {
		t.Errorf("preview(short) = %q", got)
	}
	if got := preview("line\nbreak", 20); got != "line break" {
		t.Errorf("preview(newline) = %q", got)
	}
	if got := preview("abcdefghij", 5); got != "abcd…" {
		t.Errorf("preview(long) = %q, want %q", got, "abcd…")
	}
}

func TestBuildSetupConfig(t *testing.T) {
	keyring.MockInit()

	ans := setupAnswers{
		name:          "Pocket",
		backendURL:    "http://127.0.0.1:4096",
		backendToken:  "tok",
		channels:      []string{"telegram"},
		telegramToken: "tg",
		pairingSecret: "long enough secret",
		heartbeat:     true,
		interval:      "1h",
	}

	t.Run("keyring", func(t *testing.T) {
		cfg, err := buildSetupConfig(ans, true)
		if err != nil {
			t.Fatal(err)
		}
		if cfg.Pairing.Secret != "" || cfg.Backend.Token != "" {
			t.Error("secrets written to the config although the keyring is available")
		}
		if got := copilot.GetKeyring(copilot.KeyPairingSecret); got != ans.pairingSecret {
			t.Errorf("keyring pairing secret = %q", got)
		}
		if !cfg.Channels.Telegram.Enabled || cfg.Channels.WhatsApp.Enabled {
			t.Errorf("channels = %+v", cfg.Channels)
		}
		if cfg.Heartbeat.Interval != time.Hour || !cfg.Heartbeat.Enabled {
			t.Errorf("heartbeat = %+v", cfg.Heartbeat)
		}
	})

	t.Run("no keyring", func(t *testing.T) {
		cfg, err := buildSetupConfig(ans, false)
		if err != nil {
			t.Fatal(err)
		}
		if cfg.Pairing.Secret != ans.pairingSecret || cfg.Backend.Token != "tok" {
			t.Error("secrets missing from the config without a keyring")
		}
	})

	t.Run("invalid url", func(t *testing.T) {
		bad := ans
		bad.backendURL = "nope"
		if _, err := buildSetupConfig(bad, false); err == nil {
			t.Error("buildSetupConfig(bad url) = nil error")
		}
	})
}

func TestHeartbeatAndPairCommands(t *testing.T) {
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "pc.db")
	cfgPath := filepath.Join(dir, "config.yaml")
	content := "database:\n  path: " + dbPath + "\nchannels:\n  telegram:\n    enabled: true\n"
	if err := os.WriteFile(cfgPath, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}

	run := func(args ...string) error {
		root := NewRootCmd("test")
		root.SetArgs(append([]string{"--config", cfgPath}, args...))
		return root.Execute()
	}

	if err := run("heartbeat", "add", "check inbox"); err != nil {
		t.Fatal(err)
	}
	if err := run("heartbeat", "disable", "1"); err != nil {
		t.Fatal(err)
	}
	if err := run("pair", "add", "telegram", "42"); err != nil {
		t.Fatal(err)
	}
	if err := run("pair", "revoke", "telegram", "7"); err == nil {
		t.Error("revoking an unknown user = nil error")
	}
	if err := run("schedule", "add", "@daily", "digest", "--id", "d1", "--channel", "telegram", "--user", "42"); err != nil {
		t.Fatal(err)
	}
	if err := run("schedule", "add", "@daily", "digest", "--id", "d2", "--channel", "discord", "--user", "42"); err == nil {
		t.Error("adding a job for a disabled channel = nil error")
	}
	if err := run("schedule", "disable", "d1"); err != nil {
		t.Fatal(err)
	}

	db, err := database.OpenDatabase(dbPath)
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()

	tasks, err := database.NewHeartbeatRepo(db).ListTasks()
	if err != nil {
		t.Fatal(err)
	}
	if len(tasks) != 1 || tasks[0].Task != "check inbox" || tasks[0].Enabled {
		t.Errorf("tasks = %+v", tasks)
	}
	if ok, _ := database.NewWhitelistRepo(db).IsWhitelisted("telegram", "42"); !ok {
		t.Error("pair add did not whitelist the user")
	}
	jobs, err := database.NewJobRepo(db).LoadAll()
	if err != nil {
		t.Fatal(err)
	}
	if len(jobs) != 1 || jobs[0].ID != "d1" || jobs[0].Enabled {
		t.Errorf("jobs = %+v", jobs)
	}
}
