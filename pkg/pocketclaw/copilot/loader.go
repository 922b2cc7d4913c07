// Package copilot – loader.go loads configuration from YAML files with
// credentials coming from the environment and .env files.
package copilot

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// envVarPattern matches ${VAR}, ${VAR:-default}, ${VAR:?message} and $VAR.
var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(?:(:-|:\?)([^}]*))?\}|\$([A-Z_][A-Z0-9_]*)`)

// LoadConfigFromFile reads and parses a YAML configuration file. It loads
// .env files first and expands environment references before parsing.
func LoadConfigFromFile(path string) (*Config, error) {
	loadEnvFiles(filepath.Dir(path))

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	expanded, err := ExpandEnvVars(string(data))
	if err != nil {
		return nil, fmt.Errorf("expanding %s: %w", path, err)
	}

	cfg, err := ParseConfig([]byte(expanded))
	if err != nil {
		return nil, err
	}

	resolveEnvSecrets(cfg)
	checkFilePermissions(path)
	return cfg, nil
}

// ParseConfig parses YAML bytes over DefaultConfig.
func ParseConfig(data []byte) (*Config, error) {
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		if errors.Is(err, io.EOF) {
			return cfg, nil
		}
		return nil, fmt.Errorf("parsing config YAML: %w", err)
	}
	return cfg, nil
}

// SaveConfigToFile writes cfg as YAML with owner-only permissions. Secrets
// already present in the environment are written as references.
func SaveConfigToFile(cfg *Config, path string) error {
	sanitized := *cfg
	sanitized.Pairing.Secret = sanitizeSecret(cfg.Pairing.Secret, EnvPairingSecret)
	sanitized.Backend.Token = sanitizeSecret(cfg.Backend.Token, EnvBackendToken)
	sanitized.Channels.Telegram.Token = sanitizeSecret(cfg.Channels.Telegram.Token, EnvTelegramToken)
	sanitized.Channels.Discord.Token = sanitizeSecret(cfg.Channels.Discord.Token, EnvDiscordToken)

	data, err := yaml.Marshal(&sanitized)
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("creating config directory: %w", err)
		}
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}
	return nil
}

// FindConfigFile searches for config files in standard locations.
func FindConfigFile() string {
	candidates := []string{
		"config.yaml",
		"config.yml",
		"pocketclaw.yaml",
		"pocketclaw.yml",
		"configs/config.yaml",
	}
	for _, path := range candidates {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return ""
}

// ExpandEnvVars replaces environment references in input. Unset plain
// references are left in place; ${VAR:-x} falls back to x and
// ${VAR:?msg} fails with msg.
func ExpandEnvVars(input string) (string, error) {
	var errs []error
	out := envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		m := envVarPattern.FindStringSubmatch(match)
		if m[4] != "" {
			if val, ok := os.LookupEnv(m[4]); ok {
				return val
			}
			return match
		}

		name, op, arg := m[1], m[2], m[3]
		val, ok := os.LookupEnv(name)
		switch op {
		case ":-":
			if !ok || val == "" {
				return arg
			}
		case ":?":
			if !ok || val == "" {
				if arg == "" {
					arg = "is required"
				}
				errs = append(errs, fmt.Errorf("%s: %s", name, arg))
				return ""
			}
		default:
			if !ok {
				return match
			}
		}
		return val
	})
	return out, errors.Join(errs...)
}

// IsEnvReference reports whether s is an unexpanded environment reference.
func IsEnvReference(s string) bool {
	return strings.HasPrefix(s, "$")
}

// AuditSecrets warns about secrets written in plaintext in the config.
func AuditSecrets(cfg *Config, logger *slog.Logger) {
	if cfg.Pairing.Secret != "" && !IsEnvReference(cfg.Pairing.Secret) {
		logger.Warn("pairing secret is stored in the config file",
			"hint", "run `pocketclaw pair set-secret` to move it to the OS keyring")
	}
	if cfg.Backend.Token != "" && !IsEnvReference(cfg.Backend.Token) && len(cfg.Backend.Token) > 20 {
		logger.Warn("backend token appears to be hardcoded in config",
			"hint", "set 'token: ${"+EnvBackendToken+"}' in config.yaml")
	}
}

// ---------- Internal ----------

// loadEnvFiles loads .env files from the working directory and the config
// directory. Existing variables are never overwritten.
func loadEnvFiles(configDir string) {
	files := []string{".env", ".env.local"}
	if configDir != "" && configDir != "." {
		files = append(files, filepath.Join(configDir, ".env"), filepath.Join(configDir, ".env.local"))
	}
	for _, f := range files {
		_ = godotenv.Load(f)
	}
}

// resolveEnvSecrets fills empty or unexpanded secrets from the environment.
func resolveEnvSecrets(cfg *Config) {
	fill := func(dst *string, env string) {
		if *dst != "" && !IsEnvReference(*dst) {
			return
		}
		if v := os.Getenv(env); v != "" {
			*dst = v
		}
	}
	fill(&cfg.Pairing.Secret, EnvPairingSecret)
	fill(&cfg.Backend.Token, EnvBackendToken)
	fill(&cfg.Channels.Telegram.Token, EnvTelegramToken)
	fill(&cfg.Channels.Discord.Token, EnvDiscordToken)
}

// sanitizeSecret replaces a value that matches its environment variable
// with a reference to it.
func sanitizeSecret(value, envVar string) string {
	if value == "" || IsEnvReference(value) {
		return value
	}
	if os.Getenv(envVar) == value {
		return "${" + envVar + "}"
	}
	return value
}

// checkFilePermissions warns if the config file is group or world readable.
func checkFilePermissions(path string) {
	info, err := os.Stat(path)
	if err != nil {
		return
	}
	mode := info.Mode().Perm()
	if mode&0o044 != 0 {
		slog.Warn("config file has open permissions, consider restricting",
			"path", path,
			"current", fmt.Sprintf("%04o", mode),
			"fix", fmt.Sprintf("chmod 600 %s", path),
		)
	}
}
