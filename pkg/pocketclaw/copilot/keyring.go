// Package copilot – keyring.go stores secrets in the operating system's
// native keyring (Secret Service, Keychain, Credential Manager).
//
// Secrets resolve in this order:
//  1. OS keyring
//  2. environment variable (also loaded from .env)
//  3. config.yaml value
package copilot

import (
	"fmt"
	"log/slog"

	"github.com/zalando/go-keyring"
)

const keyringService = "pocketclaw"

// Keyring keys.
const (
	KeyPairingSecret = "pairing_secret"
	KeyBackendToken  = "backend_token"
)

// Environment variables.
const (
	EnvPairingSecret = "POCKETCLAW_PAIRING_SECRET"
	EnvBackendToken  = "POCKETCLAW_BACKEND_TOKEN"
	EnvTelegramToken = "TELEGRAM_BOT_TOKEN"
	EnvDiscordToken  = "DISCORD_BOT_TOKEN"
)

// StoreKeyring saves a secret to the OS keyring.
func StoreKeyring(key, value string) error {
	if err := keyring.Set(keyringService, key, value); err != nil {
		return fmt.Errorf("storing %s in keyring: %w", key, err)
	}
	return nil
}

// GetKeyring retrieves a secret from the OS keyring, "" if absent.
func GetKeyring(key string) string {
	val, err := keyring.Get(keyringService, key)
	if err != nil {
		return ""
	}
	return val
}

// DeleteKeyring removes a secret from the OS keyring.
func DeleteKeyring(key string) error {
	return keyring.Delete(keyringService, key)
}

// KeyringAvailable checks whether the OS keyring is usable.
func KeyringAvailable() bool {
	testKey := "__pocketclaw_test__"
	if err := keyring.Set(keyringService, testKey, "test"); err != nil {
		return false
	}
	_ = keyring.Delete(keyringService, testKey)
	return true
}

// ResolveSecrets overrides config secrets with keyring values. Env and
// config values were already merged by LoadConfigFromFile.
func ResolveSecrets(cfg *Config, logger *slog.Logger) {
	if val := GetKeyring(KeyPairingSecret); val != "" {
		cfg.Pairing.Secret = val
		logger.Debug("pairing secret loaded from OS keyring")
	}
	if val := GetKeyring(KeyBackendToken); val != "" {
		cfg.Backend.Token = val
		logger.Debug("backend token loaded from OS keyring")
	}
	if IsEnvReference(cfg.Pairing.Secret) {
		cfg.Pairing.Secret = ""
	}
	if IsEnvReference(cfg.Backend.Token) {
		cfg.Backend.Token = ""
	}
	if cfg.Pairing.Secret == "" {
		logger.Warn("no pairing secret configured, pairing is disabled",
			"hint", "run `pocketclaw pair set-secret`")
	}
}
