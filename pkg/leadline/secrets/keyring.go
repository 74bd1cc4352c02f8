// Package secrets – keyring.go provides secure credential storage using the
// operating system's native keyring (Linux: Secret Service/GNOME Keyring,
// macOS: Keychain, Windows: Credential Manager).
//
// Priority for resolving secrets:
//  1. Encrypted vault (.leadline.vault, AES-256-GCM + Argon2, requires master password)
//  2. OS keyring (encrypted by the OS, requires user session)
//  3. Environment variable (LEADLINE_API_KEY, ANTHROPIC_API_KEY, etc.)
//  4. .env file (loaded by godotenv)
//  5. config.yaml value (least secure: plaintext on disk)
package secrets

import (
	"log/slog"
	"os"

	"github.com/zalando/go-keyring"
	"golang.org/x/term"

	"github.com/jholhewres/leadline/pkg/leadline/config"
)

const (
	// keyringService is the service name used in the OS keyring.
	keyringService = "leadline"

	// keyringAPIKey is the key name for the LLM API key.
	keyringAPIKey = "api_key"

	// keyringGatewayToken is the key name for the HTTP gateway auth token.
	keyringGatewayToken = "gateway_token"
)

// StoreKeyring saves a secret to the OS keyring.
func StoreKeyring(key, value string) error {
	return keyring.Set(keyringService, key, value)
}

// GetKeyring retrieves a secret from the OS keyring.
// Returns empty string if not found.
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

// KeyringAvailable checks if the OS keyring is accessible.
func KeyringAvailable() bool {
	// Try a write+delete cycle with a test key.
	testKey := "__leadline_test__"
	if err := keyring.Set(keyringService, testKey, "test"); err != nil {
		return false
	}
	_ = keyring.Delete(keyringService, testKey)
	return true
}

// Resolve fills the config's secret fields using the priority chain:
// vault → keyring → env var → config value.
// If a vault exists but is locked, it prompts for the master password
// (or uses LEADLINE_VAULT_PASSWORD for non-interactive mode).
// Returns the unlocked vault (or nil if unavailable) so the CLI can
// reuse it for secret subcommands.
func Resolve(cfg *config.Config, logger *slog.Logger) *Vault {
	// 1. Try encrypted vault first (most secure, password-protected).
	vault := NewVault(VaultFile)
	if vault.Exists() {
		if !vault.IsUnlocked() {
			// Try LEADLINE_VAULT_PASSWORD first (for PM2, systemd, Docker).
			if envPass := os.Getenv("LEADLINE_VAULT_PASSWORD"); envPass != "" {
				if err := vault.Unlock(envPass); err != nil {
					logger.Warn("failed to unlock vault with LEADLINE_VAULT_PASSWORD", "error", err)
				} else {
					logger.Info("vault unlocked via LEADLINE_VAULT_PASSWORD")
				}
			}
		}

		if !vault.IsUnlocked() {
			// Fall back to interactive prompt if stdin is a terminal.
			if term.IsTerminal(int(os.Stdin.Fd())) {
				password, err := ReadPassword("Vault password: ")
				if err != nil {
					logger.Warn("failed to read vault password", "error", err)
				} else if err := vault.Unlock(password); err != nil {
					logger.Warn("failed to unlock vault", "error", err)
				}
			} else {
				logger.Info("vault exists but skipping (non-interactive mode, no LEADLINE_VAULT_PASSWORD), using env/config")
			}
		}

		if vault.IsUnlocked() {
			injectVaultSecrets(vault, cfg, logger)
			return vault
		}
	}

	// 2. Try OS keyring (encrypted by the OS).
	if needsValue(cfg.Responder.APIKey) {
		if val := GetKeyring(keyringAPIKey); val != "" {
			cfg.Responder.APIKey = val
			logger.Debug("API key loaded from OS keyring")
		}
	}
	if needsValue(cfg.Gateway.AuthToken) {
		if val := GetKeyring(keyringGatewayToken); val != "" {
			cfg.Gateway.AuthToken = val
			logger.Debug("gateway token loaded from OS keyring")
		}
	}

	// 3. If config already has resolved values (from env expansion), keep them.
	if needsValue(cfg.Responder.APIKey) && cfg.Responder.Provider != "" {
		logger.Warn("no API key found. Set one with: leadline secret set " + config.ProviderKeyName(cfg.Responder.Provider))
	}
	return nil
}

// injectVaultSecrets reads all secrets from the unlocked vault, sets them as
// environment variables, and resolves known config fields.
// Provider API keys (ANTHROPIC_API_KEY, OPENAI_API_KEY, etc.) are injected
// under their stored names, so config references keep working.
func injectVaultSecrets(vault *Vault, cfg *config.Config, logger *slog.Logger) {
	if err := vault.InjectEnv(); err != nil {
		logger.Warn("failed to inject vault secrets", "error", err)
	}

	// Resolve known config fields from the vault. Provider-specific key
	// first, then the generic fallback.
	for _, name := range []string{config.ProviderKeyName(cfg.Responder.Provider), "LEADLINE_API_KEY"} {
		if !needsValue(cfg.Responder.APIKey) {
			break
		}
		if val, err := vault.Get(name); err == nil && val != "" {
			cfg.Responder.APIKey = val
			logger.Debug("API key loaded from encrypted vault", "provider", cfg.Responder.Provider, "key", name)
		}
	}

	if val, err := vault.Get("LEADLINE_GATEWAY_TOKEN"); err == nil && val != "" && needsValue(cfg.Gateway.AuthToken) {
		cfg.Gateway.AuthToken = val
		logger.Debug("gateway token loaded from encrypted vault")
	}

	if val, err := vault.Get("DISCORD_BOT_TOKEN"); err == nil && val != "" && needsValue(cfg.Alerts.BotToken) {
		cfg.Alerts.BotToken = val
		logger.Debug("Discord bot token loaded from encrypted vault")
	}

	if val, err := vault.Get("NATS_TOKEN"); err == nil && val != "" && needsValue(cfg.NATS.Token) {
		cfg.NATS.Token = val
		logger.Debug("NATS token loaded from encrypted vault")
	}

	if injected := len(vault.List()); injected > 0 {
		logger.Info("vault secrets injected into process environment",
			"count", injected)
	}
}

// needsValue reports whether a config secret still has to be resolved:
// it is empty or an unexpanded ${VAR} reference.
func needsValue(s string) bool {
	return s == "" || config.IsEnvReference(s)
}
