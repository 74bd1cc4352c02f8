package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/jholhewres/leadline/pkg/leadline/responder"
)

// envVarPattern matches environment variable references in config
// values:
//   - ${VAR_NAME}          - simple variable
//   - ${VAR_NAME:-default} - default value if not set
//   - ${VAR_NAME:?error}   - error message if not set
//   - $VAR_NAME            - bare variable (no default/error support)
var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(?::(-|\?)([^}]*))?\}|\$([A-Z_][A-Z0-9_]*)`)

// Load reads and parses a YAML configuration file. .env files are
// loaded first, then environment references are expanded. Returns an
// error if any ${VAR:?error} pattern has its variable unset.
func Load(path string) (*Config, error) {
	loadEnvFiles()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	expanded, err := expandEnvVarsWithValidation(string(data))
	if err != nil {
		return nil, fmt.Errorf("expanding environment variables: %w", err)
	}

	cfg, err := Parse([]byte(expanded))
	if err != nil {
		return nil, err
	}

	resolveSecrets(cfg)
	resolveRelativePaths(cfg, path)
	checkFilePermissions(path)

	return cfg, nil
}

// Parse parses YAML bytes into a Config, overlaying values on the
// defaults.
func Parse(data []byte) (*Config, error) {
	cfg := Default()

	var raw map[string]any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parsing config YAML: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("mapping config: %w", err)
	}

	// A partial maintenance section must not silently disable the
	// housekeeping jobs that default to on.
	if section, ok := raw["maintenance"].(map[string]any); ok {
		if _, set := section["enabled"]; !set {
			cfg.Maintenance.Enabled = Default().Maintenance.Enabled
		}
	}

	return cfg, nil
}

// Save writes a Config as YAML. Secrets are replaced with environment
// variable references and the previous file is kept as a .bak.
func Save(cfg *Config, path string) error {
	sanitized := *cfg
	sanitized.Responder.APIKey = sanitizeSecret(cfg.Responder.APIKey, ProviderKeyName(cfg.Responder.Provider), "LEADLINE_API_KEY")
	sanitized.Gateway.AuthToken = sanitizeSecret(cfg.Gateway.AuthToken, "LEADLINE_GATEWAY_TOKEN")
	sanitized.Alerts.BotToken = sanitizeSecret(cfg.Alerts.BotToken, "DISCORD_BOT_TOKEN")
	sanitized.NATS.Token = sanitizeSecret(cfg.NATS.Token, "NATS_TOKEN")

	data, err := yaml.Marshal(&sanitized)
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}

	var check map[string]any
	if err := yaml.Unmarshal(data, &check); err != nil {
		return fmt.Errorf("config validation failed (refusing to write corrupt data): %w", err)
	}

	if _, err := os.Stat(path); err == nil {
		if existing, err := os.ReadFile(path); err == nil {
			_ = os.WriteFile(path+".bak", existing, 0o600)
		}
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

// FindConfigFile searches standard locations for a config file.
func FindConfigFile() string {
	candidates := []string{
		"config.yaml",
		"config.yml",
		"leadline.yaml",
		"leadline.yml",
		"configs/config.yaml",
		"configs/leadline.yaml",
	}
	for _, path := range candidates {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return ""
}

// ProviderKeyName maps a responder provider to its conventional API key
// environment variable.
func ProviderKeyName(provider string) string {
	switch provider {
	case responder.ProviderAnthropic:
		return "ANTHROPIC_API_KEY"
	case responder.ProviderOpenAI:
		return "OPENAI_API_KEY"
	default:
		return "LEADLINE_API_KEY"
	}
}

// AuditSecrets logs a warning for every secret hardcoded in the config
// file instead of referenced from the environment.
func AuditSecrets(cfg *Config, logger *slog.Logger) {
	if looksLikeRealSecret(cfg.Responder.APIKey) {
		logger.Warn("responder API key appears hardcoded in config",
			"hint", "set 'api_key: ${"+ProviderKeyName(cfg.Responder.Provider)+"}' instead")
	}
	if looksLikeRealSecret(cfg.Alerts.BotToken) {
		logger.Warn("Discord bot token appears hardcoded in config",
			"hint", "set 'bot_token: ${DISCORD_BOT_TOKEN}' instead")
	}
}

// ---------- Internal ----------

// loadEnvFiles loads .env files from standard locations. Existing
// environment variables are never overwritten.
func loadEnvFiles() {
	for _, f := range []string{".env", ".env.local"} {
		_ = godotenv.Load(f)
	}
}

// expandEnvVars replaces ${VAR}, ${VAR:-default}, ${VAR:?error}, and
// $VAR references with their environment values. Unset variables
// without a modifier keep the placeholder; unset ${VAR:?} references
// are marked for expandEnvVarsWithValidation to reject.
func expandEnvVars(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		submatches := envVarPattern.FindStringSubmatch(match)

		var varName, modifierType, modifierValue, bareVar string
		if len(submatches) >= 2 {
			varName = submatches[1]
		}
		if len(submatches) >= 3 {
			modifierType = submatches[2]
		}
		if len(submatches) >= 4 {
			modifierValue = submatches[3]
		}
		if len(submatches) >= 5 {
			bareVar = submatches[4]
		}

		if bareVar != "" {
			if val, ok := os.LookupEnv(bareVar); ok {
				return val
			}
			return match
		}

		if varName != "" {
			if val, ok := os.LookupEnv(varName); ok {
				return val
			}
			if modifierType == "?" {
				errorMsg := modifierValue
				if errorMsg == "" {
					errorMsg = "required environment variable not set"
				}
				return "ERROR:" + varName + ":" + errorMsg
			}
			if modifierType == "-" {
				return modifierValue
			}
			return match
		}

		return match
	})
}

// expandEnvVarsWithValidation is expandEnvVars plus rejection of unset
// ${VAR:?error} references.
func expandEnvVarsWithValidation(input string) (string, error) {
	result := expandEnvVars(input)
	if idx := strings.Index(result, "ERROR:"); idx >= 0 {
		rest := result[idx+len("ERROR:"):]
		colonIdx := strings.Index(rest, ":")
		if colonIdx == -1 {
			return "", fmt.Errorf("config error: malformed error marker")
		}
		varName := rest[:colonIdx]
		errorMsg := rest[colonIdx+1:]
		if end := strings.IndexAny(errorMsg, "\n\""); end >= 0 {
			errorMsg = errorMsg[:end]
		}
		return "", fmt.Errorf("config error: %s - %s", varName, errorMsg)
	}
	return result, nil
}

// resolveSecrets fills empty or unresolved secrets from well-known
// environment variables.
func resolveSecrets(cfg *Config) {
	if cfg.Responder.APIKey == "" || IsEnvReference(cfg.Responder.APIKey) {
		for _, name := range []string{"LEADLINE_API_KEY", ProviderKeyName(cfg.Responder.Provider)} {
			if key := os.Getenv(name); key != "" {
				cfg.Responder.APIKey = key
				break
			}
		}
	}
	if cfg.Gateway.AuthToken == "" || IsEnvReference(cfg.Gateway.AuthToken) {
		if token := os.Getenv("LEADLINE_GATEWAY_TOKEN"); token != "" {
			cfg.Gateway.AuthToken = token
		}
	}
	if cfg.Alerts.BotToken == "" || IsEnvReference(cfg.Alerts.BotToken) {
		if token := os.Getenv("DISCORD_BOT_TOKEN"); token != "" {
			cfg.Alerts.BotToken = token
		}
	}
	if cfg.NATS.Token == "" || IsEnvReference(cfg.NATS.Token) {
		if token := os.Getenv("NATS_TOKEN"); token != "" {
			cfg.NATS.Token = token
		}
	}
}

// resolveRelativePaths anchors file paths to the config file's
// directory so starting the server from another working directory does
// not scatter databases around.
func resolveRelativePaths(cfg *Config, configPath string) {
	configDir := filepath.Dir(configPath)
	if cfg.Storage.Path != "" {
		cfg.Storage.Path = resolvePathFromConfig(cfg.Storage.Path, configDir)
	}
}

func resolvePathFromConfig(path, configDir string) string {
	if path == "" {
		return path
	}
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		path = filepath.Join(home, path[2:])
	}
	if filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(configDir, path)
}

// sanitizeSecret replaces a real secret with an env var reference when
// one of the candidate variables carries the same value.
func sanitizeSecret(value string, envVars ...string) string {
	if value == "" || IsEnvReference(value) {
		return value
	}
	for _, envVar := range envVars {
		if os.Getenv(envVar) == value {
			return "${" + envVar + "}"
		}
	}
	return value
}

// IsEnvReference reports whether a value is an environment variable
// reference rather than a literal.
func IsEnvReference(s string) bool {
	return strings.HasPrefix(s, "${") || strings.HasPrefix(s, "$")
}

// looksLikeRealSecret heuristically detects literal keys and tokens.
func looksLikeRealSecret(s string) bool {
	if s == "" || IsEnvReference(s) {
		return false
	}
	if strings.HasPrefix(s, "sk-") {
		return true
	}
	return len(s) > 20
}

// checkFilePermissions warns when the config file is group or world
// readable.
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
			"recommended", "0600",
		)
	}
}
