package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestParse(t *testing.T) {
	t.Run("empty input keeps defaults", func(t *testing.T) {
		cfg, err := Parse(nil)
		if err != nil {
			t.Fatalf("Parse: %v", err)
		}
		if cfg.LogLevel != "info" {
			t.Errorf("LogLevel = %q, want info", cfg.LogLevel)
		}
		if cfg.Storage.Driver != "sqlite" {
			t.Errorf("Storage.Driver = %q, want sqlite", cfg.Storage.Driver)
		}
		if cfg.Gateway.Address != ":8087" {
			t.Errorf("Gateway.Address = %q, want :8087", cfg.Gateway.Address)
		}
		if !cfg.Maintenance.Enabled {
			t.Error("Maintenance.Enabled = false, want true by default")
		}
	})

	t.Run("partial overlay keeps unnamed defaults", func(t *testing.T) {
		input := `
log_level: warn
session:
  pairing_attempts: 5
  ready_timeout: 45s
pipeline:
  batch:
    threshold: 10
`
		cfg, err := Parse([]byte(input))
		if err != nil {
			t.Fatalf("Parse: %v", err)
		}
		if cfg.LogLevel != "warn" {
			t.Errorf("LogLevel = %q, want warn", cfg.LogLevel)
		}
		if cfg.Session.PairingAttempts != 5 {
			t.Errorf("PairingAttempts = %d, want 5", cfg.Session.PairingAttempts)
		}
		if cfg.Session.ReadyTimeout != 45*time.Second {
			t.Errorf("ReadyTimeout = %v, want 45s", cfg.Session.ReadyTimeout)
		}
		if cfg.Pipeline.Batch.Threshold != 10 {
			t.Errorf("Batch.Threshold = %d, want 10", cfg.Pipeline.Batch.Threshold)
		}
		if def := Default(); cfg.Pipeline.Batch.FlushInterval != def.Pipeline.Batch.FlushInterval {
			t.Errorf("Batch.FlushInterval = %v, want default %v", cfg.Pipeline.Batch.FlushInterval, def.Pipeline.Batch.FlushInterval)
		}
		if cfg.Storage.Driver != "sqlite" {
			t.Errorf("Storage.Driver = %q, want untouched default", cfg.Storage.Driver)
		}
	})

	t.Run("maintenance section without enabled stays on", func(t *testing.T) {
		input := "maintenance:\n  retention: 720h\n"
		cfg, err := Parse([]byte(input))
		if err != nil {
			t.Fatalf("Parse: %v", err)
		}
		if !cfg.Maintenance.Enabled {
			t.Error("Maintenance.Enabled = false, want true when key is omitted")
		}
		if cfg.Maintenance.Retention != 720*time.Hour {
			t.Errorf("Retention = %v, want 720h", cfg.Maintenance.Retention)
		}
	})

	t.Run("maintenance can be disabled explicitly", func(t *testing.T) {
		cfg, err := Parse([]byte("maintenance:\n  enabled: false\n"))
		if err != nil {
			t.Fatalf("Parse: %v", err)
		}
		if cfg.Maintenance.Enabled {
			t.Error("Maintenance.Enabled = true, want false")
		}
	})

	t.Run("malformed yaml", func(t *testing.T) {
		if _, err := Parse([]byte("log_level: [unterminated")); err == nil {
			t.Error("expected error for malformed YAML")
		}
	})
}

func TestExpandEnvVars(t *testing.T) {
	t.Setenv("TEST_LEADLINE_SET", "hello")
	unsetEnv(t, "TEST_LEADLINE_UNSET")

	tests := []struct {
		name  string
		input string
		want  string
	}{
		{"braced variable", "key: ${TEST_LEADLINE_SET}", "key: hello"},
		{"bare variable", "key: $TEST_LEADLINE_SET", "key: hello"},
		{"default used when unset", "key: ${TEST_LEADLINE_UNSET:-fallback}", "key: fallback"},
		{"default ignored when set", "key: ${TEST_LEADLINE_SET:-fallback}", "key: hello"},
		{"unset without modifier keeps placeholder", "key: ${TEST_LEADLINE_UNSET}", "key: ${TEST_LEADLINE_UNSET}"},
		{"multiple references", "a: ${TEST_LEADLINE_SET} b: ${TEST_LEADLINE_UNSET:-x}", "a: hello b: x"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := expandEnvVars(tt.input); got != tt.want {
				t.Errorf("expandEnvVars(%q) = %q, want %q", tt.input, got, tt.want)
			}
		})
	}
}

func TestExpandEnvVarsRequired(t *testing.T) {
	unsetEnv(t, "TEST_LEADLINE_REQUIRED")

	_, err := expandEnvVarsWithValidation("api_key: ${TEST_LEADLINE_REQUIRED:?API key must be set}")
	if err == nil {
		t.Fatal("expected error for unset required variable")
	}
	if !strings.Contains(err.Error(), "TEST_LEADLINE_REQUIRED") {
		t.Errorf("error %q does not name the variable", err)
	}
	if !strings.Contains(err.Error(), "API key must be set") {
		t.Errorf("error %q does not carry the message", err)
	}

	t.Setenv("TEST_LEADLINE_REQUIRED", "present")
	out, err := expandEnvVarsWithValidation("api_key: ${TEST_LEADLINE_REQUIRED:?API key must be set}")
	if err != nil {
		t.Fatalf("expandEnvVarsWithValidation: %v", err)
	}
	if out != "api_key: present" {
		t.Errorf("expanded = %q, want api_key: present", out)
	}
}

func TestLoad(t *testing.T) {
	t.Setenv("TEST_LEADLINE_KEY", "sk-ant-test123")
	unsetEnv(t, "TEST_LEADLINE_TOKEN")

	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	input := `
log_level: debug
storage:
  path: data/app.db
responder:
  provider: anthropic
  api_key: ${TEST_LEADLINE_KEY}
gateway:
  auth_token: ${TEST_LEADLINE_TOKEN:-fallback-token}
`
	if err := os.WriteFile(path, []byte(input), 0o600); err != nil {
		t.Fatalf("writing config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.LogLevel != "debug" {
		t.Errorf("LogLevel = %q, want debug", cfg.LogLevel)
	}
	if cfg.Responder.APIKey != "sk-ant-test123" {
		t.Errorf("APIKey = %q, want expanded env value", cfg.Responder.APIKey)
	}
	if cfg.Gateway.AuthToken != "fallback-token" {
		t.Errorf("AuthToken = %q, want fallback-token", cfg.Gateway.AuthToken)
	}
	if want := filepath.Join(dir, "data/app.db"); cfg.Storage.Path != want {
		t.Errorf("Storage.Path = %q, want %q anchored to config dir", cfg.Storage.Path, want)
	}

	if _, err := Load(filepath.Join(dir, "missing.yaml")); err == nil {
		t.Error("expected error for missing config file")
	}
}

func TestLoadFillsSecretsFromEnv(t *testing.T) {
	t.Setenv("LEADLINE_GATEWAY_TOKEN", "env-gw-token")
	t.Setenv("ANTHROPIC_API_KEY", "sk-ant-from-env")
	unsetEnv(t, "LEADLINE_API_KEY")

	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("responder:\n  provider: anthropic\n"), 0o600); err != nil {
		t.Fatalf("writing config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Responder.APIKey != "sk-ant-from-env" {
		t.Errorf("APIKey = %q, want value from ANTHROPIC_API_KEY", cfg.Responder.APIKey)
	}
	if cfg.Gateway.AuthToken != "env-gw-token" {
		t.Errorf("AuthToken = %q, want value from LEADLINE_GATEWAY_TOKEN", cfg.Gateway.AuthToken)
	}
}

func TestSave(t *testing.T) {
	t.Setenv("ANTHROPIC_API_KEY", "sk-ant-secret")
	t.Setenv("LEADLINE_GATEWAY_TOKEN", "gw-secret")

	cfg := Default()
	cfg.Responder.Provider = "anthropic"
	cfg.Responder.APIKey = "sk-ant-secret"
	cfg.Gateway.AuthToken = "gw-secret"
	cfg.Alerts.BotToken = "literal-token-nobody-exported"

	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := Save(cfg, path); err != nil {
		t.Fatalf("Save: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("reading saved config: %v", err)
	}
	text := string(data)
	if !strings.Contains(text, "${ANTHROPIC_API_KEY}") {
		t.Error("saved config does not reference ANTHROPIC_API_KEY")
	}
	if !strings.Contains(text, "${LEADLINE_GATEWAY_TOKEN}") {
		t.Error("saved config does not reference LEADLINE_GATEWAY_TOKEN")
	}
	if strings.Contains(text, "sk-ant-secret") || strings.Contains(text, "gw-secret") {
		t.Error("saved config leaks a secret that matches an env var")
	}
	if !strings.Contains(text, "literal-token-nobody-exported") {
		t.Error("secret without a matching env var should survive as-is")
	}

	if _, err := Parse(data); err != nil {
		t.Fatalf("saved config does not re-parse: %v", err)
	}

	if err := Save(cfg, path); err != nil {
		t.Fatalf("second Save: %v", err)
	}
	if _, err := os.Stat(path + ".bak"); err != nil {
		t.Errorf("expected backup file after overwrite: %v", err)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat saved config: %v", err)
	}
	if perm := info.Mode().Perm(); perm != 0o600 {
		t.Errorf("saved config permissions = %04o, want 0600", perm)
	}
}

func TestFindConfigFile(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)

	if got := FindConfigFile(); got != "" {
		t.Errorf("FindConfigFile in empty dir = %q, want empty", got)
	}

	if err := os.WriteFile("leadline.yml", []byte("log_level: info\n"), 0o600); err != nil {
		t.Fatalf("writing leadline.yml: %v", err)
	}
	if got := FindConfigFile(); got != "leadline.yml" {
		t.Errorf("FindConfigFile = %q, want leadline.yml", got)
	}

	if err := os.WriteFile("config.yaml", []byte("log_level: info\n"), 0o600); err != nil {
		t.Fatalf("writing config.yaml: %v", err)
	}
	if got := FindConfigFile(); got != "config.yaml" {
		t.Errorf("FindConfigFile = %q, want config.yaml preferred", got)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"defaults pass", func(*Config) {}, false},
		{"postgres driver", func(c *Config) { c.Storage.Driver = "postgres" }, false},
		{"unknown driver", func(c *Config) { c.Storage.Driver = "mysql" }, true},
		{"unknown provider", func(c *Config) { c.Responder.Provider = "gemini" }, true},
		{"unknown log level", func(c *Config) { c.LogLevel = "trace" }, true},
		{"unknown log format", func(c *Config) { c.LogFormat = "logfmt" }, true},
		{"nats enabled without url", func(c *Config) { c.NATS.Enabled = true }, true},
		{"nats enabled with url", func(c *Config) { c.NATS.Enabled = true; c.NATS.URL = "nats://localhost:4222" }, false},
		{"alerts enabled without token", func(c *Config) { c.Alerts.Enabled = true }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr && err == nil {
				t.Error("expected validation error")
			}
			if !tt.wantErr && err != nil {
				t.Errorf("unexpected validation error: %v", err)
			}
		})
	}
}

func TestProviderKeyName(t *testing.T) {
	tests := []struct {
		provider string
		want     string
	}{
		{"anthropic", "ANTHROPIC_API_KEY"},
		{"openai", "OPENAI_API_KEY"},
		{"webhook", "LEADLINE_API_KEY"},
		{"", "LEADLINE_API_KEY"},
	}
	for _, tt := range tests {
		if got := ProviderKeyName(tt.provider); got != tt.want {
			t.Errorf("ProviderKeyName(%q) = %q, want %q", tt.provider, got, tt.want)
		}
	}
}

func TestIsEnvReference(t *testing.T) {
	if !IsEnvReference("${ANTHROPIC_API_KEY}") {
		t.Error("${...} should be a reference")
	}
	if !IsEnvReference("$ANTHROPIC_API_KEY") {
		t.Error("$VAR should be a reference")
	}
	if IsEnvReference("sk-ant-abc123") {
		t.Error("literal key should not be a reference")
	}
}

// unsetEnv clears an environment variable for the test and restores it
// afterwards. t.Setenv cannot express "unset".
func unsetEnv(t *testing.T, name string) {
	t.Helper()
	if orig, ok := os.LookupEnv(name); ok {
		os.Unsetenv(name)
		t.Cleanup(func() { os.Setenv(name, orig) })
	}
}
