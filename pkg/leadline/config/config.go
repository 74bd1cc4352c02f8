// Package config loads and saves the root YAML configuration. Values
// support ${VAR} environment expansion, .env files are loaded before
// parsing, and secrets are sanitized to env references on save.
package config

import (
	"fmt"

	"github.com/jholhewres/leadline/pkg/leadline/alerts"
	"github.com/jholhewres/leadline/pkg/leadline/gateway"
	"github.com/jholhewres/leadline/pkg/leadline/maintenance"
	"github.com/jholhewres/leadline/pkg/leadline/pipeline"
	"github.com/jholhewres/leadline/pkg/leadline/responder"
	"github.com/jholhewres/leadline/pkg/leadline/session"
	"github.com/jholhewres/leadline/pkg/leadline/storage"
	"github.com/jholhewres/leadline/pkg/leadline/stream"
)

// Config is the root configuration for the whole service.
type Config struct {
	// LogLevel is debug, info, warn or error.
	LogLevel string `yaml:"log_level"`

	// LogFormat is text or json.
	LogFormat string `yaml:"log_format"`

	Storage     storage.Config     `yaml:"storage"`
	Session     session.Config     `yaml:"session"`
	Pipeline    pipeline.Config    `yaml:"pipeline"`
	Responder   responder.Config   `yaml:"responder"`
	Gateway     gateway.Config     `yaml:"gateway"`
	NATS        stream.NATSConfig  `yaml:"nats"`
	Maintenance maintenance.Config `yaml:"maintenance"`
	Alerts      alerts.Config      `yaml:"alerts"`
}

// Default returns the full default configuration.
func Default() *Config {
	return &Config{
		LogLevel:    "info",
		LogFormat:   "text",
		Storage:     storage.DefaultConfig(),
		Session:     session.DefaultConfig(),
		Pipeline:    pipeline.DefaultConfig(),
		Responder:   responder.DefaultConfig(),
		Gateway:     gateway.DefaultConfig(),
		Maintenance: maintenance.DefaultConfig(),
		Alerts:      alerts.DefaultConfig(),
	}
}

// Validate rejects configurations the service cannot start with.
func (c *Config) Validate() error {
	switch c.Storage.Driver {
	case "", "sqlite", "sqlite3", "postgres", "postgresql":
	default:
		return fmt.Errorf("unknown storage driver %q", c.Storage.Driver)
	}

	switch c.Responder.Provider {
	case "", responder.ProviderAnthropic, responder.ProviderOpenAI, responder.ProviderWebhook:
	default:
		return fmt.Errorf("unknown responder provider %q", c.Responder.Provider)
	}

	switch c.LogLevel {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("unknown log level %q", c.LogLevel)
	}

	switch c.LogFormat {
	case "", "text", "json":
	default:
		return fmt.Errorf("unknown log format %q", c.LogFormat)
	}

	if c.NATS.Enabled && c.NATS.URL == "" {
		return fmt.Errorf("nats enabled without a url")
	}
	if c.Alerts.Enabled && c.Alerts.BotToken == "" {
		return fmt.Errorf("alerts enabled without a bot token")
	}
	return nil
}
