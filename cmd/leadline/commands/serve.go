package commands

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/jholhewres/leadline/pkg/leadline/alerts"
	"github.com/jholhewres/leadline/pkg/leadline/config"
	"github.com/jholhewres/leadline/pkg/leadline/credstore"
	"github.com/jholhewres/leadline/pkg/leadline/gateway"
	"github.com/jholhewres/leadline/pkg/leadline/maintenance"
	"github.com/jholhewres/leadline/pkg/leadline/pending"
	"github.com/jholhewres/leadline/pkg/leadline/pipeline"
	"github.com/jholhewres/leadline/pkg/leadline/responder"
	"github.com/jholhewres/leadline/pkg/leadline/secrets"
	"github.com/jholhewres/leadline/pkg/leadline/session"
	"github.com/jholhewres/leadline/pkg/leadline/storage"
	"github.com/jholhewres/leadline/pkg/leadline/stream"
)

// newServeCmd creates the `leadline serve` command that starts the daemon.
func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the daemon with all tenant sessions",
		Long: `Start Leadline as a daemon service: restores paired WhatsApp
sessions, processes inbound messages through the pipeline, and exposes
the HTTP gateway.

Examples:
  leadline serve
  leadline serve --config ./config.yaml
  leadline serve --verbose`,
		RunE: runServe,
	}
}

func runServe(cmd *cobra.Command, _ []string) error {
	// ── Load config ──
	cfg, _, err := resolveConfig(cmd)
	if err != nil {
		return err
	}

	logger := buildLogger(cmd, cfg)

	// ── Resolve secrets ──
	// Audit BEFORE resolving; checks the raw config values for hardcoded keys.
	config.AuditSecrets(cfg, logger)
	// Resolve from vault → keyring → env → config.
	secrets.Resolve(cfg, logger)

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// ── Storage ──
	db, err := storage.Open(cfg.Storage, logger)
	if err != nil {
		return fmt.Errorf("opening storage: %w", err)
	}
	defer db.Close()

	creds, err := credstore.Open(ctx, db, logger)
	if err != nil {
		return fmt.Errorf("opening credential store: %w", err)
	}

	// ── Event stream ──
	bus := stream.NewBus()

	var natsPub *stream.Publisher
	var natsUnsub func()
	if cfg.NATS.Enabled {
		natsPub, err = stream.ConnectNATS(cfg.NATS, logger)
		if err != nil {
			logger.Error("failed to connect to NATS, events stay local", "error", err)
			natsPub = nil
		} else {
			natsUnsub = natsPub.Attach(bus)
			logger.Info("NATS bridge running", "url", cfg.NATS.URL)
		}
	}

	// ── Reply provider ──
	var resp responder.Responder
	if cfg.Responder.Provider != "" {
		resp, err = responder.New(cfg.Responder, logger)
		if err != nil {
			logger.Warn("responder unavailable, running in store-only mode", "error", err)
			resp = nil
		}
	}

	pend := pending.NewSet(0, logger)
	go pend.Run(ctx)

	// ── Sessions and pipeline ──
	manager := session.NewManager(cfg.Session, db, creds, bus, pend, logger)
	pipe := pipeline.New(cfg.Pipeline, db, resp, manager, pend, logger)
	manager.SetSink(pipe)

	pipe.Start(ctx)
	manager.Start(ctx)

	if err := manager.Restore(ctx); err != nil {
		logger.Error("restoring sessions", "error", err)
	}

	// ── Gateway ──
	gw := gateway.New(cfg.Gateway, db, manager, pipe, bus, logger)
	if err := gw.Start(ctx); err != nil {
		return fmt.Errorf("starting gateway: %w", err)
	}
	logger.Info("gateway running", "address", cfg.Gateway.Address)

	// ── Maintenance jobs ──
	var maint *maintenance.Runner
	if cfg.Maintenance.Enabled {
		maint = maintenance.New(cfg.Maintenance, db, manager, logger)
		if err := maint.Start(ctx); err != nil {
			logger.Error("failed to start maintenance jobs", "error", err)
			maint = nil
		}
	}

	// ── Discord alerts ──
	var alerter *alerts.Alerter
	if cfg.Alerts.Enabled {
		alerter = alerts.New(cfg.Alerts, logger)
		if err := alerter.Start(bus); err != nil {
			logger.Error("failed to start Discord alerts", "error", err)
			alerter = nil
		}
	}

	// ── Wait for shutdown ──
	tenants, leads, _, countErr := db.Counts(ctx)
	if countErr == nil {
		logger.Info("Leadline running. Press Ctrl+C to stop.",
			"tenants", tenants,
			"leads", leads,
		)
	} else {
		logger.Info("Leadline running. Press Ctrl+C to stop.")
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	logger.Info("shutdown signal received, stopping...")

	// Graceful shutdown with timeout. Sessions stop producing before the
	// pipeline drains, so the final history flush sees every event.
	done := make(chan struct{})
	go func() {
		shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
		_ = gw.Stop(shutdownCtx)
		cancelShutdown()

		if maint != nil {
			maint.Stop()
		}
		if alerter != nil {
			alerter.Stop()
		}

		manager.Shutdown()
		pipe.Shutdown()

		if natsUnsub != nil {
			natsUnsub()
		}
		if natsPub != nil {
			natsPub.Close()
		}
		close(done)
	}()

	select {
	case <-done:
		logger.Info("shutdown complete")
	case <-time.After(20 * time.Second):
		logger.Warn("shutdown timed out after 20s, forcing exit")
	}

	return nil
}

// resolveConfig loads config from --config, a discovered file, or defaults.
// Returns (config, configPath, error). configPath is empty when running on
// defaults.
func resolveConfig(cmd *cobra.Command) (*config.Config, string, error) {
	configPath, _ := cmd.Root().PersistentFlags().GetString("config")

	// Try explicit path first.
	if configPath != "" {
		cfg, err := config.Load(configPath)
		if err != nil {
			return nil, "", fmt.Errorf("loading config: %w", err)
		}
		return cfg, configPath, nil
	}

	// Auto-discover config file.
	if found := config.FindConfigFile(); found != "" {
		cfg, err := config.Load(found)
		if err != nil {
			return nil, "", fmt.Errorf("loading config from %s: %w", found, err)
		}
		slog.Info("config loaded", "path", found)
		return cfg, found, nil
	}

	slog.Warn("no config file found, using defaults", "hint", "run 'leadline setup' to create one")
	return config.Default(), "", nil
}

// buildLogger configures slog from the config and the --verbose flag.
func buildLogger(cmd *cobra.Command, cfg *config.Config) *slog.Logger {
	verbose, _ := cmd.Root().PersistentFlags().GetBool("verbose")

	level := slog.LevelInfo
	switch cfg.LogLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	if verbose {
		level = slog.LevelDebug
	}

	var handler slog.Handler
	if cfg.LogFormat == "json" {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level})
	} else {
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level})
	}
	return slog.New(handler)
}
