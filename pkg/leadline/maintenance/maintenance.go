// Package maintenance runs periodic housekeeping: purging messages
// past the retention window and auditing persisted tenant status
// against the live sessions. Uses robfig/cron for scheduling.
package maintenance

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/jholhewres/leadline/pkg/leadline/session"
	"github.com/jholhewres/leadline/pkg/leadline/storage"
)

// Config tunes the housekeeping jobs.
type Config struct {
	Enabled bool `yaml:"enabled"`

	// Retention is how long message rows are kept. Zero disables the
	// purge entirely.
	Retention time.Duration `yaml:"retention"`

	// PurgeSchedule is the cron expression for the retention purge.
	PurgeSchedule string `yaml:"purge_schedule"`

	// AuditSchedule is the cron expression for the status audit.
	AuditSchedule string `yaml:"audit_schedule"`

	// JobTimeout bounds a single job execution.
	JobTimeout time.Duration `yaml:"job_timeout"`
}

// DefaultConfig returns the baseline housekeeping settings.
func DefaultConfig() Config {
	return Config{
		Enabled:       true,
		Retention:     90 * 24 * time.Hour,
		PurgeSchedule: "0 4 * * *",
		AuditSchedule: "*/30 * * * *",
		JobTimeout:    5 * time.Minute,
	}
}

// StatusReader exposes the live session view the audit compares
// against the persisted status.
type StatusReader interface {
	Status(tenantID string) *session.StatusInfo
}

// Runner owns the cron scheduler and the job implementations.
type Runner struct {
	cfg      Config
	db       *storage.DB
	sessions StatusReader
	logger   *slog.Logger

	cron *cron.Cron

	// running tracks in-flight jobs so a slow run is never doubled by
	// the next cron fire.
	mu      sync.Mutex
	running map[string]bool

	ctx    context.Context
	cancel context.CancelFunc
}

// New creates a maintenance runner. Call Start to begin scheduling.
func New(cfg Config, db *storage.DB, sessions StatusReader, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.PurgeSchedule == "" {
		cfg.PurgeSchedule = "0 4 * * *"
	}
	if cfg.AuditSchedule == "" {
		cfg.AuditSchedule = "*/30 * * * *"
	}
	if cfg.JobTimeout == 0 {
		cfg.JobTimeout = 5 * time.Minute
	}

	return &Runner{
		cfg:      cfg,
		db:       db,
		sessions: sessions,
		logger:   logger.With("component", "maintenance"),
		running:  make(map[string]bool),
	}
}

// Start registers the jobs and starts the cron scheduler.
func (r *Runner) Start(ctx context.Context) error {
	r.ctx, r.cancel = context.WithCancel(ctx)

	r.cron = cron.New(cron.WithParser(cron.NewParser(
		cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
	)))

	if r.cfg.Retention > 0 {
		_, err := r.cron.AddFunc(r.cfg.PurgeSchedule, func() {
			r.runGuarded("purge", func(ctx context.Context) error {
				_, err := r.RunPurge(ctx)
				return err
			})
		})
		if err != nil {
			return fmt.Errorf("invalid purge schedule %q: %w", r.cfg.PurgeSchedule, err)
		}
	}

	_, err := r.cron.AddFunc(r.cfg.AuditSchedule, func() {
		r.runGuarded("audit", func(ctx context.Context) error {
			_, err := r.RunAudit(ctx)
			return err
		})
	})
	if err != nil {
		return fmt.Errorf("invalid audit schedule %q: %w", r.cfg.AuditSchedule, err)
	}

	r.cron.Start()
	r.logger.Info("maintenance started",
		"retention", r.cfg.Retention.String(),
		"purge_schedule", r.cfg.PurgeSchedule,
		"audit_schedule", r.cfg.AuditSchedule,
	)
	return nil
}

// Stop halts scheduling and waits briefly for running jobs.
func (r *Runner) Stop() {
	if r.cron != nil {
		done := r.cron.Stop()
		select {
		case <-done.Done():
		case <-time.After(10 * time.Second):
			r.logger.Warn("maintenance stop timed out")
		}
	}
	if r.cancel != nil {
		r.cancel()
	}
	r.logger.Info("maintenance stopped")
}

// RunPurge deletes messages older than the retention window and
// returns how many rows were removed.
func (r *Runner) RunPurge(ctx context.Context) (int64, error) {
	if r.cfg.Retention <= 0 {
		return 0, nil
	}
	cutoff := time.Now().Add(-r.cfg.Retention)
	purged, err := r.db.DeleteMessagesBefore(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("purging messages: %w", err)
	}
	if purged > 0 {
		r.logger.Info("retention purge complete",
			"purged", purged, "cutoff", cutoff.Format(time.RFC3339))
	}
	return purged, nil
}

// RunAudit compares each tenant's persisted status with the live
// session view and logs any drift. Returns the drift count.
func (r *Runner) RunAudit(ctx context.Context) (int, error) {
	tenants, err := r.db.Tenants(ctx)
	if err != nil {
		return 0, fmt.Errorf("listing tenants: %w", err)
	}

	drift := 0
	for _, t := range tenants {
		info := r.sessions.Status(t.ID)
		switch {
		case t.Status == storage.TenantConnected && !info.Live:
			drift++
			r.logger.Warn("audit: tenant marked connected without a live socket",
				"tenant", t.ID)
		case info.Live && t.Status != storage.TenantConnected:
			drift++
			r.logger.Warn("audit: live socket with stale persisted status",
				"tenant", t.ID, "status", t.Status)
		}
	}

	tenantCount, leads, messages, err := r.db.Counts(ctx)
	if err != nil {
		return drift, fmt.Errorf("counting rows: %w", err)
	}
	r.logger.Info("audit complete",
		"tenants", tenantCount, "leads", leads, "messages", messages, "drift", drift)
	return drift, nil
}

// runGuarded executes a job with duplicate-run protection, a timeout,
// and panic isolation.
func (r *Runner) runGuarded(name string, job func(ctx context.Context) error) {
	r.mu.Lock()
	if r.running[name] {
		r.mu.Unlock()
		r.logger.Warn("skipping job, previous run still active", "job", name)
		return
	}
	r.running[name] = true
	r.mu.Unlock()

	defer func() {
		r.mu.Lock()
		delete(r.running, name)
		r.mu.Unlock()

		if rec := recover(); rec != nil {
			r.logger.Error("maintenance job panicked", "job", name, "panic", rec)
		}
	}()

	ctx, cancel := context.WithTimeout(r.ctx, r.cfg.JobTimeout)
	defer cancel()

	if err := job(ctx); err != nil {
		r.logger.Error("maintenance job failed", "job", name, "error", err)
	}
}
