package session

import (
	"context"
	"time"
)

// WatchdogConfig configures the connection health monitor.
type WatchdogConfig struct {
	// Enabled turns the watchdog on.
	Enabled bool `yaml:"enabled"`

	// CheckInterval is how often every session is inspected.
	CheckInterval time.Duration `yaml:"check_interval"`

	// MaxSilentDuration is how long a connected session may stay
	// silent before the client's own view is cross-checked.
	MaxSilentDuration time.Duration `yaml:"max_silent_duration"`

	// ForceReconnectAfter forces a preventive reconnect after this
	// much silence even when the client still claims to be connected.
	// Handles half-open TCP connections. 0 disables.
	ForceReconnectAfter time.Duration `yaml:"force_reconnect_after"`
}

// DefaultWatchdogConfig returns sensible defaults.
func DefaultWatchdogConfig() WatchdogConfig {
	return WatchdogConfig{
		Enabled:             true,
		CheckInterval:       30 * time.Second,
		MaxSilentDuration:   5 * time.Minute,
		ForceReconnectAfter: 15 * time.Minute,
	}
}

// startWatchdog launches one goroutine sweeping all sessions. It runs
// until the context is cancelled.
func (m *Manager) startWatchdog(ctx context.Context) {
	cfg := m.cfg.Watchdog
	if !cfg.Enabled {
		return
	}
	if cfg.CheckInterval <= 0 {
		cfg.CheckInterval = 30 * time.Second
	}
	if cfg.MaxSilentDuration <= 0 {
		cfg.MaxSilentDuration = 5 * time.Minute
	}

	go func() {
		ticker := time.NewTicker(cfg.CheckInterval)
		defer ticker.Stop()

		m.logger.Info("session: watchdog started",
			"check_interval", cfg.CheckInterval,
			"max_silent", cfg.MaxSilentDuration,
			"force_reconnect_after", cfg.ForceReconnectAfter)

		for {
			select {
			case <-ctx.Done():
				m.logger.Info("session: watchdog stopped")
				return
			case <-ticker.C:
				for _, sess := range m.Sessions() {
					m.checkSession(sess, cfg)
				}
			}
		}
	}()
}

// checkSession verifies one session's health and forces a reconnect on
// state drift or excessive silence.
func (m *Manager) checkSession(sess *Session, cfg WatchdogConfig) {
	if sess.getState() != stateConnected {
		return
	}

	silent := time.Since(sess.lastActivityTime())
	if silent <= cfg.MaxSilentDuration {
		return
	}

	m.logger.Warn("session: connection silent for too long",
		"tenant", sess.tenantID, "silent", silent)

	// State drift: we think connected, the client disagrees.
	if sess.client != nil && !sess.client.IsConnected() {
		m.logger.Error("session: client reports disconnected but state is connected",
			"tenant", sess.tenantID)
		sess.connected.Store(false)
		m.setStatus(sess.ctx, sess, stateReconnecting, "watchdog_drift")
		go m.attemptReconnect(sess)
		return
	}

	if cfg.ForceReconnectAfter > 0 && silent > cfg.ForceReconnectAfter {
		m.logger.Warn("session: forcing preventive reconnect",
			"tenant", sess.tenantID, "silent", silent)
		sess.connected.Store(false)
		m.setStatus(sess.ctx, sess, stateReconnecting, "watchdog_silence")
		go m.attemptReconnect(sess)
	}
}
