package session

import (
	"context"
	"time"

	"github.com/jholhewres/leadline/pkg/leadline/storage"
)

// Restore brings sessions back up after a restart, for every tenant
// whose last persisted status was connected and who still has stored
// credentials. Sessions come up in small batches so dozens of tenants
// do not all dial WhatsApp in the same instant.
func (m *Manager) Restore(ctx context.Context) error {
	tenants, err := m.db.Tenants(ctx)
	if err != nil {
		return err
	}

	var candidates []storage.Tenant
	for _, tenant := range tenants {
		if !statusIsRestorable(tenant.Status) {
			continue
		}
		registered, err := m.creds.HasCredentials(ctx, tenant.ID)
		if err != nil {
			m.logger.Warn("session: restore credential check failed",
				"tenant", tenant.ID, "error", err)
			continue
		}
		if registered {
			candidates = append(candidates, tenant)
		}
	}

	if len(candidates) == 0 {
		m.logger.Info("session: nothing to restore")
		return nil
	}

	m.logger.Info("session: restoring sessions",
		"count", len(candidates), "batch_size", m.cfg.RestoreBatchSize)

	for start := 0; start < len(candidates); start += m.cfg.RestoreBatchSize {
		end := min(start+m.cfg.RestoreBatchSize, len(candidates))

		for _, tenant := range candidates[start:end] {
			if _, err := m.GetOrCreate(ctx, tenant.ID, false); err != nil {
				m.logger.Error("session: restore failed",
					"tenant", tenant.ID, "error", err)
			}
		}

		if end < len(candidates) {
			select {
			case <-time.After(m.cfg.RestoreDelay):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}

	return nil
}
