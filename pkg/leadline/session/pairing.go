package session

import (
	"context"
	"fmt"
	"time"

	"go.mau.fi/whatsmeow"
)

// pairingClientName is shown in the WhatsApp linked devices list.
const pairingClientName = "Chrome (Linux)"

// RequestPairingCode links a tenant by phone number instead of QR. It
// brings a fresh session up, waits for the socket, and asks WhatsApp
// for the 8-character code the user types on their phone.
//
// A tenant that still has a registered device cannot request a code;
// that state usually means a previous pairing was abandoned half-way.
// The heuristic is to force a logout once and pair from a blank slate.
func (m *Manager) RequestPairingCode(ctx context.Context, tenantID, phone string) (string, error) {
	if _, err := ParseAddress(phone); err != nil {
		return "", fmt.Errorf("invalid phone number: %w", err)
	}

	registered, err := m.creds.HasCredentials(ctx, tenantID)
	if err != nil {
		return "", fmt.Errorf("checking credentials: %w", err)
	}
	if registered {
		m.logger.Warn("session: pairing requested for registered session, forcing logout first",
			"tenant", tenantID)
		if err := m.Logout(ctx, tenantID); err != nil {
			return "", fmt.Errorf("clearing stuck session: %w", err)
		}
	}

	var lastErr error
	for attempt := 1; attempt <= m.cfg.PairingAttempts; attempt++ {
		if attempt > 1 {
			backoff := m.cfg.PairingBackoff * time.Duration(attempt-1)
			m.logger.Info("session: retrying pairing",
				"tenant", tenantID, "attempt", attempt, "backoff", backoff)
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return "", ctx.Err()
			}
		}

		code, err := m.pairOnce(ctx, tenantID, phone)
		if err == nil {
			m.bus.EmitPairingCode(tenantID, code)
			m.logger.Info("session: pairing code issued", "tenant", tenantID, "attempt", attempt)
			return code, nil
		}

		lastErr = err
		m.logger.Warn("session: pairing attempt failed",
			"tenant", tenantID, "attempt", attempt, "error", err)
	}

	return "", fmt.Errorf("pairing failed after %d attempts: %w", m.cfg.PairingAttempts, lastErr)
}

// pairOnce runs a single pairing attempt against a freshly created
// session.
func (m *Manager) pairOnce(ctx context.Context, tenantID, phone string) (string, error) {
	sess, err := m.GetOrCreate(ctx, tenantID, true)
	if err != nil {
		return "", err
	}

	if sess.client.StoreID() != nil {
		return "", fmt.Errorf("%w: device still registered after reset", ErrPairingRejected)
	}

	if err := m.waitReady(ctx, sess); err != nil {
		return "", err
	}

	code, err := sess.client.PairPhone(ctx, phone, true, whatsmeow.PairClientChrome, pairingClientName)
	if err != nil {
		return "", fmt.Errorf("requesting pairing code: %w", err)
	}
	return code, nil
}

// waitReady blocks until the session socket is up or the ready timeout
// expires.
func (m *Manager) waitReady(ctx context.Context, sess *Session) error {
	deadline := time.Now().Add(m.cfg.ReadyTimeout)
	ticker := time.NewTicker(250 * time.Millisecond)
	defer ticker.Stop()

	for {
		if sess.client != nil && sess.client.IsConnected() {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("%w after %s", ErrPairingTimeout, m.cfg.ReadyTimeout)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
