// Package credstore owns WhatsApp credential state. It is the only
// place that reads or writes the wa_credentials table and the
// whatsmeow device container; session code goes through it for both.
package credstore

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.mau.fi/whatsmeow/store"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"
	waLog "go.mau.fi/whatsmeow/util/log"

	"github.com/jholhewres/leadline/pkg/leadline/storage"
)

// deviceJIDKey is the reserved credential key binding a tenant to its
// device row in the whatsmeow container.
const deviceJIDKey = "device_jid"

// Store resolves per-tenant devices and persists credential metadata.
type Store struct {
	db        *storage.DB
	container *sqlstore.Container
	logger    *slog.Logger
}

// Open wires the credential store onto an already-open database. The
// whatsmeow schema is upgraded in place so sessions share the main
// database file instead of a standalone one.
func Open(ctx context.Context, db *storage.DB, logger *slog.Logger) (*Store, error) {
	dialect := "sqlite3"
	if db.Dialect() == storage.DialectPostgres {
		dialect = "postgres"
	}

	container := sqlstore.NewWithDB(db.Conn(), dialect, waLog.Noop)
	if err := container.Upgrade(ctx); err != nil {
		return nil, fmt.Errorf("upgrading session store: %w", err)
	}

	store.SetOSInfo("Leadline", [3]uint32{1, 0, 0})

	return &Store{
		db:        db,
		container: container,
		logger:    logger,
	}, nil
}

// Map loads every credential record for a tenant.
func (s *Store) Map(ctx context.Context, tenantID string) (map[string][]byte, error) {
	query := s.db.Rebind(`SELECT cred_key, cred_value FROM wa_credentials WHERE tenant_id = ?`)
	rows, err := s.db.Conn().QueryContext(ctx, query, tenantID)
	if err != nil {
		return nil, fmt.Errorf("loading credentials: %w", err)
	}
	defer rows.Close()

	creds := make(map[string][]byte)
	for rows.Next() {
		var key string
		var value []byte
		if err := rows.Scan(&key, &value); err != nil {
			return nil, fmt.Errorf("scanning credential: %w", err)
		}
		creds[key] = value
	}
	return creds, rows.Err()
}

// Set stores a credential record. A nil value deletes the key.
func (s *Store) Set(ctx context.Context, tenantID, key string, value []byte) error {
	if value == nil {
		query := s.db.Rebind(`DELETE FROM wa_credentials WHERE tenant_id = ? AND cred_key = ?`)
		if _, err := s.db.Conn().ExecContext(ctx, query, tenantID, key); err != nil {
			return fmt.Errorf("deleting credential %s: %w", key, err)
		}
		return nil
	}

	query := s.db.Rebind(`
		INSERT INTO wa_credentials (tenant_id, cred_key, cred_value, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (tenant_id, cred_key) DO UPDATE SET
			cred_value = excluded.cred_value,
			updated_at = excluded.updated_at`)
	if _, err := s.db.Conn().ExecContext(ctx, query, tenantID, key, value, time.Now().UTC()); err != nil {
		return fmt.Errorf("storing credential %s: %w", key, err)
	}
	return nil
}

// DeleteAll wipes every credential record for a tenant, including its
// device row in the whatsmeow container. After this the next pairing
// starts from a blank device.
func (s *Store) DeleteAll(ctx context.Context, tenantID string) error {
	if device, err := s.boundDevice(ctx, tenantID); err == nil && device != nil {
		if err := s.container.DeleteDevice(ctx, device); err != nil {
			s.logger.Warn("credstore: device delete failed", "tenant", tenantID, "error", err)
		}
	}

	query := s.db.Rebind(`DELETE FROM wa_credentials WHERE tenant_id = ?`)
	if _, err := s.db.Conn().ExecContext(ctx, query, tenantID); err != nil {
		return fmt.Errorf("clearing credentials: %w", err)
	}

	s.logger.Info("credstore: credentials cleared", "tenant", tenantID)
	return nil
}

// HasCredentials reports whether a tenant has a registered device.
func (s *Store) HasCredentials(ctx context.Context, tenantID string) (bool, error) {
	device, err := s.boundDevice(ctx, tenantID)
	if err != nil {
		return false, err
	}
	return device != nil && device.ID != nil, nil
}

// Device resolves the tenant's device, creating a blank one when the
// tenant was never paired. Blank devices stay in memory until whatsmeow
// persists them on successful pairing.
func (s *Store) Device(ctx context.Context, tenantID string) (*store.Device, error) {
	device, err := s.boundDevice(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	if device != nil {
		return device, nil
	}
	return s.container.NewDevice(), nil
}

// BindDevice records which container device belongs to the tenant.
// Called once pairing succeeds and the device JID is known.
func (s *Store) BindDevice(ctx context.Context, tenantID string, jid types.JID) error {
	return s.Set(ctx, tenantID, deviceJIDKey, []byte(jid.String()))
}

// boundDevice loads the device previously bound to the tenant, or nil
// when no binding exists or the device row is gone.
func (s *Store) boundDevice(ctx context.Context, tenantID string) (*store.Device, error) {
	creds, err := s.Map(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	raw, ok := creds[deviceJIDKey]
	if !ok {
		return nil, nil
	}

	jid, err := types.ParseJID(string(raw))
	if err != nil {
		s.logger.Warn("credstore: invalid device binding", "tenant", tenantID, "error", err)
		return nil, nil
	}

	device, err := s.container.GetDevice(ctx, jid)
	if err != nil {
		return nil, fmt.Errorf("loading device: %w", err)
	}
	return device, nil
}
