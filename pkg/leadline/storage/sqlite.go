package storage

import (
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3"
)

// openSQLite opens or creates the SQLite database with the given
// configuration and applies the schema.
func openSQLite(cfg Config, logger *slog.Logger) (*DB, error) {
	if cfg.Path == "" {
		cfg.Path = "./data/leadline.db"
	}
	if cfg.JournalMode == "" {
		cfg.JournalMode = "WAL"
	}
	if cfg.BusyTimeout == 0 {
		cfg.BusyTimeout = 5000
	}

	// Ensure parent directory exists.
	dir := filepath.Dir(cfg.Path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create database directory %q: %w", dir, err)
	}

	dsn := fmt.Sprintf("%s?_journal_mode=%s&_busy_timeout=%d&_foreign_keys=ON",
		cfg.Path, cfg.JournalMode, cfg.BusyTimeout)

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database %q: %w", cfg.Path, err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	d := &DB{db: db, dialect: DialectSQLite, logger: logger}
	if err := d.migrate(sqliteSchema); err != nil {
		db.Close()
		return nil, err
	}

	logger.Debug("sqlite storage ready", "path", cfg.Path, "journal_mode", cfg.JournalMode)
	return d, nil
}

// migrate creates the schema_version table, applies the (idempotent) schema
// and records version 1 on first run.
func (d *DB) migrate(schema string) error {
	versionTable := `
		CREATE TABLE IF NOT EXISTS schema_version (
			version    INTEGER PRIMARY KEY,
			applied_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		)`
	if d.dialect == DialectPostgres {
		versionTable = `
		CREATE TABLE IF NOT EXISTS schema_version (
			version    INTEGER PRIMARY KEY,
			applied_at TIMESTAMPTZ DEFAULT NOW()
		)`
	}
	if _, err := d.db.Exec(versionTable); err != nil {
		return fmt.Errorf("create schema_version table: %w", err)
	}

	current, err := d.SchemaVersion()
	if err != nil {
		return err
	}

	// Schema statements are idempotent via IF NOT EXISTS.
	if _, err := d.db.Exec(schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}

	if current == 0 {
		if _, err := d.db.Exec("INSERT INTO schema_version (version) VALUES (1)"); err != nil {
			if !IsUniqueViolation(err) {
				return fmt.Errorf("record migration: %w", err)
			}
		}
	}
	return nil
}

// SchemaVersion returns the current schema version.
func (d *DB) SchemaVersion() (int, error) {
	var version int
	err := d.db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_version").Scan(&version)
	if err != nil {
		if err == sql.ErrNoRows {
			return 0, nil
		}
		return 0, err
	}
	return version, nil
}

const sqliteSchema = `
-- Tenants (business accounts)
CREATE TABLE IF NOT EXISTS tenants (
    id            TEXT PRIMARY KEY,
    name          TEXT NOT NULL DEFAULT '',
    wa_status     TEXT NOT NULL DEFAULT 'not_started',
    system_prompt TEXT NOT NULL DEFAULT '',
    settings      TEXT NOT NULL DEFAULT '{}',
    created_at    TIMESTAMP NOT NULL,
    updated_at    TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_tenants_status ON tenants(wa_status);

-- Per-tenant opaque credential records
CREATE TABLE IF NOT EXISTS wa_credentials (
    tenant_id  TEXT NOT NULL REFERENCES tenants(id) ON DELETE CASCADE,
    cred_key   TEXT NOT NULL,
    cred_value BLOB NOT NULL,
    updated_at TIMESTAMP NOT NULL,
    PRIMARY KEY (tenant_id, cred_key)
);

-- Leads (counterpart conversations)
CREATE TABLE IF NOT EXISTS leads (
    id               TEXT PRIMARY KEY,
    tenant_id        TEXT NOT NULL REFERENCES tenants(id) ON DELETE CASCADE,
    address          TEXT NOT NULL,
    real_address     TEXT NOT NULL DEFAULT '',
    name             TEXT NOT NULL DEFAULT '',
    status           TEXT NOT NULL DEFAULT 'new',
    automation       TEXT NOT NULL DEFAULT 'active',
    metadata         TEXT NOT NULL DEFAULT '{}',
    last_activity_at TIMESTAMP NOT NULL,
    created_at       TIMESTAMP NOT NULL,
    updated_at       TIMESTAMP NOT NULL,
    UNIQUE (tenant_id, address)
);
CREATE INDEX IF NOT EXISTS idx_leads_tenant ON leads(tenant_id);

-- Messages (immutable conversation entries)
CREATE TABLE IF NOT EXISTS messages (
    id          TEXT PRIMARY KEY,
    tenant_id   TEXT NOT NULL,
    lead_id     TEXT NOT NULL REFERENCES leads(id) ON DELETE CASCADE,
    role        TEXT NOT NULL,
    content     TEXT NOT NULL,
    msg_type    TEXT NOT NULL DEFAULT 'text',
    external_id TEXT,
    created_at  TIMESTAMP NOT NULL
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_messages_external ON messages(tenant_id, external_id);
CREATE INDEX IF NOT EXISTS idx_messages_lead ON messages(lead_id, created_at);
CREATE INDEX IF NOT EXISTS idx_messages_tenant ON messages(tenant_id);
`
