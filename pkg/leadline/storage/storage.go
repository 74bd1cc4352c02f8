// Package storage persists tenants, leads and messages on SQLite or
// PostgreSQL behind a single query layer. It owns the schema and the
// migrator; callers get keyed lookups, inserts and upserts only.
package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
)

// Dialect selects the SQL backend.
type Dialect string

const (
	DialectSQLite   Dialect = "sqlite"
	DialectPostgres Dialect = "postgres"
)

// ErrNotFound is returned by keyed lookups when no row matches.
var ErrNotFound = errors.New("storage: not found")

// Config holds storage configuration.
type Config struct {
	// Driver is "sqlite" (default) or "postgres".
	Driver string `yaml:"driver"`

	// Path is the SQLite database file.
	Path string `yaml:"path"`

	// DSN is the PostgreSQL connection string.
	DSN string `yaml:"dsn"`

	// JournalMode is the SQLite journal mode. Default: WAL.
	JournalMode string `yaml:"journal_mode"`

	// BusyTimeout is the SQLite busy timeout in milliseconds. Default: 5000.
	BusyTimeout int `yaml:"busy_timeout"`

	// MaxOpenConns bounds the PostgreSQL pool. Default: 25.
	MaxOpenConns int `yaml:"max_open_conns"`

	// MaxIdleConns bounds idle PostgreSQL connections. Default: 10.
	MaxIdleConns int `yaml:"max_idle_conns"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Driver:      "sqlite",
		Path:        "./data/leadline.db",
		JournalMode: "WAL",
		BusyTimeout: 5000,
	}
}

// DB wraps the database connection, dialect and migrator.
type DB struct {
	db      *sql.DB
	dialect Dialect
	logger  *slog.Logger
}

// Open opens the configured backend, verifies connectivity and applies the
// schema.
func Open(cfg Config, logger *slog.Logger) (*DB, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "storage")

	switch cfg.Driver {
	case "", "sqlite", "sqlite3":
		return openSQLite(cfg, logger)
	case "postgres", "postgresql":
		return openPostgres(cfg, logger)
	default:
		return nil, fmt.Errorf("unknown storage driver %q", cfg.Driver)
	}
}

// Conn exposes the underlying connection for collaborators that own their
// own tables (the credential adapter).
func (d *DB) Conn() *sql.DB { return d.db }

// Dialect reports which backend is open.
func (d *DB) Dialect() Dialect { return d.dialect }

// Close closes the database connection.
func (d *DB) Close() error { return d.db.Close() }

// Ping checks database connectivity.
func (d *DB) Ping() error { return d.db.Ping() }

// Stats returns connection pool statistics for the status endpoint.
func (d *DB) Stats() sql.DBStats { return d.db.Stats() }

// Rebind rewrites ? placeholders to $1..$n for PostgreSQL. Queries are
// written once with ? and rebound per dialect.
func (d *DB) Rebind(query string) string {
	if d.dialect != DialectPostgres {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}

// IsUniqueViolation reports whether err is a unique-constraint failure from
// either backend.
func IsUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") || // sqlite3
		strings.Contains(msg, "SQLSTATE 23505") || // pgx
		strings.Contains(msg, "duplicate key value")
}
