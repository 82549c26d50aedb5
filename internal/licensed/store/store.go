package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

const (
	dbFileName       = "licensed.db"
	defaultOpTimeout = 5 * time.Second
)

// DBTX is satisfied by both *sql.DB and *sql.Tx so pool and ledger operations
// can run standalone or inside a caller's transaction.
type DBTX interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Options configures the store.
type Options struct {
	// OpTimeout bounds every transaction and standalone operation started
	// through WithTimeout. Zero means defaultOpTimeout.
	OpTimeout time.Duration
}

// Store owns the SQLite connection pool.
type Store struct {
	db        *sql.DB
	opTimeout time.Duration
}

// Open opens (or creates) the license database in dir and applies the schema.
func Open(dir string, opts Options) (*Store, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, fmt.Errorf("data dir is required")
	}
	dir = filepath.Clean(dir)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	dbPath := filepath.Join(dir, dbFileName)
	dsn := dbPath + "?" + url.Values{
		"_pragma": []string{
			"busy_timeout(30000)",
			"journal_mode(WAL)",
			"synchronous(NORMAL)",
			"foreign_keys(ON)",
		},
	}.Encode()

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open license db: %w", err)
	}
	// A single writer connection serialises transactions; batch allocation
	// relies on this together with conditional updates in tokenpool.Bind.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	timeout := opts.OpTimeout
	if timeout <= 0 {
		timeout = defaultOpTimeout
	}
	s := &Store{db: db, opTimeout: timeout}
	if err := s.initSchema(); err != nil {
		if closeErr := db.Close(); closeErr != nil {
			return nil, errors.Join(err, fmt.Errorf("close license db after schema init failure: %w", closeErr))
		}
		return nil, err
	}
	return s, nil
}

func (s *Store) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS cursor_tokens (
		id               INTEGER PRIMARY KEY AUTOINCREMENT,
		token_encrypted  TEXT NOT NULL,
		token_iv         TEXT NOT NULL,
		status           TEXT NOT NULL DEFAULT 'available',
		is_exclusive     INTEGER NOT NULL DEFAULT 0,
		is_consumed      INTEGER NOT NULL DEFAULT 0,
		assigned_count   INTEGER NOT NULL DEFAULT 0,
		max_assignments  INTEGER,
		note             TEXT NOT NULL DEFAULT '',
		added_by         TEXT NOT NULL DEFAULT '',
		created_at       INTEGER NOT NULL,
		last_used_at     INTEGER
	);
	CREATE INDEX IF NOT EXISTS idx_tokens_exclusive ON cursor_tokens(is_exclusive, is_consumed, status, created_at);
	CREATE INDEX IF NOT EXISTS idx_tokens_shared ON cursor_tokens(is_exclusive, status, assigned_count);

	CREATE TABLE IF NOT EXISTS licenses (
		id                INTEGER PRIMARY KEY AUTOINCREMENT,
		license_key       TEXT NOT NULL UNIQUE,
		cursor_token_id   INTEGER REFERENCES cursor_tokens(id),
		cursor_email      TEXT NOT NULL DEFAULT '',
		valid_days        INTEGER NOT NULL,
		status            TEXT NOT NULL DEFAULT 'pending',
		activated_at      INTEGER,
		expires_at        INTEGER,
		max_devices       INTEGER NOT NULL DEFAULT 1,
		last_verified_at  INTEGER,
		note              TEXT NOT NULL DEFAULT '',
		created_by        TEXT NOT NULL DEFAULT '',
		created_at        INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_licenses_status ON licenses(status);
	CREATE INDEX IF NOT EXISTS idx_licenses_token ON licenses(cursor_token_id);

	CREATE TABLE IF NOT EXISTS activations (
		id             INTEGER PRIMARY KEY AUTOINCREMENT,
		license_id     INTEGER NOT NULL REFERENCES licenses(id) ON DELETE CASCADE,
		machine_id     TEXT NOT NULL,
		platform       TEXT NOT NULL DEFAULT '',
		hostname       TEXT NOT NULL DEFAULT '',
		first_seen_at  INTEGER NOT NULL,
		last_seen_at   INTEGER NOT NULL,
		UNIQUE(license_id, machine_id)
	);

	CREATE TABLE IF NOT EXISTS usage_logs (
		id             INTEGER PRIMARY KEY AUTOINCREMENT,
		license_id     INTEGER,
		action         TEXT NOT NULL,
		machine_id     TEXT NOT NULL DEFAULT '',
		ip_address     TEXT NOT NULL DEFAULT '',
		success        INTEGER NOT NULL,
		error_code     TEXT NOT NULL DEFAULT '',
		created_at     INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_usage_license ON usage_logs(license_id, created_at);
	CREATE INDEX IF NOT EXISTS idx_usage_action ON usage_logs(action, created_at);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("init license schema: %w", err)
	}
	return nil
}

// DB returns the pool for standalone (non-transactional) operations.
func (s *Store) DB() DBTX {
	return s.db
}

// WithTimeout derives a context bounded by the store's operation timeout.
func (s *Store) WithTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.opTimeout)
}

// InTx runs fn inside a transaction. fn's error (or a panic) rolls back every
// write; a nil return commits.
func (s *Store) InTx(ctx context.Context, fn func(tx DBTX) error) (err error) {
	ctx, cancel := s.WithTimeout(ctx)
	defer cancel()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
		if err != nil {
			if rollbackErr := tx.Rollback(); rollbackErr != nil && !errors.Is(rollbackErr, sql.ErrTxDone) {
				log.Warn().Err(rollbackErr).Msg("Failed to rollback license transaction")
			}
		}
	}()

	if err = fn(tx); err != nil {
		return err
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// Ping checks database connectivity (used for readiness probes).
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// IsUniqueViolation reports whether err is a SQLite UNIQUE constraint failure.
func IsUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	var sqliteErr *sqlite.Error
	if errors.As(err, &sqliteErr) {
		code := sqliteErr.Code()
		return code == sqlite3.SQLITE_CONSTRAINT_UNIQUE || code == sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}
