// ABOUTME: SQLite implementation of the Store interface
// ABOUTME: Supports the pure-Go modernc driver and the cgo mattn driver with automatic schema creation

package store

import (
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
	_ "modernc.org/sqlite"
)

// Driver names accepted by NewSQLiteStoreWithDriver.
const (
	DriverModernc = "sqlite"  // modernc.org/sqlite, pure Go
	DriverMattn   = "sqlite3" // github.com/mattn/go-sqlite3, requires cgo
)

// timeLayout is fixed width so stored timestamps sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore creates a new SQLite store at the given path using the
// pure-Go driver. The schema is automatically created if it doesn't exist.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	return NewSQLiteStoreWithDriver(DriverModernc, path)
}

// NewSQLiteStoreWithDriver creates a SQLite store using the named driver.
// Parent directories are created if needed. The path ":memory:" opens a
// private in-memory database.
func NewSQLiteStoreWithDriver(driver, path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	switch driver {
	case "", DriverModernc:
		driver = DriverModernc
	case DriverMattn:
	default:
		return nil, fmt.Errorf("unsupported sqlite driver %q", driver)
	}

	if path != ":memory:" {
		// Ensure parent directory exists
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := sql.Open(driver, path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// One connection: pragmas apply to every statement, in-memory databases
	// stay a single database, and SQLite serializes writers regardless.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}

	s := &SQLiteStore{
		db:     db,
		logger: logger,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	if err := s.runMigrations(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path, "driver", driver)
	return s, nil
}

// createSchema creates the database tables if they don't exist
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS identities (
			name       TEXT PRIMARY KEY,
			handle     BLOB NOT NULL UNIQUE,
			created_at TEXT NOT NULL
		);

		CREATE TABLE IF NOT EXISTS credentials (
			id               TEXT PRIMARY KEY,
			identity         TEXT NOT NULL REFERENCES identities(name),
			credential_id    BLOB NOT NULL UNIQUE,
			public_key       BLOB NOT NULL,
			algorithm        INTEGER NOT NULL,
			attestation_type TEXT NOT NULL DEFAULT 'none',
			sign_count       INTEGER NOT NULL DEFAULT 0,
			created_at       TEXT NOT NULL,
			last_used_at     TEXT
		);

		CREATE INDEX IF NOT EXISTS idx_credentials_identity ON credentials(identity);

		CREATE TABLE IF NOT EXISTS challenges (
			nonce       BLOB PRIMARY KEY,
			purpose     TEXT NOT NULL,
			identity    TEXT NOT NULL,
			session_id  TEXT NOT NULL DEFAULT '',
			user_handle BLOB,
			issued_at   INTEGER NOT NULL,
			expires_at  INTEGER NOT NULL,

			CHECK (purpose IN ('registration', 'authentication'))
		);

		CREATE INDEX IF NOT EXISTS idx_challenges_expires ON challenges(expires_at);

		CREATE TABLE IF NOT EXISTS sessions (
			id            TEXT PRIMARY KEY,
			identity      TEXT NOT NULL REFERENCES identities(name),
			credential_id BLOB,
			created_at    INTEGER NOT NULL,
			expires_at    INTEGER NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_sessions_expires ON sessions(expires_at);

		CREATE TABLE IF NOT EXISTS containers (
			id         TEXT PRIMARY KEY,
			scope      TEXT NOT NULL DEFAULT '',
			secret     BLOB NOT NULL,
			nonce      BLOB NOT NULL,
			ciphertext BLOB NOT NULL,
			tag        BLOB NOT NULL,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		);

		CREATE TABLE IF NOT EXISTS audit_log (
			audit_id    TEXT PRIMARY KEY,
			actor       TEXT NOT NULL DEFAULT '',
			action      TEXT NOT NULL,
			target_type TEXT NOT NULL,
			target_id   TEXT NOT NULL,
			ts          TEXT NOT NULL,
			detail_json TEXT
		);

		CREATE INDEX IF NOT EXISTS idx_audit_log_ts ON audit_log(ts);
		CREATE INDEX IF NOT EXISTS idx_audit_log_action ON audit_log(action);
	`

	_, err := s.db.Exec(schema)
	return err
}

// runMigrations applies schema changes to databases created by older builds
func (s *SQLiteStore) runMigrations() error {
	// SQLite doesn't support ADD COLUMN IF NOT EXISTS, so we check first
	migrations := []struct {
		table  string
		column string
		apply  string
	}{
		{
			table:  "credentials",
			column: "transports",
			apply:  `ALTER TABLE credentials ADD COLUMN transports TEXT NOT NULL DEFAULT ''`,
		},
	}

	for _, m := range migrations {
		var exists int
		err := s.db.QueryRow(
			`SELECT 1 FROM pragma_table_info(?) WHERE name = ?`, m.table, m.column,
		).Scan(&exists)
		if err == nil {
			continue
		}
		if _, err := s.db.Exec(m.apply); err != nil {
			return fmt.Errorf("adding %s column to %s: %w", m.column, m.table, err)
		}
		s.logger.Info("applied migration", "column", m.column, "table", m.table)
	}

	return nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	s.logger.Info("closing SQLite store")
	return s.db.Close()
}

// isConstraintViolation checks if the error is a SQLite UNIQUE or PRIMARY KEY
// constraint violation. Both drivers report it in the message text.
func isConstraintViolation(err error) bool {
	if err == nil {
		return false
	}
	errStr := err.Error()
	return strings.Contains(errStr, "UNIQUE constraint failed") ||
		strings.Contains(errStr, "PRIMARY KEY")
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(timeLayout, s)
}

func formatNullTime(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := formatTime(*t)
	return &s
}

func parseNullTime(ns sql.NullString) (*time.Time, error) {
	if !ns.Valid || ns.String == "" {
		return nil, nil
	}
	t, err := parseTime(ns.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}
