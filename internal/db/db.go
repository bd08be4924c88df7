package db

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // PostgreSQL driver
	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite" // SQLite driver
)

var (
	ErrNotFound     = errors.New("record not found")
	ErrDuplicate    = errors.New("duplicate record")
	ErrDatabaseInit = errors.New("database initialization failed")
)

const (
	driverSQLite   = "sqlite"
	driverPostgres = "pgx"
)

func init() {
	sqlx.BindDriver(driverSQLite, sqlx.QUESTION)
}

// DB represents the database connection.
type DB struct {
	conn *sqlx.DB
}

// New opens the database named by dsn and applies the schema. A postgres://
// URL selects PostgreSQL; anything else is treated as a SQLite file path.
func New(dsn string) (*DB, error) {
	var (
		conn *sqlx.DB
		err  error
	)

	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		conn, err = sqlx.Open(driverPostgres, dsn)
		if err != nil {
			return nil, fmt.Errorf("%w: failed to open database: %w", ErrDatabaseInit, err)
		}
		conn.SetMaxOpenConns(25)
		conn.SetMaxIdleConns(5)
		conn.SetConnMaxLifetime(30 * time.Minute)
	} else {
		if err := os.MkdirAll(filepath.Dir(dsn), 0750); err != nil {
			return nil, fmt.Errorf("%w: failed to create directory: %w", ErrDatabaseInit, err)
		}
		conn, err = sqlx.Open(driverSQLite, sqliteDSN(dsn))
		if err != nil {
			return nil, fmt.Errorf("%w: failed to open database: %w", ErrDatabaseInit, err)
		}
		// One writer at a time; transactions hold the only connection.
		conn.SetMaxOpenConns(1)
	}

	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("%w: failed to connect: %w", ErrDatabaseInit, err)
	}

	db := &DB{conn: conn}
	if err := db.migrate(); err != nil {
		conn.Close()
		return nil, err
	}

	if conn.DriverName() == driverSQLite {
		_ = os.Chmod(dsn, 0600)
	}

	return db, nil
}

// sqliteDSN attaches per-connection pragmas so every pooled connection
// enforces foreign keys.
func sqliteDSN(path string) string {
	q := url.Values{}
	for _, p := range []string{
		"foreign_keys(1)",
		"busy_timeout(5000)",
		"journal_mode(WAL)",
		"synchronous(NORMAL)",
		"secure_delete(1)",
	} {
		q.Add("_pragma", p)
	}
	q.Set("_time_format", "sqlite")
	return "file:" + path + "?" + q.Encode()
}

// Close closes the database connection.
func (db *DB) Close() error {
	if db.conn != nil {
		return db.conn.Close()
	}
	return nil
}

// Ping checks the database connection.
func (db *DB) Ping(ctx context.Context) error {
	return db.conn.PingContext(ctx)
}

// migrate creates the database schema. Every statement is valid in both
// SQLite and PostgreSQL.
func (db *DB) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS calendar_accounts (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			provider TEXT NOT NULL,
			external_email TEXT NOT NULL,
			access_token TEXT NOT NULL DEFAULT '',
			refresh_token TEXT NOT NULL DEFAULT '',
			token_expires_at TIMESTAMP,
			scopes TEXT NOT NULL DEFAULT '',
			sync_status TEXT NOT NULL DEFAULT 'idle',
			last_error TEXT NOT NULL DEFAULT '',
			last_sync_at TIMESTAMP,
			sync_started_at TIMESTAMP,
			created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
			UNIQUE(user_id, provider, external_email)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_calendar_accounts_user_id ON calendar_accounts(user_id)`,

		`CREATE TABLE IF NOT EXISTS calendars (
			id TEXT PRIMARY KEY,
			account_id TEXT NOT NULL REFERENCES calendar_accounts(id) ON DELETE CASCADE,
			external_id TEXT NOT NULL,
			name TEXT NOT NULL DEFAULT '',
			color TEXT NOT NULL DEFAULT '',
			is_visible BOOLEAN NOT NULL DEFAULT TRUE,
			is_primary BOOLEAN NOT NULL DEFAULT FALSE,
			is_writable BOOLEAN NOT NULL DEFAULT FALSE,
			sync_cursor TEXT,
			cursor_committed_at TIMESTAMP,
			pull_started_at TIMESTAMP,
			last_sync_at TIMESTAMP,
			created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
			UNIQUE(account_id, external_id)
		)`,

		`CREATE TABLE IF NOT EXISTS calendar_events (
			id TEXT PRIMARY KEY,
			calendar_id TEXT NOT NULL REFERENCES calendars(id) ON DELETE CASCADE,
			external_id TEXT NOT NULL,
			title TEXT NOT NULL DEFAULT '',
			description TEXT NOT NULL DEFAULT '',
			location TEXT NOT NULL DEFAULT '',
			start_at TIMESTAMP,
			end_at TIMESTAMP,
			start_date TEXT NOT NULL DEFAULT '',
			end_date TEXT NOT NULL DEFAULT '',
			all_day BOOLEAN NOT NULL DEFAULT FALSE,
			status TEXT NOT NULL DEFAULT 'confirmed',
			attendees TEXT NOT NULL DEFAULT '',
			activity_id TEXT NOT NULL DEFAULT '',
			etag TEXT NOT NULL DEFAULT '',
			remote_updated_at TIMESTAMP,
			source TEXT NOT NULL DEFAULT 'remote',
			last_synced_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
			UNIQUE(calendar_id, external_id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_calendar_events_activity_id ON calendar_events(activity_id)`,

		`CREATE TABLE IF NOT EXISTS activities (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			title TEXT NOT NULL,
			type TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL DEFAULT '',
			notes TEXT NOT NULL DEFAULT '',
			outcome TEXT NOT NULL DEFAULT '',
			objective TEXT NOT NULL DEFAULT '',
			assigned_to TEXT NOT NULL DEFAULT '',
			scheduled_at TIMESTAMP,
			all_day BOOLEAN NOT NULL DEFAULT FALSE,
			start_date TEXT NOT NULL DEFAULT '',
			end_date TEXT NOT NULL DEFAULT '',
			duration_minutes INTEGER NOT NULL DEFAULT 0,
			location TEXT NOT NULL DEFAULT '',
			sync_to_calendar BOOLEAN NOT NULL DEFAULT FALSE,
			needs_push BOOLEAN NOT NULL DEFAULT FALSE,
			remote_event_id TEXT NOT NULL DEFAULT '',
			remote_calendar_id TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_activities_user_push ON activities(user_id, needs_push)`,
		`CREATE INDEX IF NOT EXISTS idx_activities_remote_event ON activities(remote_calendar_id, remote_event_id)`,

		`CREATE TABLE IF NOT EXISTS sync_logs (
			id TEXT PRIMARY KEY,
			account_id TEXT NOT NULL REFERENCES calendar_accounts(id) ON DELETE CASCADE,
			status TEXT NOT NULL,
			message TEXT NOT NULL DEFAULT '',
			calendars_synced INTEGER NOT NULL DEFAULT 0,
			events_upserted INTEGER NOT NULL DEFAULT 0,
			events_deleted INTEGER NOT NULL DEFAULT 0,
			events_pushed INTEGER NOT NULL DEFAULT 0,
			full_resyncs INTEGER NOT NULL DEFAULT 0,
			duration_ms BIGINT NOT NULL DEFAULT 0,
			created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_sync_logs_account_id ON sync_logs(account_id)`,
		`CREATE INDEX IF NOT EXISTS idx_sync_logs_created_at ON sync_logs(created_at)`,
	}

	for _, migration := range migrations {
		if _, err := db.conn.Exec(migration); err != nil {
			return fmt.Errorf("%w: migration failed: %w", ErrDatabaseInit, err)
		}
	}

	return nil
}

// Tx is a unit of work. The engine applies a calendar's pulled batch and its
// cursor through a single Tx.
type Tx struct {
	tx *sqlx.Tx
}

// WithTx runs fn inside a transaction, committing if fn returns nil.
func (db *DB) WithTx(ctx context.Context, fn func(*Tx) error) (err error) {
	tx, err := db.conn.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if err = fn(&Tx{tx: tx}); err != nil {
		return err
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// nowUTC is truncated to the precision every supported database keeps, so a
// timestamp read back compares equal to the one written.
func nowUTC() time.Time {
	return time.Now().UTC().Truncate(time.Microsecond)
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	s := err.Error()
	return strings.Contains(s, "UNIQUE constraint failed") || strings.Contains(s, "duplicate key value")
}
