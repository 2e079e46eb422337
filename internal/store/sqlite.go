package store

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite" // Pure Go SQLite driver
)

// sqliteSchemaVersion is the version of the snapshot table layout.
const sqliteSchemaVersion = 1

// SQLiteStore keeps snapshots in a SQLite table keyed by account, so several
// accounts can share one database file.
type SQLiteStore struct {
	db      *sqlx.DB
	account string
}

// NewSQLiteStore opens or creates the database at path and migrates it.
func NewSQLiteStore(path, account string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0750); err != nil {
		return nil, fmt.Errorf("create directory: %w", err)
	}
	db, err := openDB(path)
	if err != nil {
		return nil, err
	}
	if err := migrate(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return &SQLiteStore{db: db, account: account}, nil
}

func openDB(path string) (*sqlx.DB, error) {
	db, err := sqlx.Connect("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// SQLite allows a single writer.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set journal mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}
	return db, nil
}

func migrate(db *sqlx.DB) error {
	tx, err := db.Beginx()
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec(`
		CREATE TABLE IF NOT EXISTS schema_version (
			version INTEGER NOT NULL,
			applied_at TEXT NOT NULL DEFAULT CURRENT_TIMESTAMP
		)
	`); err != nil {
		return fmt.Errorf("create version table: %w", err)
	}

	var version int
	err = tx.Get(&version, "SELECT version FROM schema_version LIMIT 1")
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("query schema version: %w", err)
	}
	if version > sqliteSchemaVersion {
		return fmt.Errorf("database schema version %d is newer than supported %d", version, sqliteSchemaVersion)
	}
	if version == sqliteSchemaVersion {
		return nil
	}

	if _, err := tx.Exec(`
		CREATE TABLE IF NOT EXISTS ledger_snapshots (
			account TEXT PRIMARY KEY,
			version INTEGER NOT NULL,
			body TEXT NOT NULL,
			saved_at TEXT NOT NULL
		)
	`); err != nil {
		return fmt.Errorf("create ledger_snapshots: %w", err)
	}
	if _, err := tx.Exec("DELETE FROM schema_version"); err != nil {
		return fmt.Errorf("clear schema version: %w", err)
	}
	if _, err := tx.Exec("INSERT INTO schema_version (version) VALUES (?)", sqliteSchemaVersion); err != nil {
		return fmt.Errorf("set schema version: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

type snapshotRow struct {
	Version int    `db:"version"`
	Body    string `db:"body"`
}

func (s *SQLiteStore) Load() (*Snapshot, error) {
	var row snapshotRow
	err := s.db.Get(&row, "SELECT version, body FROM ledger_snapshots WHERE account = ?", s.account)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query snapshot: %w", err)
	}
	return decodeSnapshot([]byte(row.Body))
}

func (s *SQLiteStore) Save(snap *Snapshot) error {
	data, err := encodeSnapshot(snap)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(`
		INSERT INTO ledger_snapshots (account, version, body, saved_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(account) DO UPDATE SET
			version = excluded.version,
			body = excluded.body,
			saved_at = excluded.saved_at
	`, s.account, SnapshotVersion, string(data), time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("save snapshot: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
