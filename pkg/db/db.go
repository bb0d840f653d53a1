// Package db persists session run state to SQLite so bots resume after a
// process restart.
package db

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite" // SQLite driver
)

// Database wraps the SQL handle for easier swapping/testing.
type Database struct {
	DB   *sql.DB
	path string
}

// New opens (and creates if needed) the SQLite database at path.
func New(path string) (*Database, error) {
	if path == "" {
		return nil, errors.New("database path is empty")
	}

	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create db directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1) // SQLite prefers single writer.
	db.SetConnMaxLifetime(time.Hour)

	return &Database{DB: db, path: path}, nil
}

// Close releases the underlying DB handle.
func (d *Database) Close() error {
	if d == nil || d.DB == nil {
		return nil
	}
	return d.DB.Close()
}

// Path returns the on-disk location, empty for in-memory databases.
func (d *Database) Path() string {
	if d.path == ":memory:" {
		return ""
	}
	return d.path
}

// ApplyMigrations creates the schema.
func ApplyMigrations(d *Database) error {
	const schema = `
CREATE TABLE IF NOT EXISTS run_state (
    user_id        TEXT PRIMARY KEY,
    session_id     TEXT NOT NULL,
    running        INTEGER NOT NULL DEFAULT 0,
    active_symbols TEXT NOT NULL DEFAULT '[]',
    started_at     TIMESTAMP,
    updated_at     TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);
`
	if _, err := d.DB.Exec(schema); err != nil {
		return fmt.Errorf("apply migrations: %w", err)
	}
	return nil
}
