// Package store provides the embedded SQLite database backing the
// append-heavy trackers (revenue snapshots, trust summary, reminders,
// session evaluations, conversation log).
//
// One file, one connection, WAL mode. Tables are created lazily on first
// use so a tracker that is disabled never touches the schema.
package store

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	_ "modernc.org/sqlite"

	"orchd/internal/logging"
)

// DB wraps the shared SQLite handle.
type DB struct {
	sqldb *sql.DB
	path  string

	mu      sync.Mutex
	ensured map[string]bool
}

// Open opens (creating if needed) the database at path.
func Open(path string) (*DB, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	sqldb, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	sqldb.SetMaxOpenConns(1)
	sqldb.SetMaxIdleConns(1)
	if _, err := sqldb.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		logging.StoreDebug("failed to set busy_timeout: %v", err)
	}
	if _, err := sqldb.Exec("PRAGMA journal_mode = WAL"); err != nil {
		logging.StoreDebug("failed to set journal_mode=WAL: %v", err)
	}
	// synchronous=NORMAL is safe under WAL and much faster than FULL.
	if _, err := sqldb.Exec("PRAGMA synchronous = NORMAL"); err != nil {
		logging.StoreDebug("failed to set synchronous=NORMAL: %v", err)
	}

	logging.StoreDebug("opened sqlite database at %s", path)
	return &DB{sqldb: sqldb, path: path, ensured: make(map[string]bool)}, nil
}

// Ensure runs ddl once per table name for the lifetime of this handle.
func (d *DB) Ensure(table, ddl string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.ensured[table] {
		return nil
	}
	if _, err := d.sqldb.Exec(ddl); err != nil {
		return fmt.Errorf("failed to create table %s: %w", table, err)
	}
	d.ensured[table] = true
	return nil
}

// SQL exposes the underlying handle to the trackers.
func (d *DB) SQL() *sql.DB { return d.sqldb }

// Close closes the database connection.
func (d *DB) Close() error {
	logging.StoreDebug("closing sqlite database")
	return d.sqldb.Close()
}
