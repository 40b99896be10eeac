// Package store implements the embedded relational store of spec.md §3/§6:
// one database per project plus one global store, both opened in WAL mode
// with a busy-timeout, generalizing the teacher's db.Open/openDB shape
// (modernc.org/sqlite, schema applied via go:embed) to two schemas and to a
// read-only observer mode.
package store

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	_ "modernc.org/sqlite"
)

// ErrSchemaNotInitialized is returned when a store file exists but has no
// schema_meta row, or its version is behind what this binary expects.
// Migration application is out of scope (spec.md §1); the store only
// detects and reports the mismatch.
var ErrSchemaNotInitialized = errors.New("store: schema not initialized or out of date")

const currentSchemaVersion = 1

// openOptions controls how a database file is opened.
type openOptions struct {
	readOnly bool
}

// openDB opens (creating if necessary) a SQLite database at dbPath, enables
// WAL mode, foreign keys, and a busy-timeout of at least 5 seconds per
// spec.md §5, then applies schemaSQL. When opts.readOnly is set, the
// connection is additionally put into PRAGMA query_only mode: the file is
// still opened read-write at the OS level so the reader shares WAL-mode
// shared memory with writers (spec.md §5), but every statement this handle
// issues that would write is rejected by SQLite.
func openDB(dbPath, schemaSQL string, opts openOptions) (*sql.DB, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create store directory: %w", err)
	}

	escapedPath := strings.ReplaceAll(dbPath, " ", "%20")
	connStr := "file:" + escapedPath + "?_time_format=sqlite&_pragma=busy_timeout(5000)"
	db, err := sql.Open("sqlite", connStr)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	if opts.readOnly {
		if err := checkSchema(db); err != nil {
			db.Close()
			return nil, err
		}
		if _, err := db.Exec("PRAGMA query_only=ON"); err != nil {
			db.Close()
			return nil, fmt.Errorf("enable query_only: %w", err)
		}
		return db, nil
	}

	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}
	return db, nil
}

// checkSchema verifies schema_meta exists and is current. Used by read-only
// opens, which never apply the schema themselves.
func checkSchema(db *sql.DB) error {
	var version int
	err := db.QueryRow(`SELECT version FROM schema_meta WHERE id = 1`).Scan(&version)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrSchemaNotInitialized, err)
	}
	if version < currentSchemaVersion {
		return fmt.Errorf("%w: have version %d, want %d", ErrSchemaNotInitialized, version, currentSchemaVersion)
	}
	return nil
}
