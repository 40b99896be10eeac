package store

import (
	"context"
	_ "embed"
	"database/sql"
	"fmt"
)

//go:embed schema_project.sql
var projectSchemaSQL string

// ProjectStore wraps the per-project embedded database: <project>/.steroids/steroids.db.
type ProjectStore struct {
	db      *sql.DB
	queries *Queries
	path    string
}

// OpenProjectStore opens or creates the project store at dbPath (normally
// <project>/.steroids/steroids.db).
func OpenProjectStore(dbPath string) (*ProjectStore, error) {
	db, err := openDB(dbPath, projectSchemaSQL, openOptions{})
	if err != nil {
		return nil, err
	}
	return &ProjectStore{db: db, queries: New(db), path: dbPath}, nil
}

// OpenProjectStoreReadOnly opens the project store for read-only observers
// (spec.md §5/§6). It refuses to open a store whose schema hasn't been
// initialized by a writer yet.
func OpenProjectStoreReadOnly(dbPath string) (*ProjectStore, error) {
	db, err := openDB(dbPath, projectSchemaSQL, openOptions{readOnly: true})
	if err != nil {
		return nil, err
	}
	return &ProjectStore{db: db, queries: New(db), path: dbPath}, nil
}

func (s *ProjectStore) Close() error { return s.db.Close() }

func (s *ProjectStore) DB() *sql.DB { return s.db }

func (s *ProjectStore) Path() string { return s.path }

// Queries returns the query interface bound to the store's plain connection.
func (s *ProjectStore) Queries() *Queries { return s.queries }

// WithTx runs fn within a transaction, passing Queries bound to that
// transaction, mirroring the teacher's Store.WithTx.
func (s *ProjectStore) WithTx(ctx context.Context, fn func(*Queries) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := fn(New(tx)); err != nil {
		return err
	}
	return tx.Commit()
}
