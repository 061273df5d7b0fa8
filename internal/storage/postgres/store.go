// Package postgres implements internal/storage.Store against PostgreSQL
// with github.com/jmoiron/sqlx and github.com/lib/pq, schema-managed by
// github.com/golang-migrate/migrate/v4 (see migrate.go).
//
// Grounded on internal/app/storage/postgres's shape in the teacher repo:
// one Store struct wrapping a db handle, one file per entity group, each
// method a single parameterized statement. That store never composes a
// transaction across methods; Transact generalizes it by introducing a
// small execer interface both *sqlx.DB and *sqlx.Tx satisfy, so every
// CRUD method here runs unchanged whether db is the pool or a live
// transaction, mirroring how internal/storage/memory.Store shares its
// method bodies between the locking Store and the lock-free view bound
// to Transact's block.
package postgres

import (
	"context"
	"database/sql"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"

	"github.com/n3flow/platform/internal/storage"
)

// execer is the subset of *sqlx.DB and *sqlx.Tx every CRUD method needs.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryxContext(ctx context.Context, query string, args ...interface{}) (*sqlx.Rows, error)
	QueryRowxContext(ctx context.Context, query string, args ...interface{}) *sqlx.Row
}

// Store implements storage.Store against PostgreSQL.
type Store struct {
	db   execer
	root *sqlx.DB // non-nil only on the top-level Store; nil on a tx-bound Store
}

var _ storage.Store = (*Store)(nil)

// New wraps an already-open connection pool. Callers that want the
// schema created or upgraded first should call Migrate against the same
// *sql.DB before handing it to New.
func New(db *sqlx.DB) *Store {
	return &Store{db: db, root: db}
}

// Open opens a PostgreSQL connection pool at dsn, applies pending
// migrations, and returns a ready Store.
func Open(ctx context.Context, dsn string, maxOpenConns, maxIdleConns int, connMaxLifetime time.Duration) (*Store, error) {
	db, err := sqlx.ConnectContext(ctx, "postgres", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(maxOpenConns)
	db.SetMaxIdleConns(maxIdleConns)
	db.SetConnMaxLifetime(connMaxLifetime)

	if err := Migrate(db.DB); err != nil {
		_ = db.Close()
		return nil, err
	}
	return New(db), nil
}

// Transact runs block against a Store bound to a fresh transaction,
// committing on success and rolling back on any error block returns. A
// panic in block is not recovered here and does not trigger Rollback.
func (s *Store) Transact(ctx context.Context, block func(ctx context.Context, tx storage.Store) error) error {
	if s.root == nil {
		// Already inside a transaction (a nested Transact call): share it
		// rather than attempting a transaction within a transaction.
		return block(ctx, s)
	}
	tx, err := s.root.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	if err := block(ctx, &Store{db: tx}); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

func noRowsToNotFound(err error) error {
	if err == sql.ErrNoRows {
		return storage.ErrNotFound
	}
	return err
}

func toNullTime(t time.Time) sql.NullTime {
	if t.IsZero() {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}
