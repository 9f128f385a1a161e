package repository

import (
	"context"

	"github.com/jackc/pgx/v5"

	"github.com/pesio-ai/be-pm-lifecycle/internal/database"
)

// PostgresStore implements Store on top of a pgx pool.
type PostgresStore struct {
	db *database.DB
}

// NewPostgresStore creates a new PostgresStore.
func NewPostgresStore(db *database.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// InTx runs fn in a read-write transaction. Row reads of records, stages and
// nodes take FOR UPDATE locks so concurrent writers serialize.
func (s *PostgresStore) InTx(ctx context.Context, fn func(tx Tx) error) error {
	return s.db.InTransaction(ctx, func(tx pgx.Tx) error {
		return fn(&pgTx{tx: tx, lock: true})
	})
}

// ReadTx runs fn in a read-only transaction.
func (s *PostgresStore) ReadTx(ctx context.Context, fn func(tx Tx) error) error {
	return s.db.ReadOnly(ctx, func(tx pgx.Tx) error {
		return fn(&pgTx{tx: tx})
	})
}

// pgTx implements Tx. Its methods are spread over the *_repository.go files.
type pgTx struct {
	tx   pgx.Tx
	lock bool
}

func (t *pgTx) forUpdate() string {
	if t.lock {
		return " FOR UPDATE"
	}
	return ""
}

// rowScanner is satisfied by pgx.Row and pgx.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}
