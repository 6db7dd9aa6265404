package db

import (
	"context"

	"github.com/jmoiron/sqlx"
)

// WithTx runs fn in the provided tx, or starts (and commits) a new transaction
// when tx is nil. Any error from fn rolls the new transaction back.
func WithTx(ctx context.Context, db *sqlx.DB, tx *sqlx.Tx, fn func(*sqlx.Tx) error) error {
	if tx != nil {
		return fn(tx)
	}

	t, err := db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}

	defer func() { _ = t.Rollback() }()
	if err := fn(t); err != nil {
		return err
	}

	return t.Commit()
}
