package repository

import (
	"context"
	"database/sql"
	"errors"

	"github.com/jmoiron/sqlx"
)

type LedgerOp string

const (
	LedgerTopup  LedgerOp = "topup"
	LedgerCharge LedgerOp = "charge"
	LedgerRefund LedgerOp = "refund"
)

type LedgerRepository interface {
	ExistsByIdem(ctx context.Context, tx *sqlx.Tx, idem string) (bool, error)
	// AmountByIdem returns the amount of the row with idem, or found=false.
	AmountByIdem(ctx context.Context, tx *sqlx.Tx, idem string) (amount int64, found bool, err error)
	Insert(ctx context.Context, tx *sqlx.Tx, row LedgerRow) (bool, error)
}

type ledgerRepo struct{}

func NewLedgerRepository() LedgerRepository { return &ledgerRepo{} }

type LedgerRow struct {
	CustomerID int64
	Op         LedgerOp
	Amount     int64
	Idem       string
	SagaID     string // empty for top-ups
}

// ExistsByIdem checks if a ledger row with the given idempotency key already exists.
func (r *ledgerRepo) ExistsByIdem(ctx context.Context, tx *sqlx.Tx, idem string) (bool, error) {
	_, found, err := r.AmountByIdem(ctx, tx, idem)
	return found, err
}

func (r *ledgerRepo) AmountByIdem(ctx context.Context, tx *sqlx.Tx, idem string) (int64, bool, error) {
	var amount int64
	err := tx.QueryRowxContext(ctx,
		`SELECT amount FROM wallet_ledger WHERE idempotency_key = ? LIMIT 1`, idem,
	).Scan(&amount)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return amount, true, nil
}

// Insert adds a ledger row. It reports false when idem was already used.
func (r *ledgerRepo) Insert(ctx context.Context, tx *sqlx.Tx, row LedgerRow) (bool, error) {
	res, err := tx.ExecContext(ctx, `
		INSERT INTO wallet_ledger (customer_id, op, amount, idempotency_key, saga_id)
		VALUES (?, ?, ?, ?, NULLIF(?, ''))
		ON DUPLICATE KEY UPDATE id = id
	`, row.CustomerID, string(row.Op), row.Amount, row.Idem, row.SagaID)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}
