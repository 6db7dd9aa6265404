package repository

import (
	"context"
	"database/sql"
	"errors"

	"github.com/jmehdipour/sagaflow/internal/model"
	"github.com/jmoiron/sqlx"
)

var ErrAccountNotFound = errors.New("wallet account not found")

type WalletRepository interface {
	UpsertAccount(ctx context.Context, tx *sqlx.Tx, customerID int64) error
	// GetForUpdate locks the account row for the rest of tx.
	GetForUpdate(ctx context.Context, tx *sqlx.Tx, customerID int64) (*model.WalletAccount, error)
	Adjust(ctx context.Context, tx *sqlx.Tx, customerID, delta int64) error
	Topup(ctx context.Context, tx *sqlx.Tx, customerID, amount int64) error
}

type walletRepo struct{}

func NewWalletRepository() WalletRepository { return &walletRepo{} }

func (r *walletRepo) UpsertAccount(ctx context.Context, tx *sqlx.Tx, customerID int64) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO wallet_accounts (customer_id, balance, created_at, updated_at)
		VALUES (?, 0, NOW(6), NOW(6))
		ON DUPLICATE KEY UPDATE updated_at = VALUES(updated_at)
	`, customerID)
	return err
}

func (r *walletRepo) GetForUpdate(ctx context.Context, tx *sqlx.Tx, customerID int64) (*model.WalletAccount, error) {
	var acct model.WalletAccount
	err := tx.GetContext(ctx, &acct, `
		SELECT customer_id, balance, created_at, updated_at
		FROM wallet_accounts
		WHERE customer_id = ?
		FOR UPDATE
	`, customerID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrAccountNotFound
	}
	if err != nil {
		return nil, err
	}
	return &acct, nil
}

// Adjust applies a signed delta to the balance.
func (r *walletRepo) Adjust(ctx context.Context, tx *sqlx.Tx, customerID, delta int64) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE wallet_accounts
		SET balance = balance + ?, updated_at = NOW(6)
		WHERE customer_id = ?
	`, delta, customerID)
	return err
}

func (r *walletRepo) Topup(ctx context.Context, tx *sqlx.Tx, customerID, amount int64) error {
	return r.Adjust(ctx, tx, customerID, amount)
}
