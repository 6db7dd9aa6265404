package repository

import (
	"context"
	"database/sql"
	"errors"

	"github.com/jmehdipour/sagaflow/internal/model"
	"github.com/jmoiron/sqlx"
)

type CustomersRepository interface {
	GetByAPIKey(ctx context.Context, apiKey string) (*model.Customer, error)
	// Upsert creates or refreshes the customer keyed by api_key and returns its id.
	Upsert(ctx context.Context, tx *sqlx.Tx, c model.Customer) (int64, error)
}

type CustomersRepositoryImpl struct {
	db *sqlx.DB
}

func NewCustomersRepository(db *sqlx.DB) *CustomersRepositoryImpl {
	return &CustomersRepositoryImpl{db: db}
}

var _ CustomersRepository = (*CustomersRepositoryImpl)(nil)

// GetByAPIKey returns nil, nil for an unknown key.
func (r *CustomersRepositoryImpl) GetByAPIKey(ctx context.Context, apiKey string) (*model.Customer, error) {
	var c model.Customer
	err := r.db.GetContext(ctx, &c, `
		SELECT id, name, api_key, status, rate_limit_rps, created_at, updated_at
		  FROM customers
		 WHERE api_key = ? LIMIT 1
	`, apiKey)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func (r *CustomersRepositoryImpl) Upsert(ctx context.Context, tx *sqlx.Tx, c model.Customer) (int64, error) {
	res, err := tx.ExecContext(ctx, `
		INSERT INTO customers (name, api_key, status, rate_limit_rps, created_at, updated_at)
		VALUES (?, ?, ?, ?, NOW(6), NOW(6))
		ON DUPLICATE KEY UPDATE
		    id             = LAST_INSERT_ID(id),
		    name           = VALUES(name),
		    status         = VALUES(status),
		    rate_limit_rps = VALUES(rate_limit_rps),
		    updated_at     = VALUES(updated_at)
	`, c.Name, c.APIKey, c.Status, c.RateLimitRPS)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}
