package repository

import (
	"context"
	"database/sql"
	"errors"

	"github.com/jmehdipour/sagaflow/internal/db"
	"github.com/jmehdipour/sagaflow/internal/model"
	"github.com/jmoiron/sqlx"
)

// OrdersRepository defines persistence for the orders table.
type OrdersRepository interface {
	InsertPending(ctx context.Context, tx *sqlx.Tx, o model.Order) error
	GetByID(ctx context.Context, id string) (*model.Order, error)
	GetByRequest(ctx context.Context, customerID int64, requestID string) (*model.Order, error)
	// ResolveBySaga moves a pending order to its final status. It reports false
	// when the order was already resolved.
	ResolveBySaga(ctx context.Context, tx *sqlx.Tx, sagaID string, status model.OrderStatus, reason string) (bool, error)
	ListByIDs(ctx context.Context, ids []string) ([]model.Order, error)
}

type OrdersRepositoryImpl struct {
	db *sqlx.DB
}

func NewOrdersRepository(db *sqlx.DB) *OrdersRepositoryImpl {
	return &OrdersRepositoryImpl{db: db}
}

var _ OrdersRepository = (*OrdersRepositoryImpl)(nil)

const orderColumns = `id, customer_id, request_id, sku, quantity, amount, address, status, saga_id, reason, created_at, updated_at`

// InsertPending inserts a new order row with status=pending.
func (r *OrdersRepositoryImpl) InsertPending(ctx context.Context, tx *sqlx.Tx, o model.Order) error {
	const q = `
		INSERT INTO orders
		    (id, customer_id, request_id, sku, quantity, amount, address, status,    saga_id, created_at, updated_at)
		VALUES
		    (?,  ?,           ?,          ?,   ?,        ?,      ?,       'pending', ?,       NOW(6),     NOW(6))
	`
	return db.WithTx(ctx, r.db, tx, func(tx *sqlx.Tx) error {
		_, err := tx.ExecContext(ctx, q,
			o.ID, o.CustomerID, o.RequestID, o.SKU, o.Quantity, o.Amount, o.Address, o.SagaID,
		)
		return err
	})
}

func (r *OrdersRepositoryImpl) GetByID(ctx context.Context, id string) (*model.Order, error) {
	var o model.Order
	err := r.db.GetContext(ctx, &o, `SELECT `+orderColumns+` FROM orders WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, model.ErrOrderNotFound
	}
	if err != nil {
		return nil, err
	}
	return &o, nil
}

// GetByRequest returns nil, nil when the customer has not used requestID yet.
func (r *OrdersRepositoryImpl) GetByRequest(ctx context.Context, customerID int64, requestID string) (*model.Order, error) {
	var o model.Order
	err := r.db.GetContext(ctx, &o, `
		SELECT `+orderColumns+`
		  FROM orders
		 WHERE customer_id = ? AND request_id = ? LIMIT 1
	`, customerID, requestID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &o, nil
}

func (r *OrdersRepositoryImpl) ResolveBySaga(ctx context.Context, tx *sqlx.Tx, sagaID string, status model.OrderStatus, reason string) (bool, error) {
	var changed bool
	err := db.WithTx(ctx, r.db, tx, func(tx *sqlx.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE orders
			   SET status = ?, reason = NULLIF(?, ''), updated_at = NOW(6)
			 WHERE saga_id = ? AND status = 'pending'
		`, status.String(), reason, sagaID)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		changed = n == 1
		return err
	})
	return changed, err
}

func (r *OrdersRepositoryImpl) ListByIDs(ctx context.Context, ids []string) ([]model.Order, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	query, args, err := sqlx.In(`SELECT `+orderColumns+` FROM orders WHERE id IN (?) ORDER BY created_at`, ids)
	if err != nil {
		return nil, err
	}
	var rows []model.Order
	if err := r.db.SelectContext(ctx, &rows, r.db.Rebind(query), args...); err != nil {
		return nil, err
	}
	return rows, nil
}
