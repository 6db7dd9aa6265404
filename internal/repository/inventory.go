package repository

import (
	"context"
	"database/sql"
	"errors"

	"github.com/jmehdipour/sagaflow/internal/model"
	"github.com/jmoiron/sqlx"
)

var ErrProductNotFound = errors.New("product not found")

// InventoryRepository covers products and the reservations held against them.
type InventoryRepository interface {
	UpsertProduct(ctx context.Context, tx *sqlx.Tx, p model.Product) error
	GetProduct(ctx context.Context, sku string) (*model.Product, error)
	// StockForUpdate locks the product row and returns its stock.
	StockForUpdate(ctx context.Context, tx *sqlx.Tx, sku string) (int, error)
	AdjustStock(ctx context.Context, tx *sqlx.Tx, sku string, delta int) error

	InsertReservation(ctx context.Context, tx *sqlx.Tx, r model.Reservation) error
	// ReservationForUpdate returns nil, nil when the saga holds nothing.
	ReservationForUpdate(ctx context.Context, tx *sqlx.Tx, sagaID string) (*model.Reservation, error)
	ReleaseReservation(ctx context.Context, tx *sqlx.Tx, sagaID string) error
}

type InventoryRepositoryImpl struct {
	db *sqlx.DB
}

func NewInventoryRepository(db *sqlx.DB) *InventoryRepositoryImpl {
	return &InventoryRepositoryImpl{db: db}
}

var _ InventoryRepository = (*InventoryRepositoryImpl)(nil)

func (r *InventoryRepositoryImpl) UpsertProduct(ctx context.Context, tx *sqlx.Tx, p model.Product) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO products (sku, name, price, stock, updated_at)
		VALUES (?, ?, ?, ?, NOW(6))
		ON DUPLICATE KEY UPDATE name = VALUES(name), price = VALUES(price),
		                        stock = VALUES(stock), updated_at = VALUES(updated_at)
	`, p.SKU, p.Name, p.Price, p.Stock)
	return err
}

func (r *InventoryRepositoryImpl) GetProduct(ctx context.Context, sku string) (*model.Product, error) {
	var p model.Product
	err := r.db.GetContext(ctx, &p, `SELECT sku, name, price, stock, updated_at FROM products WHERE sku = ?`, sku)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrProductNotFound
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (r *InventoryRepositoryImpl) StockForUpdate(ctx context.Context, tx *sqlx.Tx, sku string) (int, error) {
	var stock int
	err := tx.QueryRowxContext(ctx, `SELECT stock FROM products WHERE sku = ? FOR UPDATE`, sku).Scan(&stock)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrProductNotFound
	}
	return stock, err
}

func (r *InventoryRepositoryImpl) AdjustStock(ctx context.Context, tx *sqlx.Tx, sku string, delta int) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE products SET stock = stock + ?, updated_at = NOW(6) WHERE sku = ?
	`, delta, sku)
	return err
}

func (r *InventoryRepositoryImpl) InsertReservation(ctx context.Context, tx *sqlx.Tx, res model.Reservation) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO inventory_reservations (saga_id, sku, quantity, status, created_at, updated_at)
		VALUES (?, ?, ?, 'held', NOW(6), NOW(6))
	`, res.SagaID, res.SKU, res.Quantity)
	return err
}

func (r *InventoryRepositoryImpl) ReservationForUpdate(ctx context.Context, tx *sqlx.Tx, sagaID string) (*model.Reservation, error) {
	var res model.Reservation
	err := tx.GetContext(ctx, &res, `
		SELECT saga_id, sku, quantity, status, created_at, updated_at
		  FROM inventory_reservations
		 WHERE saga_id = ?
		 FOR UPDATE
	`, sagaID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &res, nil
}

func (r *InventoryRepositoryImpl) ReleaseReservation(ctx context.Context, tx *sqlx.Tx, sagaID string) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE inventory_reservations
		   SET status = 'released', updated_at = NOW(6)
		 WHERE saga_id = ? AND status = 'held'
	`, sagaID)
	return err
}
