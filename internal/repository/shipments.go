package repository

import (
	"context"
	"database/sql"
	"errors"

	"github.com/jmehdipour/sagaflow/internal/model"
	"github.com/jmoiron/sqlx"
)

type ShipmentsRepository interface {
	Insert(ctx context.Context, tx *sqlx.Tx, s model.Shipment) error
	// GetBySaga returns nil, nil when no shipment exists for the saga.
	GetBySaga(ctx context.Context, tx *sqlx.Tx, sagaID string) (*model.Shipment, error)
	Cancel(ctx context.Context, tx *sqlx.Tx, sagaID string) error
}

type shipmentsRepo struct{}

func NewShipmentsRepository() ShipmentsRepository { return &shipmentsRepo{} }

func (r *shipmentsRepo) Insert(ctx context.Context, tx *sqlx.Tx, s model.Shipment) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO shipments (id, saga_id, order_id, address, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, 'created', NOW(6), NOW(6))
	`, s.ID, s.SagaID, s.OrderID, s.Address)
	return err
}

func (r *shipmentsRepo) GetBySaga(ctx context.Context, tx *sqlx.Tx, sagaID string) (*model.Shipment, error) {
	var s model.Shipment
	err := tx.GetContext(ctx, &s, `
		SELECT id, saga_id, order_id, address, status, created_at, updated_at
		  FROM shipments
		 WHERE saga_id = ?
		 FOR UPDATE
	`, sagaID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &s, nil
}

func (r *shipmentsRepo) Cancel(ctx context.Context, tx *sqlx.Tx, sagaID string) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE shipments SET status = 'cancelled', updated_at = NOW(6)
		 WHERE saga_id = ? AND status = 'created'
	`, sagaID)
	return err
}
