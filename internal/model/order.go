package model

import (
	"database/sql"
	"errors"
	"time"
)

type OrderStatus string

const (
	OrderPending  OrderStatus = "pending"
	OrderApproved OrderStatus = "approved"
	OrderRejected OrderStatus = "rejected"
)

func (s OrderStatus) String() string {
	return string(s)
}

func (s OrderStatus) Valid() bool {
	return s == OrderPending || s == OrderApproved || s == OrderRejected
}

// Order is the DB entity persisted in orders table. Placing one starts the
// place-order saga; the saga outcome is projected back onto Status.
type Order struct {
	ID         string         `db:"id"`
	CustomerID int64          `db:"customer_id"`
	RequestID  string         `db:"request_id"`
	SKU        string         `db:"sku"`
	Quantity   int            `db:"quantity"`
	Amount     int64          `db:"amount"`
	Address    string         `db:"address"`
	Status     OrderStatus    `db:"status"`
	SagaID     string         `db:"saga_id"`
	Reason     sql.NullString `db:"reason"`
	CreatedAt  time.Time      `db:"created_at"`
	UpdatedAt  time.Time      `db:"updated_at"`
}

// OrderInput is the place-order saga input, stored under SagaData["input"].
type OrderInput struct {
	OrderID    string `json:"order_id"`
	CustomerID int64  `json:"customer_id"`
	SKU        string `json:"sku"`
	Quantity   int    `json:"quantity"`
	Amount     int64  `json:"amount"`
	Address    string `json:"address"`
}

var ErrOrderNotFound = errors.New("order not found")
