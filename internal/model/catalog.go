package model

import "time"

// Product is a stock-keeping unit owned by the inventory participant.
type Product struct {
	SKU       string    `db:"sku"`
	Name      string    `db:"name"`
	Price     int64     `db:"price"`
	Stock     int       `db:"stock"`
	UpdatedAt time.Time `db:"updated_at"`
}

type ReservationStatus string

const (
	ReservationHeld     ReservationStatus = "held"
	ReservationReleased ReservationStatus = "released"
)

// Reservation is stock held for one saga.
type Reservation struct {
	SagaID    string            `db:"saga_id"`
	SKU       string            `db:"sku"`
	Quantity  int               `db:"quantity"`
	Status    ReservationStatus `db:"status"`
	CreatedAt time.Time         `db:"created_at"`
	UpdatedAt time.Time         `db:"updated_at"`
}

type ShipmentStatus string

const (
	ShipmentCreated   ShipmentStatus = "created"
	ShipmentCancelled ShipmentStatus = "cancelled"
)

// Shipment is owned by the shipping participant.
type Shipment struct {
	ID        string         `db:"id"`
	SagaID    string         `db:"saga_id"`
	OrderID   string         `db:"order_id"`
	Address   string         `db:"address"`
	Status    ShipmentStatus `db:"status"`
	CreatedAt time.Time      `db:"created_at"`
	UpdatedAt time.Time      `db:"updated_at"`
}
