package model

import "time"

// WalletAccount holds the customer's prepaid balance charged by the payment participant.
type WalletAccount struct {
	CustomerID int64     `db:"customer_id"`
	Balance    int64     `db:"balance"`
	UpdatedAt  time.Time `db:"updated_at"`
	CreatedAt  time.Time `db:"created_at"`
}
