package model

import "time"

type CustomerStatus string

const (
	CustomerActive    CustomerStatus = "active"
	CustomerSuspended CustomerStatus = "suspended"
)

// Customer is an API client. Its id is the wallet owner charged by the
// payment participant.
type Customer struct {
	ID           int64          `db:"id"`
	Name         string         `db:"name"`
	APIKey       string         `db:"api_key"`
	Status       CustomerStatus `db:"status"`
	RateLimitRPS *int           `db:"rate_limit_rps"` // nullable, falls back to rate_limit.rps
	CreatedAt    time.Time      `db:"created_at"`
	UpdatedAt    time.Time      `db:"updated_at"`
}

func (c *Customer) Active() bool { return c.Status == CustomerActive }
