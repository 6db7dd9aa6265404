package model

import (
	"database/sql"
	"time"
)

type OutboxStatus string

const (
	OutboxPending OutboxStatus = "pending"
	OutboxSent    OutboxStatus = "sent"
	OutboxFailed  OutboxStatus = "failed" // dead letter, needs an operator
)

func (s OutboxStatus) String() string { return string(s) }

func (s OutboxStatus) Valid() bool {
	return s == OutboxPending || s == OutboxSent || s == OutboxFailed
}

// OutboxRecord is a row of the outbox table. It is written once in the same
// transaction as the business change and afterwards only touched by the relay.
type OutboxRecord struct {
	ID            string         `db:"id"`  // UUID, dedup key downstream
	Seq           int64          `db:"seq"` // insert order; relay order within an aggregate
	AggregateType string         `db:"aggregate_type"`
	AggregateID   string         `db:"aggregate_id"`
	EventType     string         `db:"event_type"`
	Topic         string         `db:"topic"`
	Payload       []byte         `db:"payload"`
	Status        OutboxStatus   `db:"status"`
	Processed     bool           `db:"processed"`
	RetryCount    int            `db:"retry_count"`
	ErrorReason   sql.NullString `db:"error_reason"`
	CreatedAt     time.Time      `db:"created_at"`
	NextAttemptAt time.Time      `db:"next_attempt_at"`
	SentAt        sql.NullTime   `db:"sent_at"`
}

// ProcessedEvent marks an event (or command) id as applied by one consumer.
type ProcessedEvent struct {
	Consumer    string    `db:"consumer"`
	EventID     string    `db:"event_id"`
	ProcessedAt time.Time `db:"processed_at"`
}
