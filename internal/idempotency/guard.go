package idempotency

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
)

// MaxEventIDLen is the width of processed_events.event_id. Longer ids would be
// truncated by the store and could collide.
const MaxEventIDLen = 36

var (
	ErrEmptyEventID   = errors.New("idempotency: empty event id")
	ErrInvalidEventID = errors.New("idempotency: invalid event id")
)

// CheckEventID rejects ids the processed table cannot hold intact.
func CheckEventID(id string) error {
	if id == "" {
		return ErrEmptyEventID
	}
	if len(id) > MaxEventIDLen {
		return fmt.Errorf("%w: %d bytes, max %d", ErrInvalidEventID, len(id), MaxEventIDLen)
	}
	return nil
}

type Result int

const (
	Applied Result = iota + 1
	Skipped
)

func (r Result) String() string {
	switch r {
	case Applied:
		return "applied"
	case Skipped:
		return "skipped"
	default:
		return "unknown"
	}
}

// Marker records that a consumer has processed an id. It reports false when
// the id was already recorded.
type Marker interface {
	MarkProcessed(ctx context.Context, tx *sqlx.Tx, consumer, eventID string, at time.Time) (bool, error)
}

type ApplyFunc func(ctx context.Context, tx *sqlx.Tx) error

// Guard runs a handler at most once per (consumer, event id). The processed
// marker and the handler's writes share one transaction, so either both land
// or neither does.
type Guard struct {
	db       *sqlx.DB
	marker   Marker
	consumer string
	now      func() time.Time
}

func NewGuard(db *sqlx.DB, marker Marker, consumer string) *Guard {
	return &Guard{db: db, marker: marker, consumer: consumer, now: time.Now}
}

func (g *Guard) Consumer() string { return g.consumer }

// ApplyIfNew opens a transaction, claims eventID and runs fn. A duplicate id
// rolls back and returns Skipped; an error from fn rolls back and is returned
// so the message can be redelivered.
func (g *Guard) ApplyIfNew(ctx context.Context, eventID string, fn ApplyFunc) (Result, error) {
	if err := CheckEventID(eventID); err != nil {
		return 0, err
	}

	tx, err := g.db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := g.ApplyIfNewTx(ctx, tx, eventID, fn)
	if err != nil || res == Skipped {
		return res, err
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit: %w", err)
	}
	return Applied, nil
}

// ApplyIfNewTx is ApplyIfNew inside a transaction the caller owns.
func (g *Guard) ApplyIfNewTx(ctx context.Context, tx *sqlx.Tx, eventID string, fn ApplyFunc) (Result, error) {
	if err := CheckEventID(eventID); err != nil {
		return 0, err
	}
	fresh, err := g.marker.MarkProcessed(ctx, tx, g.consumer, eventID, g.now().UTC())
	if err != nil {
		return 0, fmt.Errorf("mark processed: %w", err)
	}
	if !fresh {
		return Skipped, nil
	}
	if err := fn(ctx, tx); err != nil {
		return 0, err
	}
	return Applied, nil
}

// Tombstone claims eventID without running anything, so a later delivery of
// it is skipped. It reports whether the id was still unclaimed.
func (g *Guard) Tombstone(ctx context.Context, tx *sqlx.Tx, eventID string) (bool, error) {
	if err := CheckEventID(eventID); err != nil {
		return false, err
	}
	return g.marker.MarkProcessed(ctx, tx, g.consumer, eventID, g.now().UTC())
}
