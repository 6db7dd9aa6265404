package repository

import (
	"context"
	"time"

	"github.com/jmoiron/sqlx"
)

// ProcessedRepository stores the ids a consumer has already applied.
type ProcessedRepository interface {
	// MarkProcessed inserts (consumer, eventID) unless present and reports
	// whether this call inserted it.
	MarkProcessed(ctx context.Context, tx *sqlx.Tx, consumer, eventID string, at time.Time) (bool, error)
}

type processedRepo struct{}

func NewProcessedRepository() ProcessedRepository { return &processedRepo{} }

func (r *processedRepo) MarkProcessed(ctx context.Context, tx *sqlx.Tx, consumer, eventID string, at time.Time) (bool, error) {
	res, err := tx.ExecContext(ctx, `
		INSERT IGNORE INTO processed_events (consumer, event_id, processed_at)
		VALUES (?, ?, ?)
	`, consumer, eventID, at)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}
