package repository

import (
	"context"
	"time"

	"github.com/jmehdipour/sagaflow/internal/model"
	"github.com/jmoiron/sqlx"
)

// OutboxRepository defines persistence methods for the outbox table.
type OutboxRepository interface {
	// Insert writes a single outbox row inside the caller's transaction.
	Insert(ctx context.Context, tx *sqlx.Tx, rec model.OutboxRecord) error

	// FetchPending returns due pending rows in seq order, skipping
	// rows whose aggregate still has an earlier pending row waiting for backoff.
	FetchPending(ctx context.Context, now time.Time, limit int) ([]model.OutboxRecord, error)
	MarkSent(ctx context.Context, id string, at time.Time) error
	MarkRetry(ctx context.Context, id string, retryCount int, reason string, next time.Time) error
	MarkFailed(ctx context.Context, id string, retryCount int, reason string) error
	PurgeSent(ctx context.Context, before time.Time, limit int) (int64, error)

	ListFailed(ctx context.Context, limit, offset int) ([]model.OutboxRecord, error)
	Requeue(ctx context.Context, id string, at time.Time) (bool, error)
}

// OutboxRepositoryImpl is a sqlx-backed implementation.
type OutboxRepositoryImpl struct {
	db *sqlx.DB
}

// NewOutboxRepository constructs an OutboxRepositoryImpl.
func NewOutboxRepository(db *sqlx.DB) *OutboxRepositoryImpl {
	return &OutboxRepositoryImpl{db: db}
}

var _ OutboxRepository = (*OutboxRepositoryImpl)(nil)

const outboxColumns = `id, seq, aggregate_type, aggregate_id, event_type, topic, payload, status,
	processed, retry_count, error_reason, created_at, next_attempt_at, sent_at`

func (r *OutboxRepositoryImpl) Insert(ctx context.Context, tx *sqlx.Tx, rec model.OutboxRecord) error {
	const q = `
		INSERT INTO outbox
		    (id, aggregate_type, aggregate_id, event_type, topic, payload,
		     status, processed, retry_count, created_at, next_attempt_at)
		VALUES
		    (?,  ?,              ?,            ?,          ?,     ?,
		     'pending', FALSE, 0,          ?,          ?)
	`
	_, err := tx.ExecContext(ctx, q,
		rec.ID, rec.AggregateType, rec.AggregateID, rec.EventType, rec.Topic, rec.Payload,
		rec.CreatedAt, rec.CreatedAt,
	)
	return err
}

func (r *OutboxRepositoryImpl) FetchPending(ctx context.Context, now time.Time, limit int) ([]model.OutboxRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	q := `
		SELECT ` + outboxColumns + `
		  FROM outbox o
		 WHERE o.status = 'pending'
		   AND o.next_attempt_at <= ?
		   AND NOT EXISTS (
		       SELECT 1 FROM outbox p
		        WHERE p.aggregate_id = o.aggregate_id
		          AND p.status = 'pending'
		          AND p.seq < o.seq
		          AND p.next_attempt_at > ?
		   )
		 ORDER BY o.seq
		 LIMIT ?
	`
	var rows []model.OutboxRecord
	if err := r.db.SelectContext(ctx, &rows, q, now, now, limit); err != nil {
		return nil, err
	}
	return rows, nil
}

func (r *OutboxRepositoryImpl) MarkSent(ctx context.Context, id string, at time.Time) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE outbox
		   SET status = 'sent', processed = TRUE, sent_at = ?, error_reason = NULL
		 WHERE id = ? AND status = 'pending'
	`, at, id)
	return err
}

func (r *OutboxRepositoryImpl) MarkRetry(ctx context.Context, id string, retryCount int, reason string, next time.Time) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE outbox
		   SET retry_count = ?, error_reason = ?, next_attempt_at = ?
		 WHERE id = ? AND status = 'pending'
	`, retryCount, reason, next, id)
	return err
}

func (r *OutboxRepositoryImpl) MarkFailed(ctx context.Context, id string, retryCount int, reason string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE outbox
		   SET status = 'failed', retry_count = ?, error_reason = ?
		 WHERE id = ? AND status = 'pending'
	`, retryCount, reason, id)
	return err
}

// PurgeSent deletes at most limit sent rows older than before.
func (r *OutboxRepositoryImpl) PurgeSent(ctx context.Context, before time.Time, limit int) (int64, error) {
	res, err := r.db.ExecContext(ctx, `
		DELETE FROM outbox
		 WHERE status = 'sent' AND sent_at < ?
		 ORDER BY sent_at
		 LIMIT ?
	`, before, limit)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (r *OutboxRepositoryImpl) ListFailed(ctx context.Context, limit, offset int) ([]model.OutboxRecord, error) {
	if limit <= 0 || limit > 1000 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	var rows []model.OutboxRecord
	err := r.db.SelectContext(ctx, &rows, `
		SELECT `+outboxColumns+`
		  FROM outbox
		 WHERE status = 'failed'
		 ORDER BY created_at DESC
		 LIMIT ? OFFSET ?
	`, limit, offset)
	if err != nil {
		return nil, err
	}
	return rows, nil
}

// Requeue moves a dead-lettered row back to pending with a fresh retry budget.
func (r *OutboxRepositoryImpl) Requeue(ctx context.Context, id string, at time.Time) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE outbox
		   SET status = 'pending', retry_count = 0, error_reason = NULL, next_attempt_at = ?
		 WHERE id = ? AND status = 'failed'
	`, at, id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}
