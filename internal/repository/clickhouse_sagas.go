package repository

import (
	"context"
	"time"

	"github.com/jmoiron/sqlx"
)

// SagaReportRow is one saga in the ClickHouse read model (latest version).
type SagaReportRow struct {
	SagaID   string    `db:"saga_id"   json:"saga_id"`
	SagaType string    `db:"saga_type" json:"saga_type"`
	Status   string    `db:"status"    json:"status"`
	State    string    `db:"state"     json:"state"`
	Reason   string    `db:"reason"    json:"reason,omitempty"`
	SeenAt   time.Time `db:"seen_at"   json:"seen_at"`
}

// CHSagasRepository lists sagas from ClickHouse (final view).
type CHSagasRepository interface {
	List(ctx context.Context, sagaType, status string, limit, offset int) ([]SagaReportRow, error)
}

type chSagasRepository struct {
	ch *sqlx.DB // ClickHouse connection
}

func NewCHSagasRepository(ch *sqlx.DB) CHSagasRepository {
	return &chSagasRepository{ch: ch}
}

func (r *chSagasRepository) List(ctx context.Context, sagaType, status string, limit, offset int) ([]SagaReportRow, error) {
	if limit <= 0 || limit > 1000 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}

	q := `
		SELECT saga_id, saga_type, status, state, reason, seen_at
		FROM sagaflow.saga_events FINAL
		WHERE 1 = 1
	`
	var args []any
	if sagaType != "" {
		q += " AND saga_type = ?"
		args = append(args, sagaType)
	}
	if status != "" {
		q += " AND status = ?"
		args = append(args, status)
	}

	q += " ORDER BY seen_at DESC LIMIT ? OFFSET ?"
	args = append(args, limit, offset)

	var rows []SagaReportRow
	if err := r.ch.SelectContext(ctx, &rows, q, args...); err != nil {
		return nil, err
	}
	return rows, nil
}
