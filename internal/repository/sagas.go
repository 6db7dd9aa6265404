package repository

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/jmehdipour/sagaflow/internal/model"
	"github.com/jmoiron/sqlx"
)

// SagaRepository persists saga instances and their history.
type SagaRepository interface {
	Insert(ctx context.Context, tx *sqlx.Tx, s *model.SagaInstance) error
	// GetForUpdate locks the row for the rest of tx.
	GetForUpdate(ctx context.Context, tx *sqlx.Tx, sagaID string) (*model.SagaInstance, error)
	Get(ctx context.Context, sagaID string) (*model.SagaInstance, error)
	Update(ctx context.Context, tx *sqlx.Tx, s *model.SagaInstance) error

	AppendHistory(ctx context.Context, tx *sqlx.Tx, e model.SagaHistoryEntry) error
	History(ctx context.Context, sagaID string) ([]model.SagaHistoryEntry, error)

	// ListDue returns ids of non-terminal sagas whose step deadline has passed.
	ListDue(ctx context.Context, now time.Time, limit int) ([]string, error)
}

type SagaRepositoryImpl struct {
	db *sqlx.DB
}

func NewSagaRepository(db *sqlx.DB) *SagaRepositoryImpl {
	return &SagaRepositoryImpl{db: db}
}

var _ SagaRepository = (*SagaRepositoryImpl)(nil)

const sagaColumns = `saga_id, saga_type, status, state, current_step, pending_command_id, attempts,
	deadline_at, data, failure_reason, created_at, updated_at`

func (r *SagaRepositoryImpl) Insert(ctx context.Context, tx *sqlx.Tx, s *model.SagaInstance) error {
	_, err := tx.NamedExecContext(ctx, `
		INSERT INTO sagas
		    (saga_id, saga_type, status, state, current_step, pending_command_id, attempts,
		     deadline_at, data, failure_reason, created_at, updated_at)
		VALUES
		    (:saga_id, :saga_type, :status, :state, :current_step, :pending_command_id, :attempts,
		     :deadline_at, :data, :failure_reason, :created_at, :updated_at)
	`, s)
	return err
}

func (r *SagaRepositoryImpl) GetForUpdate(ctx context.Context, tx *sqlx.Tx, sagaID string) (*model.SagaInstance, error) {
	var s model.SagaInstance
	err := tx.GetContext(ctx, &s, `SELECT `+sagaColumns+` FROM sagas WHERE saga_id = ? FOR UPDATE`, sagaID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, model.ErrSagaNotFound
	}
	if err != nil {
		return nil, err
	}
	return &s, nil
}

func (r *SagaRepositoryImpl) Get(ctx context.Context, sagaID string) (*model.SagaInstance, error) {
	var s model.SagaInstance
	err := r.db.GetContext(ctx, &s, `SELECT `+sagaColumns+` FROM sagas WHERE saga_id = ?`, sagaID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, model.ErrSagaNotFound
	}
	if err != nil {
		return nil, err
	}
	return &s, nil
}

func (r *SagaRepositoryImpl) Update(ctx context.Context, tx *sqlx.Tx, s *model.SagaInstance) error {
	_, err := tx.NamedExecContext(ctx, `
		UPDATE sagas
		   SET status = :status, state = :state, current_step = :current_step,
		       pending_command_id = :pending_command_id, attempts = :attempts,
		       deadline_at = :deadline_at, data = :data, failure_reason = :failure_reason,
		       updated_at = :updated_at
		 WHERE saga_id = :saga_id
	`, s)
	return err
}

func (r *SagaRepositoryImpl) AppendHistory(ctx context.Context, tx *sqlx.Tx, e model.SagaHistoryEntry) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO saga_history (saga_id, step, kind, command_id, outcome, detail, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, e.SagaID, e.Step, e.Kind, e.CommandID, e.Outcome, e.Detail, e.CreatedAt)
	return err
}

func (r *SagaRepositoryImpl) History(ctx context.Context, sagaID string) ([]model.SagaHistoryEntry, error) {
	var rows []model.SagaHistoryEntry
	err := r.db.SelectContext(ctx, &rows, `
		SELECT id, saga_id, step, kind, command_id, outcome, detail, created_at
		  FROM saga_history
		 WHERE saga_id = ?
		 ORDER BY id
	`, sagaID)
	if err != nil {
		return nil, err
	}
	return rows, nil
}

func (r *SagaRepositoryImpl) ListDue(ctx context.Context, now time.Time, limit int) ([]string, error) {
	if limit <= 0 {
		limit = 100
	}
	var ids []string
	err := r.db.SelectContext(ctx, &ids, `
		SELECT saga_id
		  FROM sagas
		 WHERE status IN ('running', 'compensating')
		   AND deadline_at IS NOT NULL
		   AND deadline_at <= ?
		 ORDER BY deadline_at
		 LIMIT ?
	`, now, limit)
	if err != nil {
		return nil, err
	}
	return ids, nil
}
