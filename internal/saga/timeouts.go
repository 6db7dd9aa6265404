package saga

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmehdipour/sagaflow/internal/metrics"
	"github.com/jmehdipour/sagaflow/internal/model"
	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"
)

// ReasonTimeout is recorded when a step exhausts its attempts.
const ReasonTimeout = "timeout"

// ExpireTimeouts handles up to SweepBatch sagas whose deadline has passed and
// returns how many it moved. One saga failing does not stop the sweep.
func (o *Orchestrator) ExpireTimeouts(ctx context.Context) (int, error) {
	ids, err := o.store.ListDue(ctx, o.now().UTC(), o.cfg.SweepBatch)
	if err != nil {
		return 0, fmt.Errorf("list due sagas: %w", err)
	}

	handled := 0
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return handled, err
		}
		var moved bool
		err := o.inTx(ctx, func(tx *sqlx.Tx) error {
			var err error
			moved, err = o.expire(ctx, tx, id)
			return err
		})
		if err != nil {
			o.log.Error("expire saga step", zap.String("saga_id", id), zap.Error(err))
			continue
		}
		if moved {
			handled++
		}
	}
	return handled, nil
}

func (o *Orchestrator) expire(ctx context.Context, tx *sqlx.Tx, sagaID string) (bool, error) {
	inst, err := o.store.GetForUpdate(ctx, tx, sagaID)
	if errors.Is(err, model.ErrSagaNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("load saga: %w", err)
	}
	// a reply may have landed between ListDue and the lock
	now := o.now().UTC()
	if inst.Status.Terminal() || !inst.DeadlineAt.Valid || inst.DeadlineAt.Time.After(now) {
		return false, nil
	}
	def, err := o.definition(inst.SagaType)
	if err != nil {
		return false, err
	}

	step := def.Step(inst.CurrentStep)
	kind := model.KindExecute
	limit := step.MaxAttempts
	if limit <= 0 {
		limit = o.cfg.MaxAttempts
	}
	if inst.Status == model.SagaCompensating {
		kind = model.KindCompensate
		limit = o.cfg.CompensationMaxAttempts
	}

	if inst.Attempts < limit {
		inst.Attempts++
		if err := o.dispatch(ctx, tx, def, inst, inst.CurrentStep, kind, model.HistoryResend); err != nil {
			return false, err
		}
		o.log.Info("saga command resent",
			zap.String("saga_id", inst.SagaID), zap.String("step", step.Name), zap.Int("attempt", inst.Attempts))
		return true, o.update(ctx, tx, inst)
	}

	metrics.SagaTimeoutsTotal.WithLabelValues(inst.SagaType, step.Name).Inc()
	if err := o.record(ctx, tx, inst.SagaID, step.Name, model.HistoryTimeout,
		inst.PendingCommandID.String, "", fmt.Sprintf("%d attempts", inst.Attempts)); err != nil {
		return false, err
	}

	if inst.Status == model.SagaRunning {
		inst.FailureReason = sql.NullString{String: ReasonTimeout, Valid: true}
		inst.State = model.StateFailedAt(step.Name)
		// the timed-out step may have applied, so it is compensated too
		if step.compensable() {
			err = o.compensateFrom(ctx, tx, def, inst, inst.CurrentStep)
		} else {
			err = o.fence(ctx, tx, def, inst, inst.CurrentStep)
		}
	} else {
		err = o.finish(ctx, tx, inst, model.SagaFailed, fmt.Sprintf("compensation of %s timed out", step.Name))
	}
	if err != nil {
		return false, err
	}
	o.log.Warn("saga step timed out",
		zap.String("saga_id", inst.SagaID), zap.String("step", step.Name), zap.String("status", inst.Status.String()))
	return true, o.update(ctx, tx, inst)
}

// Run sweeps expired deadlines every SweepInterval until ctx is cancelled.
func (o *Orchestrator) Run(ctx context.Context) error {
	tick := time.NewTicker(o.cfg.SweepInterval)
	defer tick.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-tick.C:
			n, err := o.ExpireTimeouts(ctx)
			if err != nil && ctx.Err() == nil {
				o.log.Error("timeout sweep failed", zap.Error(err))
			}
			if n > 0 {
				o.log.Debug("timeout sweep", zap.Int("moved", n))
			}
		}
	}
}
