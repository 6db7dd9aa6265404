package order

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jmehdipour/sagaflow/internal/idempotency"
	"github.com/jmehdipour/sagaflow/internal/kafka"
	"github.com/jmehdipour/sagaflow/internal/metrics"
	"github.com/jmehdipour/sagaflow/internal/model"
	"github.com/jmehdipour/sagaflow/internal/worker"
	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"
)

type Guard interface {
	ApplyIfNew(ctx context.Context, eventID string, fn idempotency.ApplyFunc) (idempotency.Result, error)
}

type Resolver interface {
	ResolveBySaga(ctx context.Context, tx *sqlx.Tx, sagaID string, status model.OrderStatus, reason string) (bool, error)
}

// Projector reacts to place-order saga events and moves the order out of
// pending once its saga is over.
type Projector struct {
	guard  Guard
	orders Resolver
	log    *zap.Logger
}

func NewProjector(guard Guard, orders Resolver, log *zap.Logger) *Projector {
	if log == nil {
		log = zap.NewNop()
	}
	return &Projector{guard: guard, orders: orders, log: log}
}

func statusFor(s model.SagaStatus) (model.OrderStatus, bool) {
	switch s {
	case model.SagaCompleted:
		return model.OrderApproved, true
	case model.SagaCompensated, model.SagaFailed:
		return model.OrderRejected, true
	}
	return "", false
}

// Handle applies ev at most once. Events that do not end a place-order saga
// are skipped without touching the database.
func (p *Projector) Handle(ctx context.Context, eventID string, ev model.SagaEvent) (idempotency.Result, error) {
	status, final := statusFor(ev.Status)
	if ev.SagaType != SagaType || !final {
		return idempotency.Skipped, nil
	}

	var moved bool
	res, err := p.guard.ApplyIfNew(ctx, eventID, func(ctx context.Context, tx *sqlx.Tx) error {
		reason := ""
		if status == model.OrderRejected {
			reason = ev.Reason
		}
		var err error
		moved, err = p.orders.ResolveBySaga(ctx, tx, ev.SagaID, status, reason)
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("resolve order for saga %s: %w", ev.SagaID, err)
	}

	if moved {
		metrics.OrdersTotal.WithLabelValues(status.String()).Inc()
		p.log.Info("order resolved",
			zap.String("saga_id", ev.SagaID), zap.String("status", status.String()), zap.String("reason", ev.Reason))
	}
	return res, nil
}

func (p *Projector) Consume(ctx context.Context, m kafka.Message) error {
	eventID := kafka.EventID(m)
	if err := idempotency.CheckEventID(eventID); err != nil {
		return worker.Poison(fmt.Errorf("saga event id: %w", err))
	}
	var ev model.SagaEvent
	if err := json.Unmarshal(m.Value, &ev); err != nil {
		return worker.Poison(fmt.Errorf("decode saga event: %w", err))
	}
	res, err := p.Handle(ctx, eventID, ev)
	if err != nil {
		return err
	}
	metrics.ConsumedTotal.WithLabelValues("orders", res.String()).Inc()
	return nil
}
