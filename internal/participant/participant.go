package participant

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jmehdipour/sagaflow/internal/idempotency"
	"github.com/jmehdipour/sagaflow/internal/kafka"
	"github.com/jmehdipour/sagaflow/internal/metrics"
	"github.com/jmehdipour/sagaflow/internal/model"
	"github.com/jmehdipour/sagaflow/internal/outbox"
	"github.com/jmehdipour/sagaflow/internal/worker"
	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"
)

// ReasonUnknownCommand is replied for command names nobody registered.
const ReasonUnknownCommand = "unknown command"

var ErrInvalidCommand = errors.New("participant: invalid command")

// Result is a step's business outcome. A rejection is a Failure value, not an
// error: errors mean the transaction could not be applied and must be retried.
type Result struct {
	Outcome model.Outcome
	Data    json.RawMessage
	Reason  string
}

func Success(data json.RawMessage) Result {
	return Result{Outcome: model.OutcomeSuccess, Data: data}
}

// SuccessJSON marshals v as the result data.
func SuccessJSON(v any) (Result, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return Result{}, fmt.Errorf("marshal result: %w", err)
	}
	return Success(b), nil
}

func Failure(reason string) Result {
	return Result{Outcome: model.OutcomeFailure, Reason: reason}
}

// Step is a local transaction offered to sagas. Both methods run inside the
// transaction that also records the command as processed and queues the
// reply. A step must check its preconditions and return Failure before
// writing anything, and Compensate must succeed when there is nothing to undo.
type Step interface {
	Execute(ctx context.Context, tx *sqlx.Tx, cmd model.Command) (Result, error)
	Compensate(ctx context.Context, tx *sqlx.Tx, cmd model.Command) (Result, error)
}

type Guard interface {
	ApplyIfNew(ctx context.Context, eventID string, fn idempotency.ApplyFunc) (idempotency.Result, error)
	Tombstone(ctx context.Context, tx *sqlx.Tx, eventID string) (bool, error)
}

type Outbox interface {
	AppendJSON(ctx context.Context, tx *sqlx.Tx, ev outbox.Event, v any) (string, error)
}

type route struct {
	step Step
	kind model.CommandKind
}

// Handler dispatches saga commands to registered steps, at most once per
// command id, and answers each with a reply through the outbox.
type Handler struct {
	name   string
	guard  Guard
	outbox Outbox
	routes map[string]route
	log    *zap.Logger
}

func NewHandler(name string, guard Guard, ob Outbox, log *zap.Logger) *Handler {
	if log == nil {
		log = zap.NewNop()
	}
	return &Handler{name: name, guard: guard, outbox: ob, routes: make(map[string]route), log: log}
}

func (h *Handler) Name() string { return h.name }

// Register binds the forward and compensating command names to step.
func (h *Handler) Register(execute, compensate string, step Step) {
	h.routes[execute] = route{step: step, kind: model.KindExecute}
	if compensate != "" {
		h.routes[compensate] = route{step: step, kind: model.KindCompensate}
	}
}

func validate(cmd model.Command) error {
	switch {
	case cmd.CommandID == "":
		return fmt.Errorf("%w: empty command id", ErrInvalidCommand)
	case idempotency.CheckEventID(cmd.CommandID) != nil:
		return fmt.Errorf("%w: command id %q", ErrInvalidCommand, cmd.CommandID)
	case cmd.CompensatesCommandID != "" && idempotency.CheckEventID(cmd.CompensatesCommandID) != nil:
		return fmt.Errorf("%w: compensated command id %q", ErrInvalidCommand, cmd.CompensatesCommandID)
	case cmd.SagaID == "":
		return fmt.Errorf("%w: empty saga id", ErrInvalidCommand)
	case cmd.ReplyTopic == "":
		return fmt.Errorf("%w: empty reply topic", ErrInvalidCommand)
	case cmd.Kind != model.KindExecute && cmd.Kind != model.KindCompensate:
		return fmt.Errorf("%w: kind %q", ErrInvalidCommand, cmd.Kind)
	}
	return nil
}

// Handle applies cmd once. A compensation first claims the id of the command
// it undoes: if that command never ran here, the compensation is an immediate
// success and the original can no longer apply if it shows up late.
func (h *Handler) Handle(ctx context.Context, cmd model.Command) (idempotency.Result, error) {
	if err := validate(cmd); err != nil {
		return 0, err
	}

	var res Result
	out, err := h.guard.ApplyIfNew(ctx, cmd.CommandID, func(ctx context.Context, tx *sqlx.Tx) error {
		var err error
		res, err = h.run(ctx, tx, cmd)
		if err != nil {
			return err
		}

		reply := model.Reply{
			SagaID:    cmd.SagaID,
			StepName:  cmd.StepName,
			CommandID: cmd.CommandID,
			Kind:      cmd.Kind,
			Outcome:   res.Outcome,
			Data:      res.Data,
			Reason:    res.Reason,
		}
		_, err = h.outbox.AppendJSON(ctx, tx, outbox.Event{
			AggregateType: "saga",
			AggregateID:   cmd.SagaID,
			EventType:     model.EventSagaReply,
			Topic:         cmd.ReplyTopic,
		}, reply)
		return err
	})
	if err != nil {
		return 0, err
	}

	if out == idempotency.Applied {
		metrics.ParticipantCommandsTotal.WithLabelValues(h.name, cmd.Name, string(res.Outcome)).Inc()
		h.log.Info("command handled",
			zap.String("saga_id", cmd.SagaID), zap.String("command", cmd.Name),
			zap.String("outcome", string(res.Outcome)), zap.String("reason", res.Reason))
	} else {
		h.log.Debug("duplicate command skipped", zap.String("command_id", cmd.CommandID))
	}
	return out, nil
}

func (h *Handler) run(ctx context.Context, tx *sqlx.Tx, cmd model.Command) (Result, error) {
	if cmd.Kind == model.KindCompensate && cmd.CompensatesCommandID != "" {
		unseen, err := h.guard.Tombstone(ctx, tx, cmd.CompensatesCommandID)
		if err != nil {
			return Result{}, fmt.Errorf("tombstone %s: %w", cmd.CompensatesCommandID, err)
		}
		if unseen {
			return Success(nil), nil
		}
	}
	if cmd.Kind == model.KindCompensate && cmd.Name == model.CommandFence {
		return Success(nil), nil
	}

	rt, ok := h.routes[cmd.Name]
	if !ok || rt.kind != cmd.Kind {
		return Failure(ReasonUnknownCommand), nil
	}
	if cmd.Kind == model.KindCompensate {
		return rt.step.Compensate(ctx, tx, cmd)
	}
	return rt.step.Execute(ctx, tx, cmd)
}

// Consume adapts Handle to the consumer runner: undecodable or invalid
// commands are poison, everything else is retried until it applies.
func (h *Handler) Consume(ctx context.Context, m kafka.Message) error {
	var cmd model.Command
	if err := json.Unmarshal(m.Value, &cmd); err != nil {
		return worker.Poison(fmt.Errorf("decode command: %w", err))
	}
	out, err := h.Handle(ctx, cmd)
	if errors.Is(err, ErrInvalidCommand) {
		return worker.Poison(err)
	}
	if err != nil {
		return fmt.Errorf("handle %s: %w", cmd.Name, err)
	}
	metrics.ConsumedTotal.WithLabelValues(h.name, out.String()).Inc()
	return nil
}
