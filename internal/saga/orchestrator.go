package saga

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmehdipour/sagaflow/internal/db"
	"github.com/jmehdipour/sagaflow/internal/idempotency"
	"github.com/jmehdipour/sagaflow/internal/kafka"
	"github.com/jmehdipour/sagaflow/internal/metrics"
	"github.com/jmehdipour/sagaflow/internal/model"
	"github.com/jmehdipour/sagaflow/internal/outbox"
	"github.com/jmehdipour/sagaflow/internal/repository"
	"github.com/jmehdipour/sagaflow/internal/worker"
	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"
)

var (
	ErrUnknownSagaType = errors.New("saga: unknown saga type")
	ErrEmptySagaID     = errors.New("saga: empty saga id")
	ErrDuplicateType   = errors.New("saga: definition already registered")
)

// AggregateType is stamped on every outbox row the orchestrator writes.
const AggregateType = "saga"

// Outbox is the part of outbox.Writer the orchestrator uses.
type Outbox interface {
	AppendJSON(ctx context.Context, tx *sqlx.Tx, ev outbox.Event, v any) (string, error)
}

// Guard deduplicates replies by event id.
type Guard interface {
	ApplyIfNew(ctx context.Context, eventID string, fn idempotency.ApplyFunc) (idempotency.Result, error)
}

type Config struct {
	EventsTopic             string
	StepTimeout             time.Duration
	MaxAttempts             int
	CompensationMaxAttempts int
	SweepInterval           time.Duration
	SweepBatch              int
}

func (c *Config) defaults() {
	if c.StepTimeout <= 0 {
		c.StepTimeout = 30 * time.Second
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.CompensationMaxAttempts <= 0 {
		c.CompensationMaxAttempts = 10
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = time.Second
	}
	if c.SweepBatch <= 0 {
		c.SweepBatch = 100
	}
}

// View is a saga instance with its audit trail.
type View struct {
	Instance *model.SagaInstance      `json:"instance"`
	History  []model.SagaHistoryEntry `json:"history"`
}

// Orchestrator drives saga instances through their definitions. It never
// waits for a participant: every transition is triggered by a reply or by
// the timeout sweep, and runs in one transaction with the row locked.
type Orchestrator struct {
	store  repository.SagaRepository
	outbox Outbox
	guard  Guard
	defs   map[string]*Definition
	cfg    Config
	log    *zap.Logger
	now    func() time.Time
	inTx   func(ctx context.Context, fn func(*sqlx.Tx) error) error
}

func New(dbx *sqlx.DB, store repository.SagaRepository, ob Outbox, guard Guard, cfg Config, log *zap.Logger) *Orchestrator {
	cfg.defaults()
	if log == nil {
		log = zap.NewNop()
	}
	return &Orchestrator{
		store:  store,
		outbox: ob,
		guard:  guard,
		defs:   make(map[string]*Definition),
		cfg:    cfg,
		log:    log,
		now:    time.Now,
		inTx: func(ctx context.Context, fn func(*sqlx.Tx) error) error {
			return db.WithTx(ctx, dbx, nil, fn)
		},
	}
}

func (o *Orchestrator) Register(def *Definition) error {
	if _, ok := o.defs[def.Name()]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateType, def.Name())
	}
	o.defs[def.Name()] = def
	return nil
}

func (o *Orchestrator) definition(sagaType string) (*Definition, error) {
	def, ok := o.defs[sagaType]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownSagaType, sagaType)
	}
	return def, nil
}

var commandNamespace = uuid.MustParse("8f3c2a51-0d7e-4b6a-9c1f-5e2d7a4b3c60")

// commandID is deterministic so that resends and compensations can refer to
// a step's command without storing every id.
func commandID(sagaID, step string, kind model.CommandKind) string {
	return uuid.NewSHA1(commandNamespace, []byte(sagaID+"/"+step+"/"+string(kind))).String()
}

// Start creates the instance and queues the first command. With a nil tx it
// runs in its own transaction.
func (o *Orchestrator) Start(ctx context.Context, tx *sqlx.Tx, sagaType, sagaID string, input any) error {
	def, err := o.definition(sagaType)
	if err != nil {
		return err
	}
	if sagaID == "" {
		return ErrEmptySagaID
	}
	raw, err := json.Marshal(input)
	if err != nil {
		return fmt.Errorf("marshal saga input: %w", err)
	}

	now := o.now().UTC()
	inst := &model.SagaInstance{
		SagaID:    sagaID,
		SagaType:  sagaType,
		Status:    model.SagaRunning,
		State:     model.StateStarted,
		Data:      model.SagaData{model.DataInput: raw},
		CreatedAt: now,
		UpdatedAt: now,
	}

	run := func(tx *sqlx.Tx) error {
		if err := o.emit(ctx, tx, inst, model.EventSagaStarted); err != nil {
			return err
		}
		inst.Attempts = 1
		if err := o.dispatch(ctx, tx, def, inst, 0, model.KindExecute, model.HistoryCommand); err != nil {
			return err
		}
		if err := o.store.Insert(ctx, tx, inst); err != nil {
			return fmt.Errorf("insert saga: %w", err)
		}
		return nil
	}
	if tx != nil {
		err = run(tx)
	} else {
		err = o.inTx(ctx, run)
	}
	if err != nil {
		return err
	}

	metrics.SagasTotal.WithLabelValues(sagaType, model.SagaRunning.String()).Inc()
	o.log.Info("saga started", zap.String("saga_id", sagaID), zap.String("saga_type", sagaType))
	return nil
}

// HandleReply applies a participant reply at most once per event id.
func (o *Orchestrator) HandleReply(ctx context.Context, eventID string, reply model.Reply) (idempotency.Result, error) {
	return o.guard.ApplyIfNew(ctx, eventID, func(ctx context.Context, tx *sqlx.Tx) error {
		return o.applyReply(ctx, tx, reply)
	})
}

// Consume adapts HandleReply to the consumer runner. The relay's event id
// header is the dedup key.
func (o *Orchestrator) Consume(ctx context.Context, m kafka.Message) error {
	eventID := kafka.EventID(m)
	if err := idempotency.CheckEventID(eventID); err != nil {
		return worker.Poison(fmt.Errorf("reply event id: %w", err))
	}
	var reply model.Reply
	if err := json.Unmarshal(m.Value, &reply); err != nil {
		return worker.Poison(fmt.Errorf("decode reply: %w", err))
	}
	if reply.SagaID == "" || reply.CommandID == "" {
		return worker.Poison(fmt.Errorf("reply %s: missing saga or command id", eventID))
	}

	out, err := o.HandleReply(ctx, eventID, reply)
	if err != nil {
		return fmt.Errorf("handle reply %s: %w", eventID, err)
	}
	metrics.ConsumedTotal.WithLabelValues("orchestrator", out.String()).Inc()
	return nil
}

func (o *Orchestrator) applyReply(ctx context.Context, tx *sqlx.Tx, reply model.Reply) error {
	inst, err := o.store.GetForUpdate(ctx, tx, reply.SagaID)
	if errors.Is(err, model.ErrSagaNotFound) {
		o.log.Warn("reply for unknown saga", zap.String("saga_id", reply.SagaID), zap.String("command_id", reply.CommandID))
		return nil
	}
	if err != nil {
		return fmt.Errorf("load saga: %w", err)
	}
	def, err := o.definition(inst.SagaType)
	if err != nil {
		o.log.Error("reply for saga without definition", zap.String("saga_id", inst.SagaID), zap.Error(err))
		return nil
	}

	if inst.Status.Terminal() || !inst.PendingCommandID.Valid || inst.PendingCommandID.String != reply.CommandID {
		o.log.Info("stale reply ignored",
			zap.String("saga_id", inst.SagaID), zap.String("status", inst.Status.String()),
			zap.String("command_id", reply.CommandID), zap.String("pending", inst.PendingCommandID.String))
		return o.record(ctx, tx, inst.SagaID, reply.StepName, model.HistoryIgnored,
			reply.CommandID, string(reply.Outcome), "not the pending command")
	}

	step := def.Step(inst.CurrentStep)
	if err := o.record(ctx, tx, inst.SagaID, step.Name, model.HistoryReply,
		reply.CommandID, string(reply.Outcome), reply.Reason); err != nil {
		return err
	}

	succeeded := reply.Outcome == model.OutcomeSuccess
	reason := reply.Reason
	if !succeeded && reason == "" {
		reason = "unspecified failure"
	}

	switch inst.Status {
	case model.SagaRunning:
		if succeeded {
			data := reply.Data
			if len(data) == 0 {
				data = json.RawMessage("null")
			}
			inst.Data[step.Name] = data
			inst.State = model.StateDone(step.Name)
			if next := inst.CurrentStep + 1; next < def.Len() {
				inst.Attempts = 1
				err = o.dispatch(ctx, tx, def, inst, next, model.KindExecute, model.HistoryCommand)
			} else {
				err = o.finish(ctx, tx, inst, model.SagaCompleted, "")
			}
		} else {
			inst.FailureReason = sql.NullString{String: reason, Valid: true}
			inst.State = model.StateFailedAt(step.Name)
			err = o.compensateFrom(ctx, tx, def, inst, inst.CurrentStep-1)
		}

	case model.SagaCompensating:
		if succeeded {
			err = o.compensateFrom(ctx, tx, def, inst, inst.CurrentStep-1)
		} else {
			err = o.finish(ctx, tx, inst, model.SagaFailed,
				fmt.Sprintf("compensation of %s failed: %s", step.Name, reason))
		}
	}
	if err != nil {
		return err
	}
	return o.update(ctx, tx, inst)
}

// compensateFrom sends the compensation of the highest compensable step at or
// below from, or finishes the saga as compensated when none is left.
func (o *Orchestrator) compensateFrom(ctx context.Context, tx *sqlx.Tx, def *Definition, inst *model.SagaInstance, from int) error {
	for i := from; i >= 0; i-- {
		if def.Step(i).compensable() {
			inst.Status = model.SagaCompensating
			inst.Attempts = 1
			return o.dispatch(ctx, tx, def, inst, i, model.KindCompensate, model.HistoryCompensation)
		}
	}
	return o.finish(ctx, tx, inst, model.SagaCompensated, "")
}

// fence starts compensation at a step without a compensating command. The
// participant claims the step's forward command id and replies; nothing is undone.
func (o *Orchestrator) fence(ctx context.Context, tx *sqlx.Tx, def *Definition, inst *model.SagaInstance, idx int) error {
	inst.Status = model.SagaCompensating
	inst.Attempts = 1
	return o.dispatch(ctx, tx, def, inst, idx, model.KindCompensate, model.HistoryCompensation)
}

func (o *Orchestrator) finish(ctx context.Context, tx *sqlx.Tx, inst *model.SagaInstance, status model.SagaStatus, failure string) error {
	var (
		state     string
		eventType string
	)
	switch status {
	case model.SagaCompleted:
		state, eventType = model.StateCompleted, model.EventSagaCompleted
	case model.SagaCompensated:
		state, eventType = model.StateCompensated, model.EventSagaCompensated
	default:
		state, eventType = model.StateFailed, model.EventSagaFailed
	}

	if failure != "" {
		if inst.FailureReason.Valid {
			failure = inst.FailureReason.String + "; " + failure
		}
		inst.FailureReason = sql.NullString{String: failure, Valid: true}
	}
	inst.Status = status
	inst.State = state
	inst.PendingCommandID = sql.NullString{}
	inst.DeadlineAt = sql.NullTime{}

	if err := o.record(ctx, tx, inst.SagaID, "", model.HistoryTerminal, "", string(status), inst.FailureReason.String); err != nil {
		return err
	}
	if err := o.emit(ctx, tx, inst, eventType); err != nil {
		return err
	}

	metrics.SagasTotal.WithLabelValues(inst.SagaType, status.String()).Inc()
	o.log.Info("saga finished",
		zap.String("saga_id", inst.SagaID), zap.String("status", status.String()),
		zap.String("reason", inst.FailureReason.String))
	return nil
}

// dispatch writes the command for step idx to the outbox and points the
// instance at it. The caller sets Attempts.
func (o *Orchestrator) dispatch(ctx context.Context, tx *sqlx.Tx, def *Definition, inst *model.SagaInstance, idx int, kind model.CommandKind, hk model.HistoryKind) error {
	step := def.Step(idx)
	cmd, err := buildCommand(def, inst, idx, kind)
	if err != nil {
		return err
	}

	if _, err := o.outbox.AppendJSON(ctx, tx, outbox.Event{
		AggregateType: AggregateType,
		AggregateID:   inst.SagaID,
		EventType:     cmd.Name,
		Topic:         step.Topic,
	}, cmd); err != nil {
		return fmt.Errorf("queue %s: %w", cmd.Name, err)
	}

	now := o.now().UTC()
	timeout := step.Timeout
	if timeout <= 0 {
		timeout = o.cfg.StepTimeout
	}
	inst.CurrentStep = idx
	inst.PendingCommandID = sql.NullString{String: cmd.CommandID, Valid: true}
	inst.DeadlineAt = sql.NullTime{Time: now.Add(timeout), Valid: true}
	if kind == model.KindExecute {
		inst.State = model.StatePending(step.Name)
	} else {
		inst.State = model.StateCompensating(step.Name)
	}

	detail := cmd.Name
	if hk == model.HistoryResend {
		detail = fmt.Sprintf("%s attempt %d", cmd.Name, inst.Attempts)
	}
	return o.record(ctx, tx, inst.SagaID, step.Name, hk, cmd.CommandID, "", detail)
}

func buildCommand(def *Definition, inst *model.SagaInstance, idx int, kind model.CommandKind) (model.Command, error) {
	step := def.Step(idx)

	var (
		payload json.RawMessage
		err     error
	)
	if step.Payload != nil {
		payload, err = step.Payload(inst.Data)
	} else {
		payload, err = json.Marshal(inst.Data)
	}
	if err != nil {
		return model.Command{}, fmt.Errorf("build payload for %s: %w", step.Name, err)
	}

	cmd := model.Command{
		SagaID:     inst.SagaID,
		SagaType:   def.Name(),
		StepName:   step.Name,
		CommandID:  commandID(inst.SagaID, step.Name, kind),
		Kind:       kind,
		Name:       step.Command,
		ReplyTopic: def.ReplyTopic(),
		Payload:    payload,
	}
	if kind == model.KindCompensate {
		cmd.Name = step.CompensateCommand
		if !step.compensable() {
			cmd.Name = model.CommandFence
		}
		cmd.CompensatesCommandID = commandID(inst.SagaID, step.Name, model.KindExecute)
	}
	return cmd, nil
}

func (o *Orchestrator) emit(ctx context.Context, tx *sqlx.Tx, inst *model.SagaInstance, eventType string) error {
	ev := model.SagaEvent{
		SagaID:   inst.SagaID,
		SagaType: inst.SagaType,
		Status:   inst.Status,
		State:    inst.State,
		Reason:   inst.FailureReason.String,
		Data:     inst.Data,
	}
	if _, err := o.outbox.AppendJSON(ctx, tx, outbox.Event{
		AggregateType: AggregateType,
		AggregateID:   inst.SagaID,
		EventType:     eventType,
		Topic:         o.cfg.EventsTopic,
	}, ev); err != nil {
		return fmt.Errorf("queue %s: %w", eventType, err)
	}
	return nil
}

func (o *Orchestrator) update(ctx context.Context, tx *sqlx.Tx, inst *model.SagaInstance) error {
	inst.UpdatedAt = o.now().UTC()
	if err := o.store.Update(ctx, tx, inst); err != nil {
		return fmt.Errorf("update saga: %w", err)
	}
	return nil
}

func (o *Orchestrator) record(ctx context.Context, tx *sqlx.Tx, sagaID, step string, kind model.HistoryKind, commandID, outcome, detail string) error {
	err := o.store.AppendHistory(ctx, tx, model.SagaHistoryEntry{
		SagaID:    sagaID,
		Step:      step,
		Kind:      kind,
		CommandID: nullString(commandID),
		Outcome:   nullString(outcome),
		Detail:    nullString(detail),
		CreatedAt: o.now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("append history: %w", err)
	}
	return nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

// Get returns the instance and its history.
func (o *Orchestrator) Get(ctx context.Context, sagaID string) (*View, error) {
	inst, err := o.store.Get(ctx, sagaID)
	if err != nil {
		return nil, err
	}
	hist, err := o.store.History(ctx, sagaID)
	if err != nil {
		return nil, fmt.Errorf("load history: %w", err)
	}
	return &View{Instance: inst, History: hist}, nil
}
