package saga

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jmehdipour/sagaflow/internal/idempotency"
	"github.com/jmehdipour/sagaflow/internal/kafka"
	"github.com/jmehdipour/sagaflow/internal/model"
	"github.com/jmehdipour/sagaflow/internal/outbox"
	"github.com/jmehdipour/sagaflow/internal/repository"
	"github.com/jmehdipour/sagaflow/internal/worker"
	"github.com/jmoiron/sqlx"
	kgo "github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// memSagas keeps instances by value so an in-flight mutation is only visible
// after Update, like a row behind a transaction.
type memSagas struct {
	mu      sync.Mutex
	rows    map[string]model.SagaInstance
	history []model.SagaHistoryEntry
}

var _ repository.SagaRepository = (*memSagas)(nil)

func newMemSagas() *memSagas { return &memSagas{rows: map[string]model.SagaInstance{}} }

func clone(s model.SagaInstance) *model.SagaInstance {
	data := make(model.SagaData, len(s.Data))
	for k, v := range s.Data {
		data[k] = v
	}
	s.Data = data
	return &s
}

func (m *memSagas) Insert(_ context.Context, _ *sqlx.Tx, s *model.SagaInstance) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.rows[s.SagaID]; ok {
		return errors.New("duplicate saga")
	}
	m.rows[s.SagaID] = *clone(*s)
	return nil
}

func (m *memSagas) GetForUpdate(ctx context.Context, _ *sqlx.Tx, id string) (*model.SagaInstance, error) {
	return m.Get(ctx, id)
}

func (m *memSagas) Get(_ context.Context, id string) (*model.SagaInstance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.rows[id]
	if !ok {
		return nil, model.ErrSagaNotFound
	}
	return clone(s), nil
}

func (m *memSagas) Update(_ context.Context, _ *sqlx.Tx, s *model.SagaInstance) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rows[s.SagaID] = *clone(*s)
	return nil
}

func (m *memSagas) AppendHistory(_ context.Context, _ *sqlx.Tx, e model.SagaHistoryEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e.ID = int64(len(m.history) + 1)
	m.history = append(m.history, e)
	return nil
}

func (m *memSagas) History(_ context.Context, id string) ([]model.SagaHistoryEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.SagaHistoryEntry
	for _, e := range m.history {
		if e.SagaID == id {
			out = append(out, e)
		}
	}
	return out, nil
}

func (m *memSagas) ListDue(_ context.Context, now time.Time, limit int) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var ids []string
	for id, s := range m.rows {
		if !s.Status.Terminal() && s.DeadlineAt.Valid && !s.DeadlineAt.Time.After(now) {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	if len(ids) > limit {
		ids = ids[:limit]
	}
	return ids, nil
}

type queued struct {
	ev outbox.Event
	v  any
}

type memOutbox struct {
	mu   sync.Mutex
	rows []queued
}

func (m *memOutbox) AppendJSON(_ context.Context, _ *sqlx.Tx, ev outbox.Event, v any) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rows = append(m.rows, queued{ev: ev, v: v})
	return "evt", nil
}

func (m *memOutbox) commands() []model.Command {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.Command
	for _, q := range m.rows {
		if c, ok := q.v.(model.Command); ok {
			out = append(out, c)
		}
	}
	return out
}

func (m *memOutbox) lastCommand(t *testing.T) model.Command {
	t.Helper()
	cmds := m.commands()
	require.NotEmpty(t, cmds)
	return cmds[len(cmds)-1]
}

func (m *memOutbox) events() []model.SagaEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.SagaEvent
	for _, q := range m.rows {
		if e, ok := q.v.(model.SagaEvent); ok {
			out = append(out, e)
		}
	}
	return out
}

// memGuard claims event ids in a set and runs fn without a transaction.
type memGuard struct {
	mu   sync.Mutex
	seen map[string]bool
}

func (g *memGuard) ApplyIfNew(ctx context.Context, id string, fn idempotency.ApplyFunc) (idempotency.Result, error) {
	if id == "" {
		return 0, idempotency.ErrEmptyEventID
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.seen[id] {
		return idempotency.Skipped, nil
	}
	if err := fn(ctx, nil); err != nil {
		return 0, err
	}
	g.seen[id] = true
	return idempotency.Applied, nil
}

type harness struct {
	o      *Orchestrator
	store  *memSagas
	outbox *memOutbox
	clock  time.Time
	seq    int
}

func newHarness(t *testing.T, defs ...*Definition) *harness {
	t.Helper()
	h := &harness{store: newMemSagas(), outbox: &memOutbox{}, clock: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)}
	h.o = New(nil, h.store, h.outbox, &memGuard{seen: map[string]bool{}}, Config{
		EventsTopic:             "saga.events",
		StepTimeout:             30 * time.Second,
		MaxAttempts:             2,
		CompensationMaxAttempts: 2,
	}, nil)
	h.o.now = func() time.Time { return h.clock }
	h.o.inTx = func(_ context.Context, fn func(*sqlx.Tx) error) error { return fn(nil) }
	for _, d := range defs {
		require.NoError(t, h.o.Register(d))
	}
	return h
}

func placeOrder() *Definition {
	return NewDefinition("place-order", "saga.replies").
		Step("reserve-inventory", "inventory.commands", "ReserveInventory", Compensate("ReleaseInventory")).
		Step("charge-payment", "payment.commands", "ChargePayment", Compensate("RefundPayment")).
		Step("create-shipment", "shipping.commands", "CreateShipment", Compensate("CancelShipment")).
		MustBuild()
}

func (h *harness) reply(t *testing.T, cmd model.Command, outcome model.Outcome, reason string) idempotency.Result {
	t.Helper()
	h.seq++
	res, err := h.o.HandleReply(context.Background(), cmd.CommandID+"-reply-"+string(rune('a'+h.seq)), model.Reply{
		SagaID:    cmd.SagaID,
		StepName:  cmd.StepName,
		CommandID: cmd.CommandID,
		Kind:      cmd.Kind,
		Outcome:   outcome,
		Data:      json.RawMessage(`{"step":"` + cmd.StepName + `"}`),
		Reason:    reason,
	})
	require.NoError(t, err)
	return res
}

func (h *harness) saga(t *testing.T, id string) *model.SagaInstance {
	t.Helper()
	s, err := h.store.Get(context.Background(), id)
	require.NoError(t, err)
	return s
}

func TestStart_QueuesFirstCommandAndStartedEvent(t *testing.T) {
	h := newHarness(t, placeOrder())

	err := h.o.Start(context.Background(), nil, "place-order", "s1", map[string]any{"order_id": "o1"})
	require.NoError(t, err)

	s := h.saga(t, "s1")
	assert.Equal(t, model.SagaRunning, s.Status)
	assert.Equal(t, "reserve-inventory:PENDING", s.State)
	assert.Equal(t, 1, s.Attempts)
	assert.Equal(t, h.clock.Add(30*time.Second), s.DeadlineAt.Time)
	assert.JSONEq(t, `{"order_id":"o1"}`, string(s.Data[model.DataInput]))

	cmd := h.outbox.lastCommand(t)
	assert.Equal(t, "ReserveInventory", cmd.Name)
	assert.Equal(t, model.KindExecute, cmd.Kind)
	assert.Equal(t, "saga.replies", cmd.ReplyTopic)
	assert.Equal(t, s.PendingCommandID.String, cmd.CommandID)

	assert.Equal(t, "inventory.commands", h.outbox.rows[1].ev.Topic)
	assert.Equal(t, "s1", h.outbox.rows[1].ev.AggregateID)

	evs := h.outbox.events()
	require.Len(t, evs, 1)
	assert.Equal(t, model.SagaRunning, evs[0].Status)
	assert.Equal(t, "saga.events", h.outbox.rows[0].ev.Topic)
	assert.Equal(t, model.EventSagaStarted, h.outbox.rows[0].ev.EventType)
}

func TestStart_UnknownType(t *testing.T) {
	h := newHarness(t, placeOrder())
	err := h.o.Start(context.Background(), nil, "refund-order", "s1", nil)
	assert.ErrorIs(t, err, ErrUnknownSagaType)
	err = h.o.Start(context.Background(), nil, "place-order", "", nil)
	assert.ErrorIs(t, err, ErrEmptySagaID)
}

func TestHandleReply_HappyPathCompletes(t *testing.T) {
	h := newHarness(t, placeOrder())
	require.NoError(t, h.o.Start(context.Background(), nil, "place-order", "s1", map[string]int{"qty": 1}))

	for _, want := range []string{"ReserveInventory", "ChargePayment", "CreateShipment"} {
		cmd := h.outbox.lastCommand(t)
		require.Equal(t, want, cmd.Name)
		assert.Equal(t, idempotency.Applied, h.reply(t, cmd, model.OutcomeSuccess, ""))
	}

	s := h.saga(t, "s1")
	assert.Equal(t, model.SagaCompleted, s.Status)
	assert.Equal(t, model.StateCompleted, s.State)
	assert.False(t, s.PendingCommandID.Valid)
	assert.False(t, s.DeadlineAt.Valid)
	assert.Len(t, s.Data, 4)
	assert.JSONEq(t, `{"step":"charge-payment"}`, string(s.Data["charge-payment"]))

	evs := h.outbox.events()
	require.Len(t, evs, 2)
	assert.Equal(t, model.SagaCompleted, evs[1].Status)
	assert.Len(t, h.outbox.commands(), 3)
}

func TestHandleReply_FailureCompensatesInReverseOrder(t *testing.T) {
	h := newHarness(t, placeOrder())
	require.NoError(t, h.o.Start(context.Background(), nil, "place-order", "s1", nil))

	reserve := h.outbox.lastCommand(t)
	h.reply(t, reserve, model.OutcomeSuccess, "")
	charge := h.outbox.lastCommand(t)
	h.reply(t, charge, model.OutcomeSuccess, "")
	ship := h.outbox.lastCommand(t)
	h.reply(t, ship, model.OutcomeFailure, "address not serviceable")

	s := h.saga(t, "s1")
	assert.Equal(t, model.SagaCompensating, s.Status)
	assert.Equal(t, "charge-payment:COMPENSATING", s.State)
	assert.Equal(t, "address not serviceable", s.FailureReason.String)

	refund := h.outbox.lastCommand(t)
	assert.Equal(t, "RefundPayment", refund.Name)
	assert.Equal(t, model.KindCompensate, refund.Kind)
	assert.Equal(t, charge.CommandID, refund.CompensatesCommandID)

	// only one compensation is in flight at a time
	assert.Len(t, h.outbox.commands(), 4)
	h.reply(t, refund, model.OutcomeSuccess, "")

	release := h.outbox.lastCommand(t)
	assert.Equal(t, "ReleaseInventory", release.Name)
	assert.Equal(t, reserve.CommandID, release.CompensatesCommandID)
	h.reply(t, release, model.OutcomeSuccess, "")

	s = h.saga(t, "s1")
	assert.Equal(t, model.SagaCompensated, s.Status)
	assert.Equal(t, model.StateCompensated, s.State)

	evs := h.outbox.events()
	require.Len(t, evs, 2)
	assert.Equal(t, model.SagaCompensated, evs[1].Status)
	assert.Equal(t, "address not serviceable", evs[1].Reason)
}

func TestHandleReply_FirstStepFailureCompensatesNothing(t *testing.T) {
	h := newHarness(t, placeOrder())
	require.NoError(t, h.o.Start(context.Background(), nil, "place-order", "s1", nil))

	h.reply(t, h.outbox.lastCommand(t), model.OutcomeFailure, "insufficient inventory")

	s := h.saga(t, "s1")
	assert.Equal(t, model.SagaCompensated, s.Status)
	assert.Len(t, h.outbox.commands(), 1)
	assert.Equal(t, "insufficient inventory", s.FailureReason.String)
}

func TestHandleReply_LateReplyIsIgnored(t *testing.T) {
	h := newHarness(t, placeOrder())
	require.NoError(t, h.o.Start(context.Background(), nil, "place-order", "s1", nil))
	reserve := h.outbox.lastCommand(t)
	h.reply(t, reserve, model.OutcomeSuccess, "")
	charge := h.outbox.lastCommand(t)

	// the charge times out twice and compensation starts
	h.clock = h.clock.Add(31 * time.Second)
	_, err := h.o.ExpireTimeouts(context.Background())
	require.NoError(t, err)
	h.clock = h.clock.Add(31 * time.Second)
	_, err = h.o.ExpireTimeouts(context.Background())
	require.NoError(t, err)

	before := h.saga(t, "s1")
	require.Equal(t, model.SagaCompensating, before.Status)
	require.Equal(t, "charge-payment:COMPENSATING", before.State)

	// now the original charge reply finally arrives
	h.reply(t, charge, model.OutcomeSuccess, "")

	after := h.saga(t, "s1")
	assert.Equal(t, before.State, after.State)
	assert.Equal(t, before.PendingCommandID, after.PendingCommandID)
	_, charged := after.Data["charge-payment"]
	assert.False(t, charged)

	hist, err := h.store.History(context.Background(), "s1")
	require.NoError(t, err)
	last := hist[len(hist)-1]
	assert.Equal(t, model.HistoryIgnored, last.Kind)
	assert.Equal(t, charge.CommandID, last.CommandID.String)
}

func TestHandleReply_DuplicateEventIsSkipped(t *testing.T) {
	h := newHarness(t, placeOrder())
	require.NoError(t, h.o.Start(context.Background(), nil, "place-order", "s1", nil))
	cmd := h.outbox.lastCommand(t)

	reply := model.Reply{SagaID: "s1", StepName: cmd.StepName, CommandID: cmd.CommandID, Outcome: model.OutcomeSuccess}
	res, err := h.o.HandleReply(context.Background(), "reply-1", reply)
	require.NoError(t, err)
	assert.Equal(t, idempotency.Applied, res)

	res, err = h.o.HandleReply(context.Background(), "reply-1", reply)
	require.NoError(t, err)
	assert.Equal(t, idempotency.Skipped, res)

	assert.Len(t, h.outbox.commands(), 2)
	assert.Equal(t, "charge-payment:PENDING", h.saga(t, "s1").State)
}

func TestHandleReply_AfterTerminalIsIgnored(t *testing.T) {
	h := newHarness(t, placeOrder())
	require.NoError(t, h.o.Start(context.Background(), nil, "place-order", "s1", nil))
	cmd := h.outbox.lastCommand(t)
	h.reply(t, cmd, model.OutcomeFailure, "insufficient inventory")
	require.Equal(t, model.SagaCompensated, h.saga(t, "s1").Status)

	h.reply(t, cmd, model.OutcomeSuccess, "")
	assert.Equal(t, model.SagaCompensated, h.saga(t, "s1").Status)
	assert.Len(t, h.outbox.events(), 2)
}

func TestHandleReply_UnknownSagaIsDropped(t *testing.T) {
	h := newHarness(t, placeOrder())
	res, err := h.o.HandleReply(context.Background(), "r1", model.Reply{SagaID: "nope", CommandID: "c"})
	require.NoError(t, err)
	assert.Equal(t, idempotency.Applied, res)
}

func TestHandleReply_CompensationFailureFailsSaga(t *testing.T) {
	h := newHarness(t, placeOrder())
	require.NoError(t, h.o.Start(context.Background(), nil, "place-order", "s1", nil))
	h.reply(t, h.outbox.lastCommand(t), model.OutcomeSuccess, "")
	h.reply(t, h.outbox.lastCommand(t), model.OutcomeFailure, "insufficient funds")

	release := h.outbox.lastCommand(t)
	require.Equal(t, "ReleaseInventory", release.Name)
	h.reply(t, release, model.OutcomeFailure, "warehouse offline")

	s := h.saga(t, "s1")
	assert.Equal(t, model.SagaFailed, s.Status)
	assert.Equal(t, model.StateFailed, s.State)
	assert.Contains(t, s.FailureReason.String, "insufficient funds")
	assert.Contains(t, s.FailureReason.String, "compensation of reserve-inventory failed: warehouse offline")

	evs := h.outbox.events()
	assert.Equal(t, model.SagaFailed, evs[len(evs)-1].Status)
}

func TestExpireTimeouts_ResendsSameCommandThenCompensatesTimedOutStep(t *testing.T) {
	h := newHarness(t, placeOrder())
	require.NoError(t, h.o.Start(context.Background(), nil, "place-order", "s1", nil))
	first := h.outbox.lastCommand(t)

	// not due yet
	n, err := h.o.ExpireTimeouts(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)

	h.clock = h.clock.Add(30 * time.Second)
	n, err = h.o.ExpireTimeouts(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	resent := h.outbox.lastCommand(t)
	assert.Equal(t, first.CommandID, resent.CommandID)
	assert.Equal(t, first.Name, resent.Name)
	s := h.saga(t, "s1")
	assert.Equal(t, 2, s.Attempts)
	assert.Equal(t, model.SagaRunning, s.Status)

	h.clock = h.clock.Add(30 * time.Second)
	_, err = h.o.ExpireTimeouts(context.Background())
	require.NoError(t, err)

	s = h.saga(t, "s1")
	assert.Equal(t, model.SagaCompensating, s.Status)
	assert.Equal(t, ReasonTimeout, s.FailureReason.String)

	release := h.outbox.lastCommand(t)
	assert.Equal(t, "ReleaseInventory", release.Name)
	assert.Equal(t, first.CommandID, release.CompensatesCommandID)

	h.reply(t, release, model.OutcomeSuccess, "")
	assert.Equal(t, model.SagaCompensated, h.saga(t, "s1").Status)
}

func TestExpireTimeouts_CompensationExhaustedFailsSaga(t *testing.T) {
	h := newHarness(t, placeOrder())
	require.NoError(t, h.o.Start(context.Background(), nil, "place-order", "s1", nil))
	h.reply(t, h.outbox.lastCommand(t), model.OutcomeSuccess, "")
	h.reply(t, h.outbox.lastCommand(t), model.OutcomeFailure, "insufficient funds")

	for i := 0; i < 2; i++ {
		h.clock = h.clock.Add(31 * time.Second)
		_, err := h.o.ExpireTimeouts(context.Background())
		require.NoError(t, err)
	}

	s := h.saga(t, "s1")
	assert.Equal(t, model.SagaFailed, s.Status)
	assert.Contains(t, s.FailureReason.String, "compensation of reserve-inventory timed out")
}

func TestCompensation_SkipsStepsWithoutCompensation(t *testing.T) {
	def := NewDefinition("notify-then-charge", "saga.replies").
		Step("reserve", "inv", "Reserve", Compensate("Release")).
		Step("notify", "mail", "SendMail").
		Step("charge", "pay", "Charge", Compensate("Refund"), Timeout(time.Minute), MaxAttempts(1)).
		MustBuild()
	h := newHarness(t, def)
	require.NoError(t, h.o.Start(context.Background(), nil, "notify-then-charge", "s1", nil))
	h.reply(t, h.outbox.lastCommand(t), model.OutcomeSuccess, "")
	h.reply(t, h.outbox.lastCommand(t), model.OutcomeSuccess, "")
	h.reply(t, h.outbox.lastCommand(t), model.OutcomeFailure, "declined")

	assert.Equal(t, "Release", h.outbox.lastCommand(t).Name)
}

func TestExpireTimeouts_StepWithoutCompensationIsFenced(t *testing.T) {
	def := NewDefinition("reserve-then-notify", "saga.replies").
		Step("reserve", "inv", "Reserve", Compensate("Release")).
		Step("notify", "mail", "SendMail", MaxAttempts(1)).
		MustBuild()
	h := newHarness(t, def)
	require.NoError(t, h.o.Start(context.Background(), nil, "reserve-then-notify", "s1", nil))
	h.reply(t, h.outbox.lastCommand(t), model.OutcomeSuccess, "")
	notify := h.outbox.lastCommand(t)
	require.Equal(t, "SendMail", notify.Name)

	h.clock = h.clock.Add(30 * time.Second)
	_, err := h.o.ExpireTimeouts(context.Background())
	require.NoError(t, err)

	fence := h.outbox.lastCommand(t)
	assert.Equal(t, model.CommandFence, fence.Name)
	assert.Equal(t, model.KindCompensate, fence.Kind)
	assert.Equal(t, "notify", fence.StepName)
	assert.Equal(t, notify.CommandID, fence.CompensatesCommandID)
	assert.Equal(t, model.SagaCompensating, h.saga(t, "s1").Status)

	h.reply(t, fence, model.OutcomeSuccess, "")
	release := h.outbox.lastCommand(t)
	assert.Equal(t, "Release", release.Name)

	h.reply(t, release, model.OutcomeSuccess, "")
	assert.Equal(t, model.SagaCompensated, h.saga(t, "s1").Status)
}

func TestGet_ReturnsHistory(t *testing.T) {
	h := newHarness(t, placeOrder())
	require.NoError(t, h.o.Start(context.Background(), nil, "place-order", "s1", nil))
	h.reply(t, h.outbox.lastCommand(t), model.OutcomeSuccess, "")

	v, err := h.o.Get(context.Background(), "s1")
	require.NoError(t, err)
	assert.Equal(t, "charge-payment:PENDING", v.Instance.State)

	kinds := make([]model.HistoryKind, 0, len(v.History))
	for _, e := range v.History {
		kinds = append(kinds, e.Kind)
	}
	assert.Equal(t, []model.HistoryKind{model.HistoryCommand, model.HistoryReply, model.HistoryCommand}, kinds)

	_, err = h.o.Get(context.Background(), "missing")
	assert.ErrorIs(t, err, model.ErrSagaNotFound)
}

func TestDefinitionBuilder_Validates(t *testing.T) {
	_, err := NewDefinition("", "replies").Step("a", "t", "A").Build()
	assert.ErrorIs(t, err, ErrInvalidDefinition)

	_, err = NewDefinition("x", "replies").Build()
	assert.ErrorIs(t, err, ErrInvalidDefinition)

	_, err = NewDefinition("x", "replies").Step("a", "t", "A").Step("a", "t", "B").Build()
	assert.ErrorIs(t, err, ErrInvalidDefinition)

	_, err = NewDefinition("x", "replies").Step("a", "", "A").Build()
	assert.ErrorIs(t, err, ErrInvalidDefinition)

	def, err := NewDefinition("x", "replies").Step("a", "t", "A", Compensate("UndoA"), Timeout(time.Second)).Build()
	require.NoError(t, err)
	assert.Equal(t, 1, def.Len())
	assert.Equal(t, "UndoA", def.Step(0).CompensateCommand)
	assert.Equal(t, time.Second, def.Step(0).Timeout)
}

func TestRegister_RejectsDuplicate(t *testing.T) {
	h := newHarness(t, placeOrder())
	assert.ErrorIs(t, h.o.Register(placeOrder()), ErrDuplicateType)
}

func TestCommandID_IsStablePerStepAndKind(t *testing.T) {
	a := commandID("s1", "charge", model.KindExecute)
	assert.Equal(t, a, commandID("s1", "charge", model.KindExecute))
	assert.NotEqual(t, a, commandID("s1", "charge", model.KindCompensate))
	assert.NotEqual(t, a, commandID("s2", "charge", model.KindExecute))
}

func replyMessage(t *testing.T, eventID string, r model.Reply) kafka.Message {
	t.Helper()
	b, err := json.Marshal(r)
	require.NoError(t, err)
	m := kafka.Message{Value: b}
	if eventID != "" {
		m.Headers = []kgo.Header{{Key: kafka.HeaderEventID, Value: []byte(eventID)}}
	}
	return m
}

func TestConsume_AppliesReplyOnce(t *testing.T) {
	h := newHarness(t, placeOrder())
	require.NoError(t, h.o.Start(context.Background(), nil, "place-order", "s1", nil))
	cmd := h.outbox.lastCommand(t)

	m := replyMessage(t, "evt-1", model.Reply{
		SagaID: "s1", StepName: cmd.StepName, CommandID: cmd.CommandID,
		Kind: cmd.Kind, Outcome: model.OutcomeSuccess,
	})
	require.NoError(t, h.o.Consume(context.Background(), m))
	require.NoError(t, h.o.Consume(context.Background(), m))

	assert.Equal(t, "charge-payment:PENDING", h.saga(t, "s1").State)
	assert.Len(t, h.outbox.commands(), 2)
}

func TestConsume_PoisonReplies(t *testing.T) {
	h := newHarness(t, placeOrder())

	err := h.o.Consume(context.Background(), replyMessage(t, "", model.Reply{SagaID: "s1", CommandID: "c1"}))
	assert.ErrorIs(t, err, worker.ErrPoison)

	err = h.o.Consume(context.Background(), kafka.Message{
		Value:   []byte("nope"),
		Headers: []kgo.Header{{Key: kafka.HeaderEventID, Value: []byte("evt-2")}},
	})
	assert.ErrorIs(t, err, worker.ErrPoison)

	err = h.o.Consume(context.Background(), replyMessage(t, "evt-3", model.Reply{SagaID: "s1"}))
	assert.ErrorIs(t, err, worker.ErrPoison)

	long := strings.Repeat("e", idempotency.MaxEventIDLen+1)
	err = h.o.Consume(context.Background(), replyMessage(t, long, model.Reply{SagaID: "s1", CommandID: "c1"}))
	assert.ErrorIs(t, err, worker.ErrPoison)
	assert.ErrorIs(t, err, idempotency.ErrInvalidEventID)
}
