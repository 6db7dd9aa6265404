package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmehdipour/sagaflow/internal/model"
	"github.com/jmoiron/sqlx"
)

var (
	ErrNoTransaction = errors.New("outbox: append requires an open transaction")
	ErrInvalidEvent  = errors.New("outbox: invalid event")
)

// Event is what a service records alongside its business change.
type Event struct {
	AggregateType string
	AggregateID   string // also the broker key, so it fixes ordering
	EventType     string
	Topic         string
	Payload       []byte // JSON
}

func (e Event) validate() error {
	switch {
	case e.Topic == "":
		return fmt.Errorf("%w: empty topic", ErrInvalidEvent)
	case e.AggregateID == "":
		return fmt.Errorf("%w: empty aggregate id", ErrInvalidEvent)
	case e.EventType == "":
		return fmt.Errorf("%w: empty event type", ErrInvalidEvent)
	case !json.Valid(e.Payload):
		return fmt.Errorf("%w: payload is not JSON", ErrInvalidEvent)
	}
	return nil
}

// Inserter is the part of the outbox repository the writer needs.
type Inserter interface {
	Insert(ctx context.Context, tx *sqlx.Tx, rec model.OutboxRecord) error
}

// Writer appends events to the outbox. It never opens or commits a
// transaction of its own: the row becomes visible exactly when the caller's
// business change does.
type Writer struct {
	repo Inserter
	now  func() time.Time
}

func NewWriter(repo Inserter) *Writer {
	return &Writer{repo: repo, now: time.Now}
}

// Append stores ev in tx and returns the generated event id.
func (w *Writer) Append(ctx context.Context, tx *sqlx.Tx, ev Event) (string, error) {
	if tx == nil {
		return "", ErrNoTransaction
	}
	if err := ev.validate(); err != nil {
		return "", err
	}

	rec := model.OutboxRecord{
		ID:            uuid.NewString(),
		AggregateType: ev.AggregateType,
		AggregateID:   ev.AggregateID,
		EventType:     ev.EventType,
		Topic:         ev.Topic,
		Payload:       ev.Payload,
		Status:        model.OutboxPending,
		CreatedAt:     w.now().UTC(),
	}
	if err := w.repo.Insert(ctx, tx, rec); err != nil {
		return "", fmt.Errorf("outbox insert: %w", err)
	}
	return rec.ID, nil
}

// AppendJSON marshals v into ev.Payload and appends it.
func (w *Writer) AppendJSON(ctx context.Context, tx *sqlx.Tx, ev Event, v any) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("marshal %s payload: %w", ev.EventType, err)
	}
	ev.Payload = b
	return w.Append(ctx, tx, ev)
}
