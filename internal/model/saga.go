package model

import (
	"database/sql"
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

type SagaStatus string

const (
	SagaRunning      SagaStatus = "running"
	SagaCompensating SagaStatus = "compensating"
	SagaCompleted    SagaStatus = "completed"
	SagaCompensated  SagaStatus = "compensated"
	SagaFailed       SagaStatus = "failed" // compensation could not finish
)

func (s SagaStatus) String() string { return string(s) }

// Terminal reports whether no further transition is possible.
func (s SagaStatus) Terminal() bool {
	return s == SagaCompleted || s == SagaCompensated || s == SagaFailed
}

// Named states that are not tied to a step.
const (
	StateStarted     = "STARTED"
	StateCompleted   = "COMPLETED"
	StateCompensated = "COMPENSATED"
	StateFailed      = "FAILED"
)

func StatePending(step string) string      { return step + ":PENDING" }
func StateDone(step string) string         { return step + ":DONE" }
func StateFailedAt(step string) string     { return step + ":FAILED" }
func StateCompensating(step string) string { return step + ":COMPENSATING" }

// DataInput is the key under which the saga's triggering input is stored.
const DataInput = "input"

// SagaData accumulates the saga input and the results of completed steps,
// keyed by step name. Stored as a JSON column.
type SagaData map[string]json.RawMessage

func (d SagaData) Value() (driver.Value, error) {
	if d == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(d)
}

func (d *SagaData) Scan(src any) error {
	var b []byte
	switch v := src.(type) {
	case nil:
		*d = SagaData{}
		return nil
	case []byte:
		b = v
	case string:
		b = []byte(v)
	default:
		return fmt.Errorf("saga data: unsupported type %T", src)
	}
	out := SagaData{}
	if len(b) > 0 {
		if err := json.Unmarshal(b, &out); err != nil {
			return err
		}
	}
	*d = out
	return nil
}

// SagaInstance is one execution of a saga definition.
type SagaInstance struct {
	SagaID           string         `db:"saga_id"`
	SagaType         string         `db:"saga_type"`
	Status           SagaStatus     `db:"status"`
	State            string         `db:"state"`
	CurrentStep      int            `db:"current_step"`
	PendingCommandID sql.NullString `db:"pending_command_id"`
	Attempts         int            `db:"attempts"`
	DeadlineAt       sql.NullTime   `db:"deadline_at"`
	Data             SagaData       `db:"data"`
	FailureReason    sql.NullString `db:"failure_reason"`
	CreatedAt        time.Time      `db:"created_at"`
	UpdatedAt        time.Time      `db:"updated_at"`
}

var ErrSagaNotFound = errors.New("saga not found")

type HistoryKind string

const (
	HistoryCommand      HistoryKind = "command"
	HistoryCompensation HistoryKind = "compensation"
	HistoryReply        HistoryKind = "reply"
	HistoryTimeout      HistoryKind = "timeout"
	HistoryResend       HistoryKind = "resend"
	HistoryIgnored      HistoryKind = "ignored"
	HistoryTerminal     HistoryKind = "terminal"
)

// SagaHistoryEntry is an append-only audit row.
type SagaHistoryEntry struct {
	ID        int64          `db:"id"`
	SagaID    string         `db:"saga_id"`
	Step      string         `db:"step"`
	Kind      HistoryKind    `db:"kind"`
	CommandID sql.NullString `db:"command_id"`
	Outcome   sql.NullString `db:"outcome"`
	Detail    sql.NullString `db:"detail"`
	CreatedAt time.Time      `db:"created_at"`
}
