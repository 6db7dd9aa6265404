package model

import "encoding/json"

type CommandKind string

const (
	KindExecute    CommandKind = "execute"
	KindCompensate CommandKind = "compensate"
)

// CommandFence is the compensation sent for a timed-out step that declares no
// compensation of its own. It only claims the forward command id so a late
// delivery of that command cannot apply.
const CommandFence = "Fence"

type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailure Outcome = "failure"
)

// Command is the payload the orchestrator publishes to a participant's command
// topic. CommandID is the participant-side idempotency key.
type Command struct {
	SagaID    string      `json:"saga_id"`
	SagaType  string      `json:"saga_type"`
	StepName  string      `json:"step_name"`
	CommandID string      `json:"command_id"`
	Kind      CommandKind `json:"kind"`
	Name      string      `json:"name"` // e.g. ReserveInventory
	// CompensatesCommandID is set on compensations: the forward command being undone.
	CompensatesCommandID string          `json:"compensates_command_id,omitempty"`
	ReplyTopic           string          `json:"reply_topic"`
	Payload              json.RawMessage `json:"payload"`
}

// Reply is what a participant sends back for a Command.
type Reply struct {
	SagaID    string          `json:"saga_id"`
	StepName  string          `json:"step_name"`
	CommandID string          `json:"command_id"`
	Kind      CommandKind     `json:"kind"`
	Outcome   Outcome         `json:"outcome"`
	Data      json.RawMessage `json:"data,omitempty"`
	Reason    string          `json:"reason,omitempty"`
}

// SagaEvent is published on saga lifecycle changes (started / terminal).
type SagaEvent struct {
	SagaID   string     `json:"saga_id"`
	SagaType string     `json:"saga_type"`
	Status   SagaStatus `json:"status"`
	State    string     `json:"state"`
	Reason   string     `json:"reason,omitempty"`
	Data     SagaData   `json:"data,omitempty"`
}

// Event types carried in the outbox event_type column / event_type header.
const (
	EventSagaStarted     = "SagaStarted"
	EventSagaCompleted   = "SagaCompleted"
	EventSagaCompensated = "SagaCompensated"
	EventSagaFailed      = "SagaFailed"
	EventSagaReply       = "SagaReply"
)
