package saga

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmehdipour/sagaflow/internal/model"
)

var ErrInvalidDefinition = errors.New("saga: invalid definition")

// PayloadFunc builds a command payload from the saga data accumulated so far.
type PayloadFunc func(data model.SagaData) (json.RawMessage, error)

// StepDef is one forward step and its optional compensation.
type StepDef struct {
	Name              string
	Topic             string
	Command           string
	CompensateCommand string // empty: nothing to undo, a timed-out step still gets a fence
	Timeout           time.Duration
	MaxAttempts       int
	Payload           PayloadFunc
}

func (s StepDef) compensable() bool { return s.CompensateCommand != "" }

type StepOption func(*StepDef)

// Compensate names the command that undoes the step.
func Compensate(command string) StepOption {
	return func(s *StepDef) { s.CompensateCommand = command }
}

// Timeout overrides the orchestrator-wide step deadline.
func Timeout(d time.Duration) StepOption {
	return func(s *StepDef) { s.Timeout = d }
}

// MaxAttempts overrides how many times the command is sent before the step
// counts as timed out.
func MaxAttempts(n int) StepOption {
	return func(s *StepDef) { s.MaxAttempts = n }
}

// Payload replaces the default payload (the whole saga data).
func Payload(fn PayloadFunc) StepOption {
	return func(s *StepDef) { s.Payload = fn }
}

// Definition is an ordered list of steps interpreted by the Orchestrator.
type Definition struct {
	name       string
	replyTopic string
	steps      []StepDef
}

func (d *Definition) Name() string       { return d.name }
func (d *Definition) ReplyTopic() string { return d.replyTopic }
func (d *Definition) Len() int           { return len(d.steps) }

func (d *Definition) Step(i int) StepDef { return d.steps[i] }

// Builder assembles a Definition.
//
//	def, err := saga.NewDefinition("place-order", "saga.replies").
//		Step("reserve-inventory", "inventory.commands", "ReserveInventory", saga.Compensate("ReleaseInventory")).
//		Step("charge-payment", "payment.commands", "ChargePayment", saga.Compensate("RefundPayment")).
//		Build()
type Builder struct {
	def  Definition
	errs []error
}

func NewDefinition(name, replyTopic string) *Builder {
	b := &Builder{def: Definition{name: name, replyTopic: replyTopic}}
	if name == "" {
		b.errs = append(b.errs, errors.New("empty saga name"))
	}
	if replyTopic == "" {
		b.errs = append(b.errs, errors.New("empty reply topic"))
	}
	return b
}

func (b *Builder) Step(name, topic, command string, opts ...StepOption) *Builder {
	s := StepDef{Name: name, Topic: topic, Command: command}
	for _, opt := range opts {
		opt(&s)
	}

	switch {
	case name == "":
		b.errs = append(b.errs, fmt.Errorf("step %d: empty name", len(b.def.steps)))
	case topic == "" || command == "":
		b.errs = append(b.errs, fmt.Errorf("step %q: topic and command are required", name))
	case s.Timeout < 0 || s.MaxAttempts < 0:
		b.errs = append(b.errs, fmt.Errorf("step %q: negative timeout or attempts", name))
	}
	for _, prev := range b.def.steps {
		if prev.Name == name {
			b.errs = append(b.errs, fmt.Errorf("step %q: duplicate name", name))
		}
	}

	b.def.steps = append(b.def.steps, s)
	return b
}

func (b *Builder) Build() (*Definition, error) {
	if len(b.def.steps) == 0 {
		b.errs = append(b.errs, errors.New("no steps"))
	}
	if len(b.errs) > 0 {
		return nil, fmt.Errorf("%w %q: %w", ErrInvalidDefinition, b.def.name, errors.Join(b.errs...))
	}
	def := b.def
	def.steps = append([]StepDef(nil), b.def.steps...)
	return &def, nil
}

// MustBuild is Build for definitions fixed at compile time.
func (b *Builder) MustBuild() *Definition {
	def, err := b.Build()
	if err != nil {
		panic(err)
	}
	return def
}
