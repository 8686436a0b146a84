package pipeline

import (
	"fmt"
	"slices"
)

// WarningKind distinguishes absorbed failures from stages that reported
// partial results themselves.
type WarningKind string

const (
	WarningDegraded WarningKind = "degraded_stage"
	WarningPartial  WarningKind = "partial_result"
)

// Warning is a non-fatal problem recorded during a run. A Warning of kind
// WarningDegraded is the DegradedStageWarning of a skippable stage.
type Warning struct {
	Stage   string      `json:"stage"`
	Kind    WarningKind `json:"kind"`
	Reason  string      `json:"reason,omitempty"`
	Message string      `json:"message"`
}

func (w Warning) String() string {
	return fmt.Sprintf("%s [%s]: %s", w.Stage, w.Kind, w.Message)
}

// Entry is one committed stage output.
type Entry struct {
	Stage   string
	Payload any
}

// Context accumulates stage outputs for one run. Entries are append-only:
// once committed, a stage's payload is never replaced.
type Context struct {
	runID    string
	input    any
	order    []string
	outputs  map[string]any
	warnings []Warning
}

func NewContext(input any) *Context {
	return &Context{input: input, outputs: map[string]any{}}
}

// RunID identifies the run the context belongs to. It is empty for contexts
// built outside a Runner.
func (c *Context) RunID() string { return c.runID }

// Input returns the original, run-scoped input.
func (c *Context) Input() any { return c.input }

func (c *Context) Output(stage string) (any, bool) {
	payload, ok := c.outputs[stage]
	return payload, ok
}

// Outputs returns committed entries in execution order.
func (c *Context) Outputs() []Entry {
	entries := make([]Entry, 0, len(c.order))
	for _, name := range c.order {
		entries = append(entries, Entry{Stage: name, Payload: c.outputs[name]})
	}
	return entries
}

func (c *Context) Names() []string { return slices.Clone(c.order) }

func (c *Context) Warnings() []Warning { return slices.Clone(c.warnings) }

func (c *Context) commit(stage string, payload any) error {
	if _, exists := c.outputs[stage]; exists {
		return fmt.Errorf("stage %q already committed", stage)
	}
	c.order = append(c.order, stage)
	c.outputs[stage] = payload
	return nil
}

func (c *Context) warn(warnings ...Warning) {
	c.warnings = append(c.warnings, warnings...)
}

// Inputs is the read-only view a stage receives. It only resolves outputs the
// stage declared in DependsOn.
type Inputs struct {
	context  *Context
	stage    string
	allowed  map[string]struct{}
	recorder *callRecorder
}

func newInputs(runContext *Context, stage Stage, recorder *callRecorder) Inputs {
	allowed := make(map[string]struct{}, len(stage.DependsOn()))
	for _, dependency := range stage.DependsOn() {
		allowed[dependency] = struct{}{}
	}
	return Inputs{context: runContext, stage: stage.Name(), allowed: allowed, recorder: recorder}
}

// NewInputs builds a standalone view for exercising a stage outside a Runner.
func NewInputs(runContext *Context, stage Stage) Inputs {
	return newInputs(runContext, stage, &callRecorder{})
}

func (in Inputs) Stage() string { return in.stage }

func (in Inputs) Input() any { return in.context.Input() }

func (in Inputs) RunID() string { return in.context.RunID() }

func (in Inputs) Output(stage string) (any, error) {
	if _, ok := in.allowed[stage]; !ok {
		return nil, fmt.Errorf("%w: %s reads %s", ErrUndeclaredRead, in.stage, stage)
	}
	payload, ok := in.context.Output(stage)
	if !ok {
		return nil, fmt.Errorf("stage %s: output of %s is missing", in.stage, stage)
	}
	return payload, nil
}

// OutputAs reads a declared dependency and asserts its payload type. A nil
// payload, as left by a skipped stage without a Defaulter, yields the zero T.
func OutputAs[T any](in Inputs, stage string) (T, error) {
	var zero T
	payload, err := in.Output(stage)
	if err != nil {
		return zero, err
	}
	if payload == nil {
		return zero, nil
	}
	typed, ok := payload.(T)
	if !ok {
		return zero, fmt.Errorf("stage %s: output of %s has type %T, want %T", in.stage, stage, payload, zero)
	}
	return typed, nil
}

// InputAs asserts the run input type.
func InputAs[T any](in Inputs) (T, error) {
	typed, ok := in.Input().(T)
	if !ok {
		var zero T
		return zero, fmt.Errorf("stage %s: input has type %T, want %T", in.stage, in.Input(), zero)
	}
	return typed, nil
}

// Payload returns the committed output of stage as T. It reports false when
// the stage did not commit or committed a different type.
func Payload[T any](c *Context, stage string) (T, bool) {
	var zero T
	if c == nil {
		return zero, false
	}
	payload, ok := c.Output(stage)
	if !ok {
		return zero, false
	}
	typed, ok := payload.(T)
	return typed, ok
}
