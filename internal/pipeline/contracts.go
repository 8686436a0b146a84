package pipeline

import (
	"context"
	"fmt"
	"time"
)

// Policy decides what a stage failure does to the run.
type Policy string

const (
	PolicyFatal     Policy = "fatal"
	PolicySkippable Policy = "skippable"
)

// ParsePolicy accepts the configuration spelling of a policy.
func ParsePolicy(value string) (Policy, error) {
	switch Policy(value) {
	case PolicyFatal, PolicySkippable:
		return Policy(value), nil
	default:
		return "", fmt.Errorf("unknown stage policy %q", value)
	}
}

// Stage is one ordered step of a pipeline.
type Stage interface {
	Name() string
	// DependsOn lists the stages whose outputs Execute reads.
	DependsOn() []string
	Execute(ctx context.Context, inputs Inputs) Result
}

// Defaulter is implemented by stages that supply a stand-in payload when a
// skippable failure is absorbed.
type Defaulter interface {
	Default() any
}

// StageSpec binds a stage to its failure policy and execution limits.
type StageSpec struct {
	Stage    Stage
	Policy   Policy
	Timeout  time.Duration
	Attempts int
}

type ResultKind int

const (
	KindSuccess ResultKind = iota
	KindPartial
	KindFailure
)

func (k ResultKind) String() string {
	switch k {
	case KindSuccess:
		return "success"
	case KindPartial:
		return "partial_success"
	default:
		return "failure"
	}
}

// Result is the tagged outcome of a single stage execution.
type Result struct {
	Kind     ResultKind
	Payload  any
	Warnings []string
	Err      error
}

func Succeeded(payload any) Result {
	return Result{Kind: KindSuccess, Payload: payload}
}

func Partial(payload any, warnings ...string) Result {
	return Result{Kind: KindPartial, Payload: payload, Warnings: warnings}
}

func Failed(err error) Result {
	if err == nil {
		err = ErrFatalStage
	}
	return Result{Kind: KindFailure, Err: err}
}

// CompletionRequest is the call shape of the reasoning collaborator.
type CompletionRequest struct {
	SystemPrompt string
	Prompt       string
	Temperature  float64
	MaxTokens    int
	ModelID      string
	SchemaName   string
	JSONSchema   []byte
}

// Reasoner is the reasoning collaborator (LLM completion service).
type Reasoner interface {
	Complete(ctx context.Context, request CompletionRequest) (string, error)
}
