// Package store is the persistent record store shared by pipeline runs.
// Each record has a kind, a run-scoped id and a status that moves forward
// through the transitions registered for its kind.
package store

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"time"

	"github.com/temirov/llm-pipelines/internal/pipeline"
)

type Kind string

const (
	KindTransaction Kind = "transaction"
	KindAnomaly     Kind = "anomaly"
	KindRun         Kind = "run"
	KindReport      Kind = "report"
)

type Status string

const (
	StatusRaw        Status = "raw"
	StatusValidated  Status = "validated"
	StatusAggregated Status = "aggregated"

	StatusOpen     Status = "open"
	StatusResolved Status = "resolved"

	StatusRunning               Status = "running"
	StatusCompleted             Status = "completed"
	StatusCompletedWithWarnings Status = "completed_with_warnings"
	StatusAborted               Status = "aborted"

	StatusWritten Status = "written"
)

var (
	ErrNotFound          = errors.New("record not found")
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrInvalidRecord     = errors.New("invalid record")
)

var transitions = map[Kind]map[Status][]Status{
	KindTransaction: {
		StatusRaw:       {StatusValidated},
		StatusValidated: {StatusAggregated},
	},
	KindAnomaly: {
		StatusOpen: {StatusResolved},
	},
	KindRun: {
		StatusRunning: {StatusCompleted, StatusCompletedWithWarnings, StatusAborted},
	},
	KindReport: {},
}

// CheckTransition allows moving a record to its current status again so
// retried stages stay idempotent.
func CheckTransition(kind Kind, from Status, to Status) error {
	if from == to {
		return nil
	}
	if slices.Contains(transitions[kind][from], to) {
		return nil
	}
	return fmt.Errorf("%w: %s %s -> %s", ErrInvalidTransition, kind, from, to)
}

// Record is one stored row. Fields carry the stage-owned payload.
type Record struct {
	Kind      Kind           `json:"kind"`
	ID        string         `json:"id"`
	RunID     string         `json:"run_id"`
	Status    Status         `json:"status"`
	Fields    map[string]any `json:"fields,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
}

func (r Record) validate() error {
	if r.Kind == "" || r.ID == "" || r.Status == "" {
		return fmt.Errorf("%w: kind, id and status are required", ErrInvalidRecord)
	}
	if _, known := transitions[r.Kind]; !known {
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidRecord, r.Kind)
	}
	return nil
}

// Store is the persistent record collaborator. Put is an upsert keyed by
// kind and id. UpdateStatus merges fields into the record and moves its status.
type Store interface {
	Put(ctx context.Context, record Record) error
	Get(ctx context.Context, kind Kind, id string) (Record, error)
	UpdateStatus(ctx context.Context, kind Kind, id string, status Status, fields map[string]any) error
	List(ctx context.Context, kind Kind, runID string) ([]Record, error)
	Close() error
}

func unavailable(operation string, err error) error {
	return fmt.Errorf("%w: %s: %w", pipeline.ErrStoreUnavailable, operation, err)
}

func mergeFields(existing map[string]any, updates map[string]any) map[string]any {
	merged := maps.Clone(existing)
	if merged == nil {
		merged = map[string]any{}
	}
	maps.Copy(merged, updates)
	return merged
}
