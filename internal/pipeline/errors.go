package pipeline

import (
	"context"
	"errors"
	"fmt"
)

// Error taxonomy shared by stages, collaborators and the orchestrator.
var (
	ErrValidation              = errors.New("validation error")
	ErrCollaboratorUnavailable = errors.New("collaborator unavailable")
	ErrCollaboratorTimeout     = errors.New("collaborator timeout")
	ErrCollaboratorRejected    = errors.New("collaborator rejected the request")
	ErrStoreUnavailable        = errors.New("store unavailable")
	ErrFatalStage              = errors.New("fatal stage error")
	ErrRunCancelled            = errors.New("run cancelled")
	ErrUndeclaredRead          = errors.New("stage read outside its declared dependencies")
)

const (
	ReasonValidation              = "validation_error"
	ReasonCollaboratorUnavailable = "collaborator_unavailable"
	ReasonCollaboratorTimeout     = "collaborator_timeout"
	ReasonStoreUnavailable        = "store_unavailable"
	ReasonRunCancelled            = "run_cancelled"
	ReasonFatalStage              = "fatal_stage_error"
)

// ValidationError reports malformed input detected before the first stage runs.
type ValidationError struct {
	Field   string
	Problem string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("%s: %s", ErrValidation, e.Problem)
	}
	return fmt.Sprintf("%s: %s: %s", ErrValidation, e.Field, e.Problem)
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

// NewValidationError builds a ValidationError for the named input field.
func NewValidationError(field string, problem string) error {
	return &ValidationError{Field: field, Problem: problem}
}

// Unavailable wraps err so that it classifies as ErrCollaboratorUnavailable.
func Unavailable(err error) error {
	if err == nil || errors.Is(err, ErrCollaboratorUnavailable) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrCollaboratorUnavailable, err)
}

// Rejected wraps err so that it classifies as ErrCollaboratorUnavailable but
// is not retried. Authentication and authorization failures use it.
func Rejected(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %w: %w", ErrCollaboratorUnavailable, ErrCollaboratorRejected, err)
}

// Classify maps an error onto the taxonomy reason recorded in an Outcome.
func Classify(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrValidation):
		return ReasonValidation
	case errors.Is(err, ErrRunCancelled), errors.Is(err, context.Canceled):
		return ReasonRunCancelled
	case errors.Is(err, ErrCollaboratorTimeout), errors.Is(err, context.DeadlineExceeded):
		return ReasonCollaboratorTimeout
	case errors.Is(err, ErrCollaboratorUnavailable):
		return ReasonCollaboratorUnavailable
	case errors.Is(err, ErrStoreUnavailable):
		return ReasonStoreUnavailable
	default:
		return ReasonFatalStage
	}
}

func retryable(err error) bool {
	if errors.Is(err, ErrCollaboratorRejected) {
		return false
	}
	reason := Classify(err)
	return reason == ReasonCollaboratorUnavailable || reason == ReasonCollaboratorTimeout || reason == ReasonStoreUnavailable
}
