package pipeline

import "time"

// Status is the terminal state of a run.
type Status string

const (
	StatusCompleted             Status = "completed"
	StatusCompletedWithWarnings Status = "completed_with_warnings"
	StatusAborted               Status = "aborted"
)

// StageReport summarises how a single stage went.
type StageReport struct {
	Stage    string        `json:"stage"`
	Policy   Policy        `json:"policy"`
	Result   string        `json:"result"`
	Attempts int           `json:"attempts"`
	Duration time.Duration `json:"duration"`
	Error    string        `json:"error,omitempty"`
}

// Outcome is the finalized record of one pipeline run.
type Outcome struct {
	RunID     string
	Pipeline  string
	Status    Status
	AbortedAt string
	Reason    string
	Err       error
	Context   *Context
	Elapsed   time.Duration
	Calls     []CallRecord
	Stages    []StageReport
}

func (o Outcome) Succeeded() bool { return o.Status != StatusAborted }

func (o Outcome) Warnings() []Warning {
	if o.Context == nil {
		return nil
	}
	return o.Context.Warnings()
}

// ErrorMessage renders the abort cause for boundary responses.
func (o Outcome) ErrorMessage() string {
	if o.Status != StatusAborted {
		return ""
	}
	message := o.AbortedAt + ": " + o.Reason
	if o.Err != nil {
		message += ": " + o.Err.Error()
	}
	return message
}

// Compiler turns a finalized Outcome into the externally visible report.
type Compiler[R any] interface {
	Compile(outcome Outcome) R
}
