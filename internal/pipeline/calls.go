package pipeline

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"slices"
	"sync"
	"time"
)

// CallTarget names the kind of external collaborator a call went to.
type CallTarget string

const (
	TargetReasoning CallTarget = "reasoning"
	TargetRetrieval CallTarget = "retrieval"
)

const inputDigestLength = 16

// CallRecord describes one external collaborator call made during a run.
// Records live only as long as the Outcome that carries them.
type CallRecord struct {
	Stage       string        `json:"stage"`
	Target      CallTarget    `json:"target"`
	InputDigest string        `json:"input_digest"`
	Latency     time.Duration `json:"latency"`
	Succeeded   bool          `json:"succeeded"`
	Error       string        `json:"error,omitempty"`
}

type callRecorder struct {
	mu      sync.Mutex
	records []CallRecord
}

func (r *callRecorder) add(record CallRecord) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records = append(r.records, record)
}

func (r *callRecorder) snapshot() []CallRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.records)
}

// Digest returns the shortened sha256 of a collaborator input.
func Digest(input string) string {
	sum := sha256.Sum256([]byte(input))
	return hex.EncodeToString(sum[:])[:inputDigestLength]
}

// Call runs fn as a collaborator call and records its latency and result.
func (in Inputs) Call(target CallTarget, input string, fn func() error) error {
	started := time.Now()
	callErr := fn()
	record := CallRecord{
		Stage:       in.stage,
		Target:      target,
		InputDigest: Digest(input),
		Latency:     time.Since(started),
		Succeeded:   callErr == nil,
	}
	if callErr != nil {
		record.Error = callErr.Error()
	}
	if in.recorder != nil {
		in.recorder.add(record)
	}
	return callErr
}

// Complete sends request to reasoner and records the call.
func (in Inputs) Complete(ctx context.Context, reasoner Reasoner, request CompletionRequest) (string, error) {
	var completion string
	callErr := in.Call(TargetReasoning, request.SystemPrompt+"\n"+request.Prompt, func() error {
		text, err := reasoner.Complete(ctx, request)
		completion = text
		return err
	})
	return completion, callErr
}

// Calls returns the records made through this view so far.
func (in Inputs) Calls() []CallRecord {
	if in.recorder == nil {
		return nil
	}
	return in.recorder.snapshot()
}
