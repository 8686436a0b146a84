package llm

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/temirov/llm-pipelines/internal/pipeline"
)

const codeFence = "```"

// Checker is implemented by reply types with fields the model must supply.
// DecodeStructured calls Check on the decoded value.
type Checker interface {
	Check() error
}

// DecodeStructured decodes a model reply into T. Replies wrapped in markdown
// code fences or surrounded by prose are tolerated; unknown fields are not.
// A reply that cannot be decoded, or that fails its Check, classifies as
// ErrCollaboratorUnavailable.
func DecodeStructured[T any](reply string) (T, error) {
	var decoded T
	body := extractJSONBody(reply)
	if body == "" {
		return decoded, pipeline.Unavailable(fmt.Errorf("structured output: no JSON in reply %q", truncateForLog(reply, fragmentLogLimit)))
	}
	decoder := json.NewDecoder(bytes.NewReader([]byte(body)))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&decoded); err != nil {
		return decoded, pipeline.Unavailable(fmt.Errorf("structured output: %w", err))
	}
	if checker, ok := any(&decoded).(Checker); ok {
		if err := checker.Check(); err != nil {
			return decoded, pipeline.Unavailable(fmt.Errorf("structured output: %w", err))
		}
	}
	return decoded, nil
}

func extractJSONBody(reply string) string {
	trimmed := strings.TrimSpace(reply)
	if strings.HasPrefix(trimmed, codeFence) {
		trimmed = strings.TrimPrefix(trimmed, codeFence)
		if newline := strings.IndexByte(trimmed, '\n'); newline >= 0 {
			trimmed = trimmed[newline+1:]
		}
		trimmed = strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(trimmed), codeFence))
	}
	if json.Valid([]byte(trimmed)) {
		return trimmed
	}
	start := strings.IndexAny(trimmed, "{[")
	if start < 0 {
		return ""
	}
	closing := byte('}')
	if trimmed[start] == '[' {
		closing = ']'
	}
	end := strings.LastIndexByte(trimmed, closing)
	if end <= start {
		return ""
	}
	return trimmed[start : end+1]
}
