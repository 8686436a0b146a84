package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/temirov/llm-pipelines/internal/pipeline"
)

const (
	chatCompletionsPath = "/chat/completions"
	bodyPreviewLimit    = 512
	fragmentLogLimit    = 240
	refusalLogLimit     = 200
)

// Client talks to any OpenAI-compatible chat completions endpoint.
type Client struct {
	HTTPBaseURL string
	APIKey      string
	HTTPClient  *http.Client
}

type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type ChatCompletionRequest struct {
	Model               string          `json:"model"`
	Messages            []ChatMessage   `json:"messages"`
	MaxCompletionTokens int             `json:"max_completion_tokens,omitempty"`
	Temperature         *float64        `json:"temperature,omitempty"`
	ResponseFormat      *responseFormat `json:"response_format,omitempty"`
}

type responseFormat struct {
	Type       string             `json:"type"`
	JSONSchema *jsonSchemaWrapper `json:"json_schema,omitempty"`
}

type jsonSchemaWrapper struct {
	Name   string          `json:"name"`
	Schema json.RawMessage `json:"schema"`
	Strict bool            `json:"strict,omitempty"`
}

type chatMessageResponse struct {
	Role      string          `json:"role"`
	Content   json.RawMessage `json:"content"`
	Refusal   json.RawMessage `json:"refusal,omitempty"`
	ToolCalls json.RawMessage `json:"tool_calls,omitempty"`
}

type chatCompletionChoice struct {
	Message      chatMessageResponse `json:"message"`
	FinishReason string              `json:"finish_reason"`
}

type ChatCompletionResponse struct {
	Choices []chatCompletionChoice `json:"choices"`
}

// StatusError is a non-2xx reply from the completion endpoint.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("llm http error %d: %s", e.StatusCode, e.Body)
}

// Transient reports whether retrying the same request may succeed.
func (e *StatusError) Transient() bool {
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= http.StatusInternalServerError
}

// Unauthorized reports a rejected or missing credential.
func (e *StatusError) Unauthorized() bool {
	return e.StatusCode == http.StatusUnauthorized || e.StatusCode == http.StatusForbidden
}

// classifyStatus maps a non-2xx reply onto the pipeline error taxonomy.
// Auth failures make the collaborator unavailable without being retried.
func classifyStatus(err *StatusError, operation string) error {
	wrapped := fmt.Errorf("%s: %w", operation, err)
	switch {
	case err.Unauthorized():
		return pipeline.Rejected(wrapped)
	case err.Transient():
		return pipeline.Unavailable(wrapped)
	default:
		return wrapped
	}
}

func truncateForLog(s string, limit int) string {
	runes := []rune(s)
	if len(runes) <= limit {
		return s
	}
	return string(runes[:limit]) + "…"
}

// CreateChatCompletion posts the request and returns the trimmed assistant
// text. Errors are classified into the pipeline error taxonomy.
func (c Client) CreateChatCompletion(ctx context.Context, requestPayload ChatCompletionRequest) (string, error) {
	requestBytes, marshalErr := json.Marshal(requestPayload)
	if marshalErr != nil {
		return "", fmt.Errorf("encode chat completion: %w", marshalErr)
	}
	httpRequest, buildErr := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimRight(c.HTTPBaseURL, "/")+chatCompletionsPath, bytes.NewReader(requestBytes))
	if buildErr != nil {
		return "", fmt.Errorf("build chat completion request: %w", buildErr)
	}
	httpRequest.Header.Set("Content-Type", "application/json")
	httpRequest.Header.Set("Authorization", "Bearer "+c.APIKey)

	httpResponse, httpErr := c.httpClient().Do(httpRequest)
	if httpErr != nil {
		return "", classifyTransportError(ctx, httpErr)
	}
	defer func(closer io.ReadCloser) { _ = closer.Close() }(httpResponse.Body)

	bodyBytes, readErr := io.ReadAll(httpResponse.Body)
	if readErr != nil {
		return "", classifyTransportError(ctx, readErr)
	}
	bodyPreview := truncateForLog(string(bodyBytes), bodyPreviewLimit)

	if httpResponse.StatusCode < 200 || httpResponse.StatusCode >= 300 {
		return "", classifyStatus(&StatusError{StatusCode: httpResponse.StatusCode, Body: bodyPreview}, "chat completion")
	}

	var completion ChatCompletionResponse
	if decodeErr := json.Unmarshal(bodyBytes, &completion); decodeErr != nil {
		return "", pipeline.Unavailable(fmt.Errorf("decode chat completion: %w (body=%s)", decodeErr, bodyPreview))
	}
	if len(completion.Choices) == 0 {
		return "", pipeline.Unavailable(fmt.Errorf("chat completion returned no choices (body=%s)", bodyPreview))
	}

	choice := completion.Choices[0]
	content, extractErr := extractMessageContent(choice.Message)
	if extractErr != nil {
		return "", pipeline.Unavailable(fmt.Errorf("chat completion parse error: %w", extractErr))
	}
	trimmed := strings.TrimSpace(content)
	if trimmed == "" {
		if refusal := decodeRefusal(choice.Message.Refusal); refusal != "" {
			return "", pipeline.Unavailable(fmt.Errorf("chat completion refusal: %s", refusal))
		}
		return "", pipeline.Unavailable(fmt.Errorf("chat completion returned empty message (finish_reason=%s)", choice.FinishReason))
	}
	return trimmed, nil
}

func (c Client) httpClient() *http.Client {
	if c.HTTPClient != nil {
		return c.HTTPClient
	}
	return http.DefaultClient
}

func classifyTransportError(ctx context.Context, err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w: %w", pipeline.ErrCollaboratorTimeout, err)
	}
	return pipeline.Unavailable(err)
}

func extractMessageContent(message chatMessageResponse) (string, error) {
	if len(message.Content) == 0 || string(message.Content) == "null" {
		if refusal := decodeRefusal(message.Refusal); refusal != "" {
			return "", fmt.Errorf("refusal: %s", refusal)
		}
		return "", nil
	}

	var asString string
	if err := json.Unmarshal(message.Content, &asString); err == nil {
		return asString, nil
	}
	if text, ok := extractRichText(message.Content); ok {
		return text, nil
	}
	if refusal := decodeRefusal(message.Refusal); refusal != "" {
		return "", fmt.Errorf("refusal: %s", refusal)
	}
	if len(message.ToolCalls) > 0 && string(message.ToolCalls) != "null" {
		return "", fmt.Errorf("unexpected tool_calls: %s", truncateForLog(string(message.ToolCalls), fragmentLogLimit))
	}
	return "", fmt.Errorf("unsupported message content: %s", truncateForLog(string(message.Content), fragmentLogLimit))
}

func extractRichText(raw json.RawMessage) (string, bool) {
	var data any
	if err := json.Unmarshal(raw, &data); err != nil {
		return "", false
	}
	combined := strings.TrimSpace(strings.Join(flattenText(data), "\n"))
	return combined, combined != ""
}

// flattenText collects text parts from content arrays such as
// [{"type":"output_text","text":"..."}].
func flattenText(value any) []string {
	switch typed := value.(type) {
	case string:
		if trimmed := strings.TrimSpace(typed); trimmed != "" {
			return []string{trimmed}
		}
		return nil
	case []any:
		var collected []string
		for _, item := range typed {
			collected = append(collected, flattenText(item)...)
		}
		return collected
	case map[string]any:
		for _, key := range []string{"text", "content", "value"} {
			if nested, ok := typed[key]; ok {
				return flattenText(nested)
			}
		}
		return nil
	default:
		return nil
	}
}

func decodeRefusal(raw json.RawMessage) string {
	if len(raw) == 0 || string(raw) == "null" {
		return ""
	}
	var refusal string
	if err := json.Unmarshal(raw, &refusal); err == nil {
		return strings.TrimSpace(refusal)
	}
	if text, ok := extractRichText(raw); ok {
		return text
	}
	return strings.TrimSpace(truncateForLog(string(raw), refusalLogLimit))
}
