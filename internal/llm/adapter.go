package llm

import (
	"context"
	"strings"

	"github.com/temirov/llm-pipelines/internal/pipeline"
)

const (
	roleSystem               = "system"
	roleUser                 = "user"
	responseTypeJSONSchema   = "json_schema"
	defaultSchemaName        = "stage_output"
	serverDefaultTemperature = 1.0
)

// Adapter exposes the HTTP Client as a pipeline.Reasoner.
type Adapter struct {
	Client        Client
	DefaultModel  string
	DefaultTemp   float64
	DefaultTokens int
}

func (a Adapter) Complete(ctx context.Context, request pipeline.CompletionRequest) (string, error) {
	model := strings.TrimSpace(request.ModelID)
	if model == "" {
		model = a.DefaultModel
	}

	chatRequest := ChatCompletionRequest{
		Model:               model,
		MaxCompletionTokens: chooseInt(request.MaxTokens, a.DefaultTokens),
	}
	if systemPrompt := strings.TrimSpace(request.SystemPrompt); systemPrompt != "" {
		chatRequest.Messages = append(chatRequest.Messages, ChatMessage{Role: roleSystem, Content: systemPrompt})
	}
	chatRequest.Messages = append(chatRequest.Messages, ChatMessage{Role: roleUser, Content: strings.TrimSpace(request.Prompt)})

	// Several hosted models reject any temperature except the server default.
	resolvedTemp := chooseFloat(request.Temperature, a.DefaultTemp)
	if resolvedTemp != 0 && resolvedTemp != serverDefaultTemperature {
		chatRequest.Temperature = &resolvedTemp
	}

	if len(request.JSONSchema) > 0 {
		name := request.SchemaName
		if name == "" {
			name = defaultSchemaName
		}
		chatRequest.ResponseFormat = &responseFormat{
			Type:       responseTypeJSONSchema,
			JSONSchema: &jsonSchemaWrapper{Name: name, Schema: request.JSONSchema, Strict: true},
		}
	}

	return a.Client.CreateChatCompletion(ctx, chatRequest)
}

func chooseInt(a, b int) int {
	if a > 0 {
		return a
	}
	return b
}

func chooseFloat(a, b float64) float64 {
	if a > 0 {
		return a
	}
	return b
}
