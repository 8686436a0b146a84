package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"google.golang.org/genai"

	"github.com/temirov/llm-pipelines/internal/pipeline"
)

const (
	defaultGeminiModel = "gemini-2.5-flash"
	jsonMIMEType       = "application/json"
)

// GeminiClient is a pipeline.Reasoner backed by the Gemini API.
type GeminiClient struct {
	client        *genai.Client
	DefaultModel  string
	DefaultTemp   float64
	DefaultTokens int
}

func NewGeminiClient(ctx context.Context, apiKey string, model string) (*GeminiClient, error) {
	if strings.TrimSpace(apiKey) == "" {
		return nil, errors.New("gemini API key is required")
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{APIKey: apiKey, Backend: genai.BackendGeminiAPI})
	if err != nil {
		return nil, fmt.Errorf("create gemini client: %w", err)
	}
	if model == "" {
		model = defaultGeminiModel
	}
	return &GeminiClient{client: client, DefaultModel: model}, nil
}

func (g *GeminiClient) Complete(ctx context.Context, request pipeline.CompletionRequest) (string, error) {
	model := strings.TrimSpace(request.ModelID)
	if model == "" {
		model = g.DefaultModel
	}
	generateConfig := &genai.GenerateContentConfig{}
	if systemPrompt := strings.TrimSpace(request.SystemPrompt); systemPrompt != "" {
		generateConfig.SystemInstruction = genai.NewContentFromText(systemPrompt, genai.RoleUser)
	}
	if temperature := chooseFloat(request.Temperature, g.DefaultTemp); temperature > 0 {
		generateConfig.Temperature = genai.Ptr(float32(temperature))
	}
	if tokens := chooseInt(request.MaxTokens, g.DefaultTokens); tokens > 0 {
		generateConfig.MaxOutputTokens = int32(tokens)
	}
	if len(request.JSONSchema) > 0 {
		generateConfig.ResponseMIMEType = jsonMIMEType
		generateConfig.ResponseJsonSchema = json.RawMessage(request.JSONSchema)
	}

	response, err := g.client.Models.GenerateContent(ctx, model, genai.Text(request.Prompt), generateConfig)
	if err != nil {
		return "", classifyGeminiError(ctx, err)
	}
	text := strings.TrimSpace(response.Text())
	if text == "" {
		return "", pipeline.Unavailable(errors.New("gemini returned an empty reply"))
	}
	return text, nil
}

func classifyGeminiError(ctx context.Context, err error) error {
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		return classifyStatus(&StatusError{StatusCode: apiErr.Code, Body: apiErr.Message}, "gemini generate")
	}
	return classifyTransportError(ctx, fmt.Errorf("gemini generate: %w", err))
}
