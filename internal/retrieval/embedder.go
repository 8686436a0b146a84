package retrieval

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"math"
	"strings"
	"unicode"

	"google.golang.org/genai"
)

const (
	defaultHashDimensions      = 256
	defaultGenAIModel          = "gemini-embedding-001"
	genAITaskRetrievalDocument = "RETRIEVAL_DOCUMENT"
)

// Embedder turns text into a vector.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// HashEmbedder is a deterministic bag-of-words embedder that needs no
// network. Each lowercased token is hashed into a bucket and the vector is
// L2-normalised.
type HashEmbedder struct {
	Dimensions int
}

func (h HashEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	dimensions := h.Dimensions
	if dimensions <= 0 {
		dimensions = defaultHashDimensions
	}
	vector := make([]float32, dimensions)
	tokens := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	for _, token := range tokens {
		hasher := fnv.New32a()
		_, _ = hasher.Write([]byte(token))
		vector[hasher.Sum32()%uint32(dimensions)]++
	}
	normalize(vector)
	return vector, nil
}

func normalize(vector []float32) {
	var sum float64
	for _, value := range vector {
		sum += float64(value) * float64(value)
	}
	if sum == 0 {
		return
	}
	norm := float32(math.Sqrt(sum))
	for index := range vector {
		vector[index] /= norm
	}
}

// GenAIEmbedder embeds text with the Gemini embeddings API.
type GenAIEmbedder struct {
	client   *genai.Client
	model    string
	taskType string
}

func NewGenAIEmbedder(ctx context.Context, apiKey string, model string) (*GenAIEmbedder, error) {
	if apiKey == "" {
		return nil, errors.New("genai API key is required")
	}
	if model == "" {
		model = defaultGenAIModel
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{APIKey: apiKey, Backend: genai.BackendGeminiAPI})
	if err != nil {
		return nil, fmt.Errorf("create genai client: %w", err)
	}
	return &GenAIEmbedder{client: client, model: model, taskType: genAITaskRetrievalDocument}, nil
}

func (g *GenAIEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	contents := []*genai.Content{genai.NewContentFromText(text, genai.RoleUser)}
	result, err := g.client.Models.EmbedContent(ctx, g.model, contents, &genai.EmbedContentConfig{TaskType: g.taskType})
	if err != nil {
		return nil, fmt.Errorf("genai embed: %w", err)
	}
	if len(result.Embeddings) == 0 {
		return nil, errors.New("genai embed: no embeddings returned")
	}
	return result.Embeddings[0].Values, nil
}

// Cosine returns the cosine similarity of two vectors, or 0 when either is
// empty, zero or the lengths differ.
func Cosine(a []float32, b []float32) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, normA, normB float64
	for index := range a {
		dot += float64(a[index]) * float64(b[index])
		normA += float64(a[index]) * float64(a[index])
		normB += float64(b[index]) * float64(b[index])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}
