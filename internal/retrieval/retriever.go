package retrieval

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/tiktoken-go/tokenizer"

	"github.com/temirov/llm-pipelines/internal/pipeline"
)

const (
	DefaultMaxK          = 5
	passageSeparator     = "\n---\n"
	sourceLineFormat     = "[%s] %s"
	defaultTokenEncoding = tokenizer.Cl100kBase
)

// Passage is a retrieved piece of supporting context.
type Passage struct {
	DocumentID string  `json:"document_id"`
	Content    string  `json:"content"`
	Score      float64 `json:"score"`
	Source     string  `json:"source"`
}

// Retriever embeds queries and searches an Index. It never panics on
// collaborator failure: callers get an empty slice and a classified error.
type Retriever struct {
	Embedder Embedder
	Index    Index
	MaxK     int
}

// Retrieve returns up to k passages for query. k is clamped to MaxK; a
// non-positive k means MaxK.
func (r Retriever) Retrieve(ctx context.Context, query string, k int) ([]Passage, error) {
	limit := r.maxK()
	if k > 0 && k < limit {
		limit = k
	}
	if r.Embedder == nil || r.Index == nil {
		return []Passage{}, fmt.Errorf("%w: retriever is not configured", pipeline.ErrStoreUnavailable)
	}
	embedding, err := r.Embedder.Embed(ctx, query)
	if err != nil {
		return []Passage{}, classifyRetrievalError(ctx, fmt.Errorf("embed query: %w", err))
	}
	hits, err := r.Index.Search(ctx, embedding, limit)
	if err != nil {
		return []Passage{}, classifyRetrievalError(ctx, err)
	}
	passages := make([]Passage, 0, len(hits))
	for _, hit := range hits {
		passages = append(passages, Passage{
			DocumentID: hit.Document.ID,
			Content:    hit.Document.Content,
			Score:      hit.Score,
			Source:     hit.Document.Source,
		})
	}
	return passages, nil
}

// Add embeds and indexes documents in order.
func (r Retriever) Add(ctx context.Context, documents ...Document) error {
	for _, document := range documents {
		embedding, err := r.Embedder.Embed(ctx, document.Content)
		if err != nil {
			return classifyRetrievalError(ctx, fmt.Errorf("embed %s: %w", document.ID, err))
		}
		if err := r.Index.Index(ctx, document, embedding); err != nil {
			return classifyRetrievalError(ctx, err)
		}
	}
	return nil
}

func (r Retriever) maxK() int {
	if r.MaxK > 0 {
		return r.MaxK
	}
	return DefaultMaxK
}

func classifyRetrievalError(ctx context.Context, err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w: %w", pipeline.ErrCollaboratorTimeout, err)
	}
	return fmt.Errorf("%w: %w", pipeline.ErrStoreUnavailable, err)
}

// ContextBuilder renders passages into prompt context under a token budget.
type ContextBuilder struct {
	codec     tokenizer.Codec
	MaxTokens int
}

func NewContextBuilder(maxTokens int) (*ContextBuilder, error) {
	codec, err := tokenizer.Get(defaultTokenEncoding)
	if err != nil {
		return nil, fmt.Errorf("load tokenizer: %w", err)
	}
	return &ContextBuilder{codec: codec, MaxTokens: maxTokens}, nil
}

// Build joins passages in rank order. The passage that crosses the budget is
// truncated at a token boundary and later passages are dropped.
func (b *ContextBuilder) Build(passages []Passage) string {
	var sections []string
	used := 0
	for _, passage := range passages {
		section := fmt.Sprintf(sourceLineFormat, passage.Source, strings.TrimSpace(passage.Content))
		ids, _, err := b.codec.Encode(section)
		if err != nil {
			continue
		}
		if b.MaxTokens > 0 && used+len(ids) > b.MaxTokens {
			remaining := b.MaxTokens - used
			if remaining > 0 {
				if truncated, decodeErr := b.codec.Decode(ids[:remaining]); decodeErr == nil {
					sections = append(sections, truncated)
				}
			}
			break
		}
		used += len(ids)
		sections = append(sections, section)
	}
	return strings.Join(sections, passageSeparator)
}

// Count reports the token length of text.
func (b *ContextBuilder) Count(text string) int {
	ids, _, err := b.codec.Encode(text)
	if err != nil {
		return 0
	}
	return len(ids)
}
