package retrieval

import (
	"context"
	"slices"
	"sync"
)

// Document is one indexed unit of the retrieval corpus.
type Document struct {
	ID      string `json:"id"`
	Content string `json:"content"`
	Source  string `json:"source"`
}

// Hit is a ranked search match.
type Hit struct {
	Document Document
	Score    float64
}

// Index is the similarity-search collaborator. Search returns at most k hits
// ordered by descending score; equal scores keep indexing order. Indexing an
// existing id replaces its content but keeps its original position.
type Index interface {
	Index(ctx context.Context, document Document, embedding []float32) error
	Search(ctx context.Context, embedding []float32, k int) ([]Hit, error)
	Len(ctx context.Context) (int, error)
}

type indexedDocument struct {
	document  Document
	embedding []float32
}

// MemoryIndex keeps the corpus in process memory.
type MemoryIndex struct {
	mu        sync.RWMutex
	documents []indexedDocument
	positions map[string]int
}

func NewMemoryIndex() *MemoryIndex {
	return &MemoryIndex{positions: map[string]int{}}
}

func (m *MemoryIndex) Index(_ context.Context, document Document, embedding []float32) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry := indexedDocument{document: document, embedding: slices.Clone(embedding)}
	if position, exists := m.positions[document.ID]; exists {
		m.documents[position] = entry
		return nil
	}
	m.positions[document.ID] = len(m.documents)
	m.documents = append(m.documents, entry)
	return nil
}

func (m *MemoryIndex) Search(_ context.Context, embedding []float32, k int) ([]Hit, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	hits := make([]Hit, 0, len(m.documents))
	for _, entry := range m.documents {
		hits = append(hits, Hit{Document: entry.document, Score: Cosine(embedding, entry.embedding)})
	}
	return rank(hits, k), nil
}

func (m *MemoryIndex) Len(context.Context) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.documents), nil
}

// rank orders hits, given in indexing order, by descending score and keeps k.
func rank(hits []Hit, k int) []Hit {
	slices.SortStableFunc(hits, func(a, b Hit) int {
		switch {
		case a.Score > b.Score:
			return -1
		case a.Score < b.Score:
			return 1
		default:
			return 0
		}
	})
	if k >= 0 && len(hits) > k {
		hits = hits[:k]
	}
	return hits
}
