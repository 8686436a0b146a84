package retrieval_test

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/temirov/llm-pipelines/internal/pipeline"
	"github.com/temirov/llm-pipelines/internal/retrieval"
)

// vectorEmbedder maps known texts to fixed vectors.
type vectorEmbedder map[string][]float32

func (v vectorEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	vector, ok := v[text]
	if !ok {
		return nil, errors.New("unknown text")
	}
	return vector, nil
}

type brokenIndex struct{}

func (brokenIndex) Index(context.Context, retrieval.Document, []float32) error {
	return errors.New("disk full")
}
func (brokenIndex) Search(context.Context, []float32, int) ([]retrieval.Hit, error) {
	return nil, errors.New("connection reset")
}
func (brokenIndex) Len(context.Context) (int, error) { return 0, errors.New("connection reset") }

var corpusVectors = vectorEmbedder{
	"query":      {1, 0},
	"twin-one":   {1, 1},
	"twin-two":   {1, 1},
	"exact":      {1, 0},
	"orthogonal": {0, 1},
	"far":        {-1, 0.1},
	"mid":        {1, 0.5},
	"low":        {1, 3},
}

func indexes(t *testing.T) map[string]retrieval.Index {
	t.Helper()
	sqliteIndex, err := retrieval.OpenSQLiteIndex(filepath.Join(t.TempDir(), "index.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = sqliteIndex.Close() })
	return map[string]retrieval.Index{
		"memory": retrieval.NewMemoryIndex(),
		"sqlite": sqliteIndex,
	}
}

func seed(t *testing.T, retriever retrieval.Retriever, ids ...string) {
	t.Helper()
	for _, id := range ids {
		require.NoError(t, retriever.Add(context.Background(), retrieval.Document{ID: id, Content: id, Source: "corpus/" + id}))
	}
}

func TestRetriever_OrdersByScoreWithStableTies(t *testing.T) {
	for name, index := range indexes(t) {
		t.Run(name, func(t *testing.T) {
			retriever := retrieval.Retriever{Embedder: corpusVectors, Index: index, MaxK: 10}
			seed(t, retriever, "orthogonal", "twin-one", "exact", "twin-two", "far", "mid", "low")

			passages, err := retriever.Retrieve(context.Background(), "query", 5)
			require.NoError(t, err)
			require.Len(t, passages, 5)

			ids := make([]string, 0, len(passages))
			for _, passage := range passages {
				ids = append(ids, passage.DocumentID)
			}
			// twin-one and twin-two have identical cosine similarity; the
			// first indexed wins.
			assert.Equal(t, []string{"exact", "mid", "twin-one", "twin-two", "low"}, ids)
			for index := 1; index < len(passages); index++ {
				assert.GreaterOrEqual(t, passages[index-1].Score, passages[index].Score)
			}
			assert.Equal(t, "corpus/exact", passages[0].Source)
		})
	}
}

func TestRetriever_BoundsK(t *testing.T) {
	retriever := retrieval.Retriever{Embedder: corpusVectors, Index: retrieval.NewMemoryIndex(), MaxK: 2}
	seed(t, retriever, "exact", "mid", "low", "far")

	passages, err := retriever.Retrieve(context.Background(), "query", 50)
	require.NoError(t, err)
	assert.Len(t, passages, 2)

	passages, err = retriever.Retrieve(context.Background(), "query", 0)
	require.NoError(t, err)
	assert.Len(t, passages, 2)

	passages, err = retriever.Retrieve(context.Background(), "query", 1)
	require.NoError(t, err)
	assert.Len(t, passages, 1)
}

func TestRetriever_EmptyIndex(t *testing.T) {
	retriever := retrieval.Retriever{Embedder: corpusVectors, Index: retrieval.NewMemoryIndex()}
	passages, err := retriever.Retrieve(context.Background(), "query", 3)
	require.NoError(t, err)
	assert.Empty(t, passages)
}

func TestRetriever_FailuresReturnEmptyAndClassifiedError(t *testing.T) {
	testCases := map[string]retrieval.Retriever{
		"index down":     {Embedder: corpusVectors, Index: brokenIndex{}},
		"embedder fails": {Embedder: corpusVectors, Index: retrieval.NewMemoryIndex()},
		"not configured": {},
	}
	for name, retriever := range testCases {
		t.Run(name, func(t *testing.T) {
			query := "query"
			if name == "embedder fails" {
				query = "unknown"
			}
			passages, err := retriever.Retrieve(context.Background(), query, 3)
			require.Error(t, err)
			assert.NotNil(t, passages)
			assert.Empty(t, passages)
			assert.True(t, errors.Is(err, pipeline.ErrStoreUnavailable), "err = %v", err)
		})
	}
}

func TestSQLiteIndex_UpsertKeepsPositionAndPersists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "persist.db")
	index, err := retrieval.OpenSQLiteIndex(path)
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, index.Index(ctx, retrieval.Document{ID: "a", Content: "first", Source: "s"}, []float32{1, 1}))
	require.NoError(t, index.Index(ctx, retrieval.Document{ID: "b", Content: "second", Source: "s"}, []float32{1, 1}))
	require.NoError(t, index.Index(ctx, retrieval.Document{ID: "a", Content: "first, revised", Source: "s"}, []float32{1, 1}))
	require.NoError(t, index.Close())

	reopened, err := retrieval.OpenSQLiteIndex(path)
	require.NoError(t, err)
	defer reopened.Close()

	count, err := reopened.Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	hits, err := reopened.Search(ctx, []float32{1, 1}, 5)
	require.NoError(t, err)
	require.Len(t, hits, 2)
	assert.Equal(t, "a", hits[0].Document.ID)
	assert.Equal(t, "first, revised", hits[0].Document.Content)
}

func TestHashEmbedder(t *testing.T) {
	embedder := retrieval.HashEmbedder{Dimensions: 64}
	first, err := embedder.Embed(context.Background(), "GST rate on services is 18%")
	require.NoError(t, err)
	second, err := embedder.Embed(context.Background(), "gst RATE on services is 18")
	require.NoError(t, err)
	assert.Len(t, first, 64)
	assert.InDelta(t, 1.0, retrieval.Cosine(first, second), 1e-6)

	unrelated, err := embedder.Embed(context.Background(), "court litigation notice")
	require.NoError(t, err)
	assert.Less(t, retrieval.Cosine(first, unrelated), 0.5)

	empty, err := embedder.Embed(context.Background(), "")
	require.NoError(t, err)
	assert.Equal(t, 0.0, retrieval.Cosine(first, empty))
}

func TestContextBuilder_RespectsTokenBudget(t *testing.T) {
	builder, err := retrieval.NewContextBuilder(0)
	require.NoError(t, err)
	passages := []retrieval.Passage{
		{Content: strings.Repeat("tax regulation ", 20), Source: "gst.md"},
		{Content: strings.Repeat("deduction rule ", 20), Source: "tds.md"},
	}
	full := builder.Build(passages)
	assert.Contains(t, full, "[gst.md]")
	assert.Contains(t, full, "[tds.md]")

	builder.MaxTokens = builder.Count(full) / 3
	trimmed := builder.Build(passages)
	assert.LessOrEqual(t, builder.Count(trimmed), builder.MaxTokens+1)
	assert.NotContains(t, trimmed, "[tds.md]")
}
