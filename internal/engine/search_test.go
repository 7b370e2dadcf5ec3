package engine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mnemosyne/core/internal/config"
	"github.com/mnemosyne/core/internal/storage"
	"github.com/mnemosyne/core/pkg/types"
)

// fakeEmbedder returns a fixed vector per input text, used to drive
// vector scoring deterministically in tests without a real model.
type fakeEmbedder struct {
	vectors map[string][]float32
	dim     int
}

func (f *fakeEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if v, ok := f.vectors[text]; ok {
		return v, nil
	}
	return make([]float32, f.dim), nil
}

func (f *fakeEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		v, _ := f.Embed(ctx, t)
		out[i] = v
	}
	return out, nil
}

func (f *fakeEmbedder) Dimensions() int { return f.dim }

var _ storage.Embedder = (*fakeEmbedder)(nil)

// fakeFTS returns fixed keyword hits regardless of query, used to
// exercise the lexical fan-out path deterministically.
type fakeFTS struct {
	hits []storage.ScoredID
	err  error
}

func (f *fakeFTS) Search(ctx context.Context, query string, limit int) ([]storage.ScoredID, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.hits, nil
}

var _ storage.FullTextSearcher = (*fakeFTS)(nil)

// TestRecallVectorRanksAboveKeywordMiss covers a memory with no lexical
// overlap on the query that still surfaces via its
// vector score, with keyword score reported as exactly 0.
func TestRecallVectorRanksAboveKeywordMiss(t *testing.T) {
	store := newFakeStore()
	m := mustMemory("rate-limit", 8, time.Now().Add(-time.Hour))
	m.Content = "Implemented rate limiting using token bucket, max 100 req/min per user"
	require.NoError(t, store.Put(context.Background(), &m))

	embedder := &fakeEmbedder{dim: 3, vectors: map[string][]float32{
		"How to handle too many requests?": {1, 0, 0},
		"Implemented rate limiting using token bucket, max 100 req/min per user": {1, 0, 0},
	}}
	vectors := newFakeVectorIndex(3)
	require.NoError(t, vectors.Upsert(context.Background(), "rate-limit", []float32{1, 0, 0}))

	searcher := NewSearcher(store, vectors, &fakeFTS{}, embedder, nil, config.DefaultWeights())
	results, err := searcher.Recall(context.Background(), "How to handle too many requests?", SearchOptions{Limit: 5})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "rate-limit", results[0].Memory.ID)
	assert.Greater(t, results[0].Scores.Vector, 0.0)
	assert.Equal(t, 0.0, results[0].Scores.Keyword)
}

// TestRecallLexicalFallbackWithoutEmbedder covers the case where, with
// the embedder unavailable (nil), the same memory still
// ranks first purely on its keyword score.
func TestRecallLexicalFallbackWithoutEmbedder(t *testing.T) {
	store := newFakeStore()
	m := mustMemory("rate-limit", 8, time.Now().Add(-time.Hour))
	m.Content = "Implemented rate limiting using token bucket"
	require.NoError(t, store.Put(context.Background(), &m))

	fts := &fakeFTS{hits: []storage.ScoredID{{ID: "rate-limit", Score: 0.9}}}
	searcher := NewSearcher(store, nil, fts, nil, nil, config.DefaultWeights())

	results, err := searcher.Recall(context.Background(), "rate limiting", SearchOptions{Limit: 5})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "rate-limit", results[0].Memory.ID)
	assert.Equal(t, 0.0, results[0].Scores.Vector)
	assert.Greater(t, results[0].Scores.Keyword, 0.0)
}

// TestRecallEmptyQueryReturnsRecent covers the boundary behavior: an
// empty query returns recent memories sorted by recency,
// without touching the vector/FTS fan-out at all.
func TestRecallEmptyQueryReturnsRecent(t *testing.T) {
	store := newFakeStore()
	older := mustMemory("older", 5, time.Now().Add(-48*time.Hour))
	newer := mustMemory("newer", 5, time.Now().Add(-1*time.Hour))
	require.NoError(t, store.Put(context.Background(), &older))
	require.NoError(t, store.Put(context.Background(), &newer))

	searcher := NewSearcher(store, nil, nil, nil, nil, config.DefaultWeights())
	results, err := searcher.Recall(context.Background(), "", SearchOptions{Limit: 5})
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, "newer", results[0].Memory.ID)
}

// TestRecallFiltersExcludeArchivedByDefault checks that archived
// memories never surface unless IncludeArchived is set.
func TestRecallFiltersExcludeArchivedByDefault(t *testing.T) {
	store := newFakeStore()
	m := mustMemory("archived", 5, time.Now().Add(-time.Hour))
	require.NoError(t, store.Put(context.Background(), &m))
	require.NoError(t, store.Archive(context.Background(), "archived"))

	fts := &fakeFTS{hits: []storage.ScoredID{{ID: "archived", Score: 0.9}}}
	searcher := NewSearcher(store, nil, fts, nil, nil, config.DefaultWeights())

	results, err := searcher.Recall(context.Background(), "q", SearchOptions{Limit: 5})
	require.NoError(t, err)
	assert.Len(t, results, 0)

	results, err = searcher.Recall(context.Background(), "q", SearchOptions{Limit: 5, IncludeArchived: true})
	require.NoError(t, err)
	require.Len(t, results, 1)
}

// TestSemanticSearchIsVectorOnly checks the vector-only variant ignores
// keyword hits entirely.
func TestSemanticSearchIsVectorOnly(t *testing.T) {
	store := newFakeStore()
	m := mustMemory("v1", 5, time.Now())
	require.NoError(t, store.Put(context.Background(), &m))

	vectors := newFakeVectorIndex(3)
	require.NoError(t, vectors.Upsert(context.Background(), "v1", []float32{1, 0, 0}))
	embedder := &fakeEmbedder{dim: 3, vectors: map[string][]float32{"q": {1, 0, 0}}}

	searcher := NewSearcher(store, vectors, &fakeFTS{hits: []storage.ScoredID{{ID: "v1", Score: 1.0}}}, embedder, nil, config.DefaultWeights())
	results, err := searcher.SemanticSearch(context.Background(), "q", SearchOptions{Limit: 5})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, results[0].Scores.Vector, results[0].TotalScore)
	assert.Equal(t, 0.0, results[0].Scores.Keyword)
}
