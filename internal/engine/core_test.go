package engine

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mnemosyne/core/internal/config"
	"github.com/mnemosyne/core/pkg/types"
)

func newTestCore(t *testing.T) (*Core, *fakeStore) {
	t.Helper()
	store := newFakeStore()
	vectors := newFakeVectorIndex(3)
	embedder := &fakeEmbedder{dim: 3, vectors: map[string][]float32{}}
	enricher := NewEnricher(embedder, nil)
	graph := NewGraphTraversal(store)
	t.Cleanup(graph.Close)
	searcher := NewSearcher(store, vectors, &fakeFTS{}, embedder, graph, config.DefaultWeights())
	core, err := NewCore(store, vectors, enricher, searcher, graph, nil, config.DefaultWeights())
	require.NoError(t, err)
	return core, store
}

// TestCoreStoreGetRoundTrip covers the round-trip property: put(x);
// get(id) == x for every caller-set field.
func TestCoreStoreGetRoundTrip(t *testing.T) {
	c, _ := newTestCore(t)
	ns := types.Global()
	m, err := c.Store(context.Background(), "remember to rotate the keys", ns, StoreOptions{
		Type:           types.MemoryTypeTask,
		Importance:     6,
		Tags:           []string{"ops"},
		SkipEnrichment: true,
	})
	require.NoError(t, err)
	assert.NotEmpty(t, m.ID)

	got, err := c.Get(context.Background(), m.ID)
	require.NoError(t, err)
	assert.Equal(t, "remember to rotate the keys", got.Content)
	assert.Equal(t, types.MemoryTypeTask, got.Type)
	assert.Equal(t, 6.0, got.Importance)
	assert.Equal(t, []string{"ops"}, got.Tags)
}

// TestCoreGetTouchesAccessCount checks the implicit touch() side effect
// of a successful Get.
func TestCoreGetTouchesAccessCount(t *testing.T) {
	c, _ := newTestCore(t)
	m, err := c.Store(context.Background(), "content", types.Global(), StoreOptions{SkipEnrichment: true})
	require.NoError(t, err)

	_, err = c.Get(context.Background(), m.ID)
	require.NoError(t, err)
	got, err := c.Get(context.Background(), m.ID)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, got.AccessCount, 1)
}

// TestCoreDeleteCascadesLinksAndVector checks that links and the vector
// row are removed alongside the memory.
func TestCoreDeleteCascadesLinksAndVector(t *testing.T) {
	c, store := newTestCore(t)
	a, err := c.Store(context.Background(), "a", types.Global(), StoreOptions{SkipEnrichment: true})
	require.NoError(t, err)
	b, err := c.Store(context.Background(), "b", types.Global(), StoreOptions{SkipEnrichment: true})
	require.NoError(t, err)
	require.NoError(t, store.Link(context.Background(), a.ID, b.ID, "related", 0.5, true))

	require.NoError(t, c.vectors.Upsert(context.Background(), a.ID, []float32{1, 2, 3}))
	require.NoError(t, c.Delete(context.Background(), a.ID))

	_, err = c.Get(context.Background(), a.ID)
	assert.Error(t, err)

	has, err := c.vectors.Has(context.Background(), a.ID)
	require.NoError(t, err)
	assert.False(t, has)

	_, ok := store.links[linkKey(a.ID, b.ID, "related")]
	assert.False(t, ok)
}

// TestCoreRecallDelegatesToSearcher exercises the full Store -> Recall
// path through the façade.
func TestCoreRecallDelegatesToSearcher(t *testing.T) {
	c, _ := newTestCore(t)
	_, err := c.Store(context.Background(), "deploy notes", types.Global(), StoreOptions{SkipEnrichment: true})
	require.NoError(t, err)

	results, err := c.Recall(context.Background(), "", SearchOptions{Limit: 5})
	require.NoError(t, err)
	assert.Len(t, results, 1)
}

// TestCoreRecallWithoutSearcherIsUnavailable checks the degraded-wiring
// path: a Core with no searcher returns Unavailable rather than panicking.
func TestCoreRecallWithoutSearcherIsUnavailable(t *testing.T) {
	store := newFakeStore()
	c, err := NewCore(store, nil, nil, nil, nil, nil, config.DefaultWeights())
	require.NoError(t, err)

	_, err = c.Recall(context.Background(), "q", SearchOptions{})
	require.Error(t, err)
}

// TestCoreArchiveUnarchiveRoundTrip exercises the manual archive path
// exposed directly on the façade.
func TestCoreArchiveUnarchiveRoundTrip(t *testing.T) {
	c, _ := newTestCore(t)
	m, err := c.Store(context.Background(), "content", types.Global(), StoreOptions{SkipEnrichment: true})
	require.NoError(t, err)

	require.NoError(t, c.Archive(context.Background(), m.ID))
	got, err := c.Get(context.Background(), m.ID)
	require.NoError(t, err)
	assert.NotNil(t, got.ArchivedAt)

	require.NoError(t, c.Unarchive(context.Background(), m.ID))
	got, err = c.Get(context.Background(), m.ID)
	require.NoError(t, err)
	assert.Nil(t, got.ArchivedAt)
}

// TestNewCoreRequiresStore checks the constructor's one hard dependency.
func TestNewCoreRequiresStore(t *testing.T) {
	_, err := NewCore(nil, nil, nil, nil, nil, nil, config.DefaultWeights())
	assert.Error(t, err)
}

// TestNewCoreRejectsInvalidWeights checks the weights-sum invariant:
// the process refuses to start with misconfigured weights.
func TestNewCoreRejectsInvalidWeights(t *testing.T) {
	store := newFakeStore()
	bad := config.Weights{Vector: 1, Keyword: 1, Graph: 1, Importance: 1, Recency: 1}
	_, err := NewCore(store, nil, nil, nil, nil, nil, bad)
	assert.Error(t, err)
}
