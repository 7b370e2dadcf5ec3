package engine

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/mnemosyne/core/internal/config"
	"github.com/mnemosyne/core/internal/core"
	"github.com/mnemosyne/core/internal/storage"
	"github.com/mnemosyne/core/pkg/types"
)

// StoreOptions configures a store(content, namespace, options) → Memory
// call.
type StoreOptions struct {
	ID            string // caller-supplied id; a uuid is generated when empty
	Type          types.MemoryType
	Importance    float64
	Confidence    float64
	Tags          []string
	Keywords      []string
	CreatedBy     string
	VisibleTo     []string
	SkipEnrichment bool
}

// Core is the single in-process API of the Memory Core, wiring together
// the primary store, vector index, enrichment pipeline, hybrid searcher,
// graph traversal and evolution scheduler behind one façade.
type Core struct {
	store     storage.PrimaryStore
	vectors   storage.VectorIndex
	enricher  *Enricher
	searcher  *Searcher
	graph     *GraphTraversal
	scheduler *Scheduler
	weights   config.Weights
}

// NewCore assembles the façade from its already-constructed
// dependencies. Any optional dependency (vectors, enricher components)
// may be absent from searcher/enricher per their own nil-tolerant
// contracts; Core itself requires a non-nil store.
func NewCore(store storage.PrimaryStore, vectors storage.VectorIndex, enricher *Enricher, searcher *Searcher, graph *GraphTraversal, scheduler *Scheduler, weights config.Weights) (*Core, error) {
	if store == nil {
		return nil, core.NewInvalid("store", "primary store is required")
	}
	if err := weights.Validate(); err != nil {
		return nil, err
	}
	return &Core{
		store:     store,
		vectors:   vectors,
		enricher:  enricher,
		searcher:  searcher,
		graph:     graph,
		scheduler: scheduler,
		weights:   weights,
	}, nil
}

// Store runs the enrichment pipeline synchronously, then performs the
// durable put. Enrichment failures degrade the stored memory rather than
// failing the call.
func (c *Core) Store(ctx context.Context, content string, namespace types.Namespace, opts StoreOptions) (*types.Memory, error) {
	now := time.Now()
	id := opts.ID
	if id == "" {
		id = uuid.NewString()
	}

	m := &types.Memory{
		ID:         id,
		Namespace:  namespace,
		Content:    content,
		Type:       opts.Type,
		Importance: opts.Importance,
		Confidence: opts.Confidence,
		Tags:       opts.Tags,
		Keywords:   opts.Keywords,
		CreatedAt:  now,
		UpdatedAt:  now,
		CreatedBy:  opts.CreatedBy,
		ModifiedBy: opts.CreatedBy,
		VisibleTo:  opts.VisibleTo,
	}
	if m.Importance == 0 {
		m.Importance = 5.0
	}

	var embedding []float32
	if c.enricher != nil {
		bundle := c.enricher.Enrich(ctx, content, opts.SkipEnrichment)
		if !missing(bundle.MissingFields, "summary") {
			m.Summary = bundle.Summary
		}
		if !missing(bundle.MissingFields, "keywords") && len(bundle.Keywords) > 0 {
			m.Keywords = bundle.Keywords
		}
		if !missing(bundle.MissingFields, "tags") && len(bundle.Tags) > 0 {
			m.Tags = bundle.Tags
		}
		if !missing(bundle.MissingFields, "memory_type") && bundle.Type != "" {
			m.Type = bundle.Type
		}
		if !missing(bundle.MissingFields, "importance") && bundle.Importance > 0 {
			m.Importance = bundle.Importance
		}
		if !missing(bundle.MissingFields, "confidence") {
			m.Confidence = bundle.Confidence
		}
		if !missing(bundle.MissingFields, "embedding") && len(bundle.Embedding) > 0 && c.vectors != nil {
			embedding = bundle.Embedding
		}
	}

	m.NormalizeSets()
	if m.Type == "" {
		m.Type = types.MemoryTypeOther
	}
	if err := m.Validate(); err != nil {
		return nil, core.NewInvalid("memory", "%v", err)
	}

	// The row is committed before the vector is written, so a Put failure
	// (e.g. a caller-supplied id that already exists) never leaves a vector
	// row behind for a memory that was never actually stored: orphaned
	// vectors are forbidden.
	if err := c.store.Put(ctx, m); err != nil {
		return nil, err
	}

	if embedding != nil {
		if err := c.vectors.Upsert(ctx, id, embedding); err == nil {
			m.HasEmbedding = true
			_ = c.store.SetHasEmbedding(ctx, id, true)
		}
	}

	c.touchScheduler()
	return m, nil
}

func missing(fields []string, name string) bool {
	for _, f := range fields {
		if f == name {
			return true
		}
	}
	return false
}

// Get returns the memory by id, applying the implicit touch()
// access-tracking side effect of a successful read.
func (c *Core) Get(ctx context.Context, id string) (*types.Memory, error) {
	m, err := c.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := c.store.Touch(ctx, id); err != nil {
		return m, nil
	}
	return m, nil
}

// Update applies a partial update under the store's transaction.
func (c *Core) Update(ctx context.Context, id string, diff storage.MemoryDiff) (*types.Memory, error) {
	m, err := c.store.Update(ctx, id, diff)
	if err != nil {
		return nil, err
	}
	c.touchScheduler()
	return m, nil
}

// Delete removes a memory and cascades to its links and vector row. The
// vector row is removed before the memory row: if the vector delete
// fails, the memory row is left untouched rather than deleted out from
// under a vector that still references it, so a failure here never
// produces an orphaned vector.
func (c *Core) Delete(ctx context.Context, id string) error {
	if c.vectors != nil {
		if err := c.vectors.Delete(ctx, id); err != nil {
			return core.Wrap(err, "engine: vector delete failed, memory not deleted")
		}
	}
	if err := c.store.Delete(ctx, id); err != nil {
		return err
	}
	c.touchScheduler()
	return nil
}

// List returns a paginated slice of memories matching filters. This is
// an in-process API with no wire transport to stream across, so the
// stream is realized as a single slice.
func (c *Core) List(ctx context.Context, filters storage.ListFilters) ([]types.Memory, error) {
	return c.store.List(ctx, filters)
}

// Recall answers a hybrid-search query and returns ranked ScoredMemory.
func (c *Core) Recall(ctx context.Context, query string, opts SearchOptions) ([]types.ScoredMemory, error) {
	if c.searcher == nil {
		return nil, core.NewUnavailable("searcher", nil)
	}
	c.touchScheduler()
	return c.searcher.Recall(ctx, query, opts)
}

// SemanticSearch is the vector-only variant of Recall.
func (c *Core) SemanticSearch(ctx context.Context, query string, opts SearchOptions) ([]types.ScoredMemory, error) {
	if c.searcher == nil {
		return nil, core.NewUnavailable("searcher", nil)
	}
	c.touchScheduler()
	return c.searcher.SemanticSearch(ctx, query, opts)
}

// Traverse performs a graph BFS from seedIDs to the given depth.
func (c *Core) Traverse(ctx context.Context, seedIDs []string, depth int) ([]types.Memory, error) {
	if c.graph == nil {
		return nil, nil
	}
	return c.graph.Traverse(ctx, seedIDs, depth)
}

// Context returns seeds matching namespace+keywords plus their one-hop
// neighbors.
func (c *Core) Context(ctx context.Context, namespace types.Namespace, keywords []string, limit int) ([]types.Memory, error) {
	seeds, err := c.store.List(ctx, storage.ListFilters{
		Namespace:           &namespace,
		IncludeSubNamespace: true,
		Tags:                keywords,
		SortBy:              storage.SortCreatedAt,
		SortDescending:      true,
		Limit:               limit,
	})
	if err != nil {
		return nil, err
	}

	seedIDs := make([]string, 0, len(seeds))
	for _, m := range seeds {
		seedIDs = append(seedIDs, m.ID)
	}

	var neighbors []types.Memory
	if c.graph != nil {
		neighbors, err = c.graph.Traverse(ctx, seedIDs, 1)
		if err != nil {
			neighbors = nil
		}
	}

	seen := make(map[string]bool, len(seeds)+len(neighbors))
	out := make([]types.Memory, 0, len(seeds)+len(neighbors))
	for _, m := range seeds {
		if !seen[m.ID] {
			seen[m.ID] = true
			out = append(out, m)
		}
	}
	for _, m := range neighbors {
		if !seen[m.ID] {
			seen[m.ID] = true
			out = append(out, m)
		}
	}
	return out, nil
}

// Evolve runs a single named evolution job immediately.
func (c *Core) Evolve(ctx context.Context, job string) (types.JobReport, error) {
	if c.scheduler == nil {
		return types.JobReport{}, core.NewUnavailable("scheduler", nil)
	}
	return c.scheduler.RunNow(ctx, job)
}

// EvolveAll runs every enabled evolution job immediately.
func (c *Core) EvolveAll(ctx context.Context) []types.JobReport {
	if c.scheduler == nil {
		return nil
	}
	return c.scheduler.RunAll(ctx)
}

// Embed is a backfill pass that (re)computes the embedding for memories
// missing one, or for an explicit id list.
func (c *Core) Embed(ctx context.Context, ids []string) (int, error) {
	if c.enricher == nil || c.enricher.embedder == nil || c.vectors == nil {
		return 0, core.NewUnavailable("embedder", nil)
	}

	var targets []types.Memory
	if len(ids) > 0 {
		for _, id := range ids {
			m, err := c.store.Get(ctx, id)
			if err != nil {
				continue
			}
			targets = append(targets, *m)
		}
	} else {
		all, err := c.store.List(ctx, storage.ListFilters{ArchivedFilter: storage.ArchivedInclude, Limit: 1000})
		if err != nil {
			return 0, err
		}
		for _, m := range all {
			if !m.HasEmbedding {
				targets = append(targets, m)
			}
		}
	}

	count := 0
	for _, m := range targets {
		if err := ctx.Err(); err != nil {
			return count, err
		}
		text := embeddingText(m.Content, m.Summary, m.Keywords)
		v, err := c.enricher.embedder.Embed(ctx, text)
		if err != nil {
			continue
		}
		if err := c.vectors.Upsert(ctx, m.ID, v); err != nil {
			continue
		}
		_ = c.store.SetHasEmbedding(ctx, m.ID, true)
		count++
	}
	return count, nil
}

func (c *Core) touchScheduler() {
	if c.scheduler != nil {
		c.scheduler.Touch()
	}
}

// Archive/Unarchive expose the manual archival control path directly
// (the archival job uses the same store methods for its own candidates).
func (c *Core) Archive(ctx context.Context, id string) error {
	return c.store.Archive(ctx, id)
}

func (c *Core) Unarchive(ctx context.Context, id string) error {
	return c.store.Unarchive(ctx, id)
}

// Close releases background resources (graph traversal recorder) and the
// underlying store connection.
func (c *Core) Close() error {
	if c.graph != nil {
		c.graph.Close()
	}
	return c.store.Close()
}
