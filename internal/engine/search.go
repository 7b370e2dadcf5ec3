package engine

import (
	"context"
	"log"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/mnemosyne/core/internal/config"
	"github.com/mnemosyne/core/internal/storage"
	"github.com/mnemosyne/core/pkg/types"
)

// SearchOptions configures a recall/semantic_search call.
type SearchOptions struct {
	Limit           int
	MinImportance   float64
	Namespace       *types.Namespace
	IncludeSubNS    bool
	Tags            []string
	Types           []types.MemoryType
	IncludeArchived bool
	ExpandGraph     bool
	MaxGraphDepth   int
}

func (o *SearchOptions) normalize() {
	if o.Limit <= 0 {
		o.Limit = 10
	}
	if o.MaxGraphDepth <= 0 {
		o.MaxGraphDepth = 2
	}
}

// Searcher is the hybrid searcher: fans out to the vector index and
// the full-text searcher (and optionally the graph), unions the
// candidates, scores them with a weighted formula, and returns the top
// results.
type Searcher struct {
	store    storage.PrimaryStore
	vectors  storage.VectorIndex
	fts      storage.FullTextSearcher
	embedder storage.Embedder
	graph    *GraphTraversal
	weights  config.Weights
}

// NewSearcher wires the hybrid searcher's dependencies. vectors, fts,
// embedder and graph may all be nil; a nil dependency degrades its
// corresponding score component to 0 rather than failing the call —
// absence of results from one source is never an error.
func NewSearcher(store storage.PrimaryStore, vectors storage.VectorIndex, fts storage.FullTextSearcher, embedder storage.Embedder, graph *GraphTraversal, weights config.Weights) *Searcher {
	return &Searcher{store: store, vectors: vectors, fts: fts, embedder: embedder, graph: graph, weights: weights}
}

// Recall answers a hybrid-search query, combining vector, keyword, graph,
// importance and recency scores into a ranked list of ScoredMemory.
func (s *Searcher) Recall(ctx context.Context, query string, opts SearchOptions) ([]types.ScoredMemory, error) {
	opts.normalize()

	if query == "" {
		return s.recentFallback(ctx, opts)
	}

	kVec := 2 * opts.Limit
	kFts := 2 * opts.Limit

	var (
		wg        sync.WaitGroup
		vecHits   []storage.ScoredID
		ftsHits   []storage.ScoredID
	)

	wg.Add(2)
	go func() {
		defer wg.Done()
		vecHits = s.vectorFanOut(ctx, query, kVec)
	}()
	go func() {
		defer wg.Done()
		if s.fts == nil {
			return
		}
		hits, err := s.fts.Search(ctx, query, kFts)
		if err != nil {
			log.Printf("engine: fts search failed, keyword score disabled for this call: %v", err)
			return
		}
		ftsHits = hits
	}()
	wg.Wait()

	vecScore := toScoreMap(vecHits)
	ftsScore := toScoreMap(ftsHits)

	candidateIDs := unionIDs(vecHits, ftsHits)

	var graphScore map[string]float64
	if opts.ExpandGraph && s.graph != nil && len(candidateIDs) > 0 {
		seeds := candidateIDs
		if len(seeds) > opts.Limit {
			seeds = seeds[:opts.Limit]
		}
		gs, err := s.graph.Scores(ctx, seeds, opts.MaxGraphDepth)
		if err != nil {
			log.Printf("engine: graph expansion failed, graph score disabled for this call: %v", err)
		} else {
			graphScore = gs
			for id := range gs {
				if _, ok := vecScore[id]; !ok {
					if _, ok2 := ftsScore[id]; !ok2 {
						candidateIDs = append(candidateIDs, id)
					}
				}
			}
		}
	}

	memories, err := s.loadCandidates(ctx, candidateIDs)
	if err != nil {
		return nil, err
	}

	scored := make([]types.ScoredMemory, 0, len(memories))
	for _, m := range memories {
		if !passesFilters(m, opts) {
			continue
		}
		comp := types.ComponentScores{
			Vector:     vecScore[m.ID],
			Keyword:    ftsScore[m.ID],
			Graph:      graphScore[m.ID],
			Importance: m.Importance / 10.0,
			Recency:    recencyScore(m),
		}
		total := s.weights.Vector*comp.Vector + s.weights.Keyword*comp.Keyword +
			s.weights.Graph*comp.Graph + s.weights.Importance*comp.Importance +
			s.weights.Recency*comp.Recency
		scored = append(scored, types.ScoredMemory{Memory: m, TotalScore: total, Scores: comp})
	}

	sortScored(scored)
	if len(scored) > opts.Limit {
		scored = scored[:opts.Limit]
	}
	return scored, nil
}

// SemanticSearch is the vector-only variant of Recall.
func (s *Searcher) SemanticSearch(ctx context.Context, query string, opts SearchOptions) ([]types.ScoredMemory, error) {
	opts.normalize()
	vecHits := s.vectorFanOut(ctx, query, 2*opts.Limit)
	vecScore := toScoreMap(vecHits)

	ids := make([]string, 0, len(vecHits))
	for _, h := range vecHits {
		ids = append(ids, h.ID)
	}
	memories, err := s.loadCandidates(ctx, ids)
	if err != nil {
		return nil, err
	}

	scored := make([]types.ScoredMemory, 0, len(memories))
	for _, m := range memories {
		if !passesFilters(m, opts) {
			continue
		}
		comp := types.ComponentScores{Vector: vecScore[m.ID]}
		scored = append(scored, types.ScoredMemory{Memory: m, TotalScore: comp.Vector, Scores: comp})
	}
	sortScored(scored)
	if len(scored) > opts.Limit {
		scored = scored[:opts.Limit]
	}
	return scored, nil
}

// recentFallback handles the empty-query case: recent memories filtered
// by options, sorted by recency.
func (s *Searcher) recentFallback(ctx context.Context, opts SearchOptions) ([]types.ScoredMemory, error) {
	filters := storage.ListFilters{
		Namespace:           opts.Namespace,
		IncludeSubNamespace: opts.IncludeSubNS,
		MinImportance:       opts.MinImportance,
		Tags:                opts.Tags,
		Types:               opts.Types,
		SortBy:              storage.SortCreatedAt,
		SortDescending:      true,
		Limit:               opts.Limit,
	}
	if opts.IncludeArchived {
		filters.ArchivedFilter = storage.ArchivedInclude
	}
	memories, err := s.store.List(ctx, filters)
	if err != nil {
		return nil, err
	}
	scored := make([]types.ScoredMemory, 0, len(memories))
	for _, m := range memories {
		comp := types.ComponentScores{Recency: recencyScore(m)}
		scored = append(scored, types.ScoredMemory{Memory: m, TotalScore: comp.Recency, Scores: comp})
	}
	return scored, nil
}

func (s *Searcher) vectorFanOut(ctx context.Context, query string, k int) []storage.ScoredID {
	if s.embedder == nil || s.vectors == nil {
		return nil
	}
	q, err := s.embedder.Embed(ctx, query)
	if err != nil {
		log.Printf("engine: query embedding unavailable, vector score disabled for this call: %v", err)
		return nil
	}
	hits, err := s.vectors.KNN(ctx, q, k, 0.0)
	if err != nil {
		log.Printf("engine: vector knn failed, vector score disabled for this call: %v", err)
		return nil
	}
	return hits
}

func (s *Searcher) loadCandidates(ctx context.Context, ids []string) ([]types.Memory, error) {
	memories := make([]types.Memory, 0, len(ids))
	for _, id := range ids {
		m, err := s.store.Get(ctx, id)
		if err != nil {
			continue
		}
		memories = append(memories, *m)
	}
	return memories, nil
}

func toScoreMap(hits []storage.ScoredID) map[string]float64 {
	m := make(map[string]float64, len(hits))
	for _, h := range hits {
		m[h.ID] = h.Score
	}
	return m
}

func unionIDs(a, b []storage.ScoredID) []string {
	seen := make(map[string]bool, len(a)+len(b))
	out := make([]string, 0, len(a)+len(b))
	for _, h := range a {
		if !seen[h.ID] {
			seen[h.ID] = true
			out = append(out, h.ID)
		}
	}
	for _, h := range b {
		if !seen[h.ID] {
			seen[h.ID] = true
			out = append(out, h.ID)
		}
	}
	return out
}

func passesFilters(m types.Memory, opts SearchOptions) bool {
	if opts.Namespace != nil {
		if opts.IncludeSubNS {
			if !opts.Namespace.Contains(m.Namespace) && !opts.Namespace.Equal(m.Namespace) {
				return false
			}
		} else if !opts.Namespace.Equal(m.Namespace) {
			return false
		}
	}
	if m.Importance < opts.MinImportance {
		return false
	}
	if !opts.IncludeArchived && m.IsArchived() {
		return false
	}
	if len(opts.Tags) > 0 && !hasAnyOf(m.Tags, opts.Tags) {
		return false
	}
	if len(opts.Types) > 0 && !typeInSet(m.Type, opts.Types) {
		return false
	}
	return true
}

func hasAnyOf(have, want []string) bool {
	set := make(map[string]bool, len(have))
	for _, h := range have {
		set[h] = true
	}
	for _, w := range want {
		if set[w] {
			return true
		}
	}
	return false
}

func typeInSet(t types.MemoryType, set []types.MemoryType) bool {
	for _, s := range set {
		if s == t {
			return true
		}
	}
	return false
}

// recencyScore computes the exp(-age_days/30) recency term.
func recencyScore(m types.Memory) float64 {
	ageDays := time.Since(m.CreatedAt).Hours() / 24.0
	if ageDays < 0 {
		ageDays = 0
	}
	return math.Exp(-ageDays / 30.0)
}

// sortScored orders by score descending, tie-broken by created_at
// descending then id ascending.
func sortScored(scored []types.ScoredMemory) {
	sort.SliceStable(scored, func(i, j int) bool {
		a, b := scored[i], scored[j]
		if a.TotalScore != b.TotalScore {
			return a.TotalScore > b.TotalScore
		}
		if !a.Memory.CreatedAt.Equal(b.Memory.CreatedAt) {
			return a.Memory.CreatedAt.After(b.Memory.CreatedAt)
		}
		return a.Memory.ID < b.Memory.ID
	})
}
