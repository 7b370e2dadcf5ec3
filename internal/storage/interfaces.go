// Package storage defines the capability interfaces the Memory Core is
// built against — capability interfaces with explicit variants in place
// of duck-typed provider objects — and the narrow value types those
// interfaces trade in. Concrete backends live in storage/sqlite.
package storage

import (
	"context"
	"time"

	"github.com/mnemosyne/core/pkg/types"
)

// ListFilters selects which memories List returns.
type ListFilters struct {
	Namespace           *types.Namespace
	IncludeSubNamespace bool // when true, Namespace also matches contained namespaces
	MinImportance       float64
	Tags                []string
	Types               []types.MemoryType
	ArchivedFilter       ArchivedFilter
	SortBy              SortKey
	SortDescending      bool
	Limit               int
	Offset              int
}

// ArchivedFilter controls whether List includes archived memories.
type ArchivedFilter int

const (
	ArchivedExclude ArchivedFilter = iota
	ArchivedInclude
	ArchivedOnly
)

// SortKey is one of the four sort fields List allows.
type SortKey string

const (
	SortCreatedAt      SortKey = "created_at"
	SortImportance     SortKey = "importance"
	SortLastAccessedAt SortKey = "last_accessed_at"
	SortAccessCount    SortKey = "access_count"
)

// Normalize applies defaults and whitelists SortBy against SQL
// injection.
func (f *ListFilters) Normalize() {
	switch f.SortBy {
	case SortCreatedAt, SortImportance, SortLastAccessedAt, SortAccessCount:
	default:
		f.SortBy = SortCreatedAt
	}
	if f.Limit <= 0 {
		f.Limit = 50
	}
	if f.Limit > 1000 {
		f.Limit = 1000
	}
	if f.Offset < 0 {
		f.Offset = 0
	}
}

// MemoryDiff is a partial update applied by Update; nil fields are left
// untouched.
type MemoryDiff struct {
	Content    *string
	Summary    *string
	Keywords   []string
	Tags       []string
	Type       *types.MemoryType
	Importance *float64
	Confidence *float64
	ModifiedBy *string
	VisibleTo  []string
}

// PrimaryStore is the relational persistence contract. Implementations
// also own the append-only audit tables since those are referenced by
// memory id only and never mutated outside of a Store/evolution-job
// transaction.
type PrimaryStore interface {
	Put(ctx context.Context, m *types.Memory) error
	Get(ctx context.Context, id string) (*types.Memory, error)
	Update(ctx context.Context, id string, diff MemoryDiff) (*types.Memory, error)
	Delete(ctx context.Context, id string) error
	List(ctx context.Context, filters ListFilters) ([]types.Memory, error)
	Touch(ctx context.Context, id string) error

	// SetHasEmbedding records whether a memory has a corresponding vector
	// row, set only after the vector write itself has already succeeded
	// (see engine.Core.Store) — it never participates in deciding whether
	// that write happens.
	SetHasEmbedding(ctx context.Context, id string, hasEmbedding bool) error

	Link(ctx context.Context, sourceID, targetID, linkType string, strength float64, userCreated bool) error
	Unlink(ctx context.Context, sourceID, targetID, linkType string) error
	RecordTraversal(ctx context.Context, sourceID, targetID string) error
	LinksFrom(ctx context.Context, id string) ([]types.MemoryLink, error)
	LinksTo(ctx context.Context, id string) ([]types.MemoryLink, error)
	AllLinks(ctx context.Context, limit int) ([]types.MemoryLink, error)
	CountLinks(ctx context.Context, id string) (inLinks, outLinks int, err error)
	UpdateLinkStrength(ctx context.Context, sourceID, targetID, linkType string, strength float64) error
	RemoveLink(ctx context.Context, sourceID, targetID, linkType string) error

	ArchivalCandidates(ctx context.Context, limit int) ([]types.Memory, error)
	LinkDecayCandidates(ctx context.Context, minUntraversedDays int, limit int) ([]types.MemoryLink, error)
	ActiveMemoriesForRecalibration(ctx context.Context, limit int) ([]types.Memory, error)
	Archive(ctx context.Context, id string) error
	Unarchive(ctx context.Context, id string) error

	// RecalibrateImportance performs a compare-and-set update of a memory's
	// importance, committing only if the row has not been modified since
	// expectedUpdatedAt. It returns (applied=false, nil) on a detected
	// conflict rather than an error.
	RecalibrateImportance(ctx context.Context, id string, expectedUpdatedAt time.Time, newImportance float64, reason string) (applied bool, err error)

	AppendImportanceHistory(ctx context.Context, entry types.ImportanceHistoryEntry) error
	InsertJobRun(ctx context.Context, run types.JobRun) error
	UpdateJobRun(ctx context.Context, run types.JobRun) error

	// AcquireLock implements the cross-process job-exclusivity lock: a row
	// in a locks table keyed by name, with an owner and acquired_at. It
	// returns true if the caller now holds the lock.
	AcquireLock(ctx context.Context, name, owner string, ttl time.Duration) (bool, error)
	ReleaseLock(ctx context.Context, name, owner string) error

	Close() error
}

// VectorIndex is the dense-vector KNN contract.
type VectorIndex interface {
	Upsert(ctx context.Context, id string, v []float32) error
	KNN(ctx context.Context, q []float32, k int, minSimilarity float32) ([]ScoredID, error)
	Delete(ctx context.Context, id string) error
	Has(ctx context.Context, id string) (bool, error)

	// Get returns the stored embedding for id. ok is false, with a nil
	// error, when no vector is stored for id (used by consolidation's
	// cosine-augmented clustering).
	Get(ctx context.Context, id string) (v []float32, ok bool, err error)

	Dimension() int
}

// ScoredID pairs a memory id with a similarity score, used by both the
// vector index and the full-text fan-out.
type ScoredID struct {
	ID    string
	Score float64
}

// EnrichmentBundle is the output of the enrichment pipeline: everything
// a writer needs to finish populating a Memory.
type EnrichmentBundle struct {
	Summary    string
	Keywords   []string
	Tags       []string
	Type       types.MemoryType
	Importance float64
	Confidence float64
	Embedding  []float32

	// MissingFields records which parts of the bundle could not be
	// produced (e.g. ["summary", "embedding"]) so the caller can report
	// exactly what is missing.
	MissingFields []string
}

// Embedder is the embedding capability interface: text to dense vector,
// local or remote.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
	Dimensions() int
}

// LlmEnricher is the structured-JSON enrichment capability: one call
// that returns a summary/keywords/tags/type/importance/confidence
// bundle (minus the embedding, which the pipeline obtains separately
// from an Embedder).
type LlmEnricher interface {
	Enrich(ctx context.Context, content string) (*EnrichmentBundle, error)
}

// FullTextSearcher is the lexical half of the hybrid searcher's
// fan-out.
type FullTextSearcher interface {
	Search(ctx context.Context, query string, limit int) ([]ScoredID, error)
}
