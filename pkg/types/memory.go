// Package types holds the data model shared across the memory core:
// memories, namespaces, links and the small value types that ride along
// with a search result or a job run.
package types

import (
	"fmt"
	"strings"
	"time"
)

// MemoryType classifies what kind of thing a memory records.
type MemoryType string

const (
	MemoryTypeDecision       MemoryType = "decision"
	MemoryTypeArchitecture   MemoryType = "architecture"
	MemoryTypeCoordination   MemoryType = "coordination"
	MemoryTypePattern        MemoryType = "pattern"
	MemoryTypeSkill          MemoryType = "skill"
	MemoryTypeBug            MemoryType = "bug"
	MemoryTypeTest           MemoryType = "test"
	MemoryTypeImplementation MemoryType = "implementation"
	MemoryTypeReference      MemoryType = "reference"
	MemoryTypeInsight        MemoryType = "insight"
	MemoryTypeTask           MemoryType = "task"
	MemoryTypeOther          MemoryType = "other"
)

var validMemoryTypes = map[MemoryType]bool{
	MemoryTypeDecision: true, MemoryTypeArchitecture: true, MemoryTypeCoordination: true,
	MemoryTypePattern: true, MemoryTypeSkill: true, MemoryTypeBug: true, MemoryTypeTest: true,
	MemoryTypeImplementation: true, MemoryTypeReference: true, MemoryTypeInsight: true,
	MemoryTypeTask: true, MemoryTypeOther: true,
}

// Valid reports whether t is one of the twelve known memory types.
func (t MemoryType) Valid() bool {
	return validMemoryTypes[t]
}

// Memory is the primary stored entity: a content blob plus metadata.
// The embedding itself does not live on this struct — it is owned by the
// vector index (see storage.VectorIndex) and kept in the primary store
// only as the HasEmbedding bookkeeping field.
type Memory struct {
	ID        string
	Namespace Namespace
	Content   string
	Summary   string
	Keywords  []string
	Tags      []string
	Type      MemoryType

	Importance float64 // [1.0, 10.0]
	Confidence float64 // [0.0, 1.0]

	CreatedAt      time.Time
	UpdatedAt      time.Time
	AccessCount    int64
	LastAccessedAt *time.Time
	ArchivedAt     *time.Time

	CreatedBy  string
	ModifiedBy string
	VisibleTo  []string

	HasEmbedding bool
}

// IsArchived reports whether the memory has been soft-archived.
func (m *Memory) IsArchived() bool {
	return m.ArchivedAt != nil
}

// Validate checks the invariants a Memory must satisfy. It does not
// check uniqueness or referential integrity — those are store concerns.
func (m *Memory) Validate() error {
	if m.ID == "" {
		return fmt.Errorf("id is required")
	}
	if len(m.Content) < 1 || len(m.Content) > 200_000 {
		return fmt.Errorf("content must be between 1 and 200000 bytes, got %d", len(m.Content))
	}
	if len(m.Summary) > 500 {
		return fmt.Errorf("summary must be at most 500 characters, got %d", len(m.Summary))
	}
	if m.Importance < 1.0 || m.Importance > 10.0 {
		return fmt.Errorf("importance must be in [1.0, 10.0], got %f", m.Importance)
	}
	if m.Confidence < 0.0 || m.Confidence > 1.0 {
		return fmt.Errorf("confidence must be in [0.0, 1.0], got %f", m.Confidence)
	}
	if m.AccessCount < 0 {
		return fmt.Errorf("access_count must be non-negative, got %d", m.AccessCount)
	}
	if m.Type != "" && !m.Type.Valid() {
		return fmt.Errorf("unknown memory type %q", m.Type)
	}
	if m.ArchivedAt != nil && !m.ArchivedAt.After(m.CreatedAt) {
		return fmt.Errorf("archived_at must be after created_at")
	}
	return nil
}

// NormalizeSets de-duplicates Keywords and Tags case-insensitively
// while preserving the first-seen order: ordered, de-duplicated
// (case-insensitive) small sets of short strings.
func (m *Memory) NormalizeSets() {
	m.Keywords = dedupeCaseInsensitive(m.Keywords)
	m.Tags = dedupeCaseInsensitive(m.Tags)
}

func dedupeCaseInsensitive(in []string) []string {
	seen := make(map[string]bool, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		key := strings.ToLower(s)
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, s)
	}
	return out
}

// MemoryLink is a directed, typed, weighted edge between two memories.
type MemoryLink struct {
	SourceID        string
	TargetID        string
	LinkType        string
	Strength        float64 // [0, 1]
	UserCreated     bool
	CreatedAt       time.Time
	LastTraversedAt *time.Time
}

// ComponentScores is the per-component breakdown of a hybrid-search
// score, one entry per term of the ranking formula.
type ComponentScores struct {
	Vector     float64
	Keyword    float64
	Graph      float64
	Importance float64
	Recency    float64
}

// ScoredMemory pairs a Memory with its hybrid-search score breakdown.
type ScoredMemory struct {
	Memory      Memory
	TotalScore  float64
	Scores      ComponentScores
	Explanation string
}

// ImportanceHistoryEntry is one append-only row of the importance_history
// table: a recorded change to a memory's importance value.
type ImportanceHistoryEntry struct {
	ID        string
	MemoryID  string
	Old       float64
	New       float64
	Reason    string
	ChangedAt time.Time
}

// JobRun is one append-only row of the job_runs audit table.
type JobRun struct {
	ID                string
	JobName           string
	StartedAt         time.Time
	CompletedAt       *time.Time
	MemoriesProcessed int
	ChangesMade       int
	Errors            int
	ErrorMessage      string
}

// JobReport is the in-memory summary an evolution job hands back to its
// caller; the scheduler persists the equivalent JobRun row.
type JobReport struct {
	JobName   string
	Processed int
	Changed   int
	Skipped   int
	Errors    int
	Duration  time.Duration
	Details   []string
}
