package engine

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/mnemosyne/core/internal/core"
	"github.com/mnemosyne/core/internal/storage"
	"github.com/mnemosyne/core/pkg/types"
)

// fakeStore is an in-memory storage.PrimaryStore used to exercise the
// engine package's orchestration logic without a real database, using
// hand-rolled in-memory test doubles rather than a mocking framework.
type fakeStore struct {
	mu       sync.Mutex
	memories map[string]types.Memory
	links    map[string]types.MemoryLink
	history  []types.ImportanceHistoryEntry
	runs     map[string]types.JobRun
	locks    map[string]lockRow
}

type lockRow struct {
	owner     string
	expiresAt time.Time
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		memories: make(map[string]types.Memory),
		links:    make(map[string]types.MemoryLink),
		runs:     make(map[string]types.JobRun),
		locks:    make(map[string]lockRow),
	}
}

func linkKey(src, dst, linkType string) string { return src + "|" + dst + "|" + linkType }

func (f *fakeStore) Put(ctx context.Context, m *types.Memory) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, exists := f.memories[m.ID]; exists {
		return core.NewConflict("memory %s already exists", m.ID)
	}
	f.memories[m.ID] = *m
	return nil
}

func (f *fakeStore) Get(ctx context.Context, id string) (*types.Memory, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	m, ok := f.memories[id]
	if !ok {
		return nil, core.NewNotFound("memory %s not found", id)
	}
	cp := m
	return &cp, nil
}

func (f *fakeStore) Update(ctx context.Context, id string, diff storage.MemoryDiff) (*types.Memory, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	m, ok := f.memories[id]
	if !ok {
		return nil, core.NewNotFound("memory %s not found", id)
	}
	if diff.Content != nil {
		m.Content = *diff.Content
	}
	if diff.Summary != nil {
		m.Summary = *diff.Summary
	}
	if diff.Keywords != nil {
		m.Keywords = diff.Keywords
	}
	if diff.Tags != nil {
		m.Tags = diff.Tags
	}
	if diff.Type != nil {
		m.Type = *diff.Type
	}
	if diff.Importance != nil {
		m.Importance = *diff.Importance
	}
	if diff.Confidence != nil {
		m.Confidence = *diff.Confidence
	}
	m.UpdatedAt = time.Now()
	f.memories[id] = m
	cp := m
	return &cp, nil
}

func (f *fakeStore) Delete(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.memories[id]; !ok {
		return core.NewNotFound("memory %s not found", id)
	}
	delete(f.memories, id)
	for k, l := range f.links {
		if l.SourceID == id || l.TargetID == id {
			delete(f.links, k)
		}
	}
	return nil
}

func (f *fakeStore) List(ctx context.Context, filters storage.ListFilters) ([]types.Memory, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []types.Memory
	for _, m := range f.memories {
		if filters.ArchivedFilter == storage.ArchivedExclude && m.IsArchived() {
			continue
		}
		if filters.ArchivedFilter == storage.ArchivedOnly && !m.IsArchived() {
			continue
		}
		out = append(out, m)
	}
	if filters.SortBy == storage.SortCreatedAt {
		sort.SliceStable(out, func(i, j int) bool {
			if filters.SortDescending {
				return out[i].CreatedAt.After(out[j].CreatedAt)
			}
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		})
	}
	if filters.Limit > 0 && len(out) > filters.Limit {
		out = out[:filters.Limit]
	}
	return out, nil
}

func (f *fakeStore) Touch(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	m, ok := f.memories[id]
	if !ok {
		return core.NewNotFound("memory %s not found", id)
	}
	m.AccessCount++
	now := time.Now()
	m.LastAccessedAt = &now
	f.memories[id] = m
	return nil
}

func (f *fakeStore) SetHasEmbedding(ctx context.Context, id string, hasEmbedding bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	m, ok := f.memories[id]
	if !ok {
		return core.NewNotFound("memory %s not found", id)
	}
	m.HasEmbedding = hasEmbedding
	f.memories[id] = m
	return nil
}

func (f *fakeStore) Link(ctx context.Context, sourceID, targetID, linkType string, strength float64, userCreated bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.links[linkKey(sourceID, targetID, linkType)] = types.MemoryLink{
		SourceID: sourceID, TargetID: targetID, LinkType: linkType,
		Strength: strength, UserCreated: userCreated, CreatedAt: time.Now(),
	}
	return nil
}

func (f *fakeStore) Unlink(ctx context.Context, sourceID, targetID, linkType string) error {
	return f.RemoveLink(ctx, sourceID, targetID, linkType)
}

func (f *fakeStore) RecordTraversal(ctx context.Context, sourceID, targetID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for k, l := range f.links {
		if l.SourceID == sourceID && l.TargetID == targetID {
			now := time.Now()
			l.LastTraversedAt = &now
			f.links[k] = l
		}
	}
	return nil
}

func (f *fakeStore) LinksFrom(ctx context.Context, id string) ([]types.MemoryLink, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []types.MemoryLink
	for _, l := range f.links {
		if l.SourceID == id {
			out = append(out, l)
		}
	}
	return out, nil
}

func (f *fakeStore) LinksTo(ctx context.Context, id string) ([]types.MemoryLink, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []types.MemoryLink
	for _, l := range f.links {
		if l.TargetID == id {
			out = append(out, l)
		}
	}
	return out, nil
}

func (f *fakeStore) AllLinks(ctx context.Context, limit int) ([]types.MemoryLink, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []types.MemoryLink
	for _, l := range f.links {
		out = append(out, l)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (f *fakeStore) CountLinks(ctx context.Context, id string) (int, int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var in, out int
	for _, l := range f.links {
		if l.TargetID == id {
			in++
		}
		if l.SourceID == id {
			out++
		}
	}
	return in, out, nil
}

func (f *fakeStore) UpdateLinkStrength(ctx context.Context, sourceID, targetID, linkType string, strength float64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	k := linkKey(sourceID, targetID, linkType)
	l, ok := f.links[k]
	if !ok {
		return core.NewNotFound("link not found")
	}
	l.Strength = strength
	f.links[k] = l
	return nil
}

func (f *fakeStore) RemoveLink(ctx context.Context, sourceID, targetID, linkType string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.links, linkKey(sourceID, targetID, linkType))
	return nil
}

func (f *fakeStore) ArchivalCandidates(ctx context.Context, limit int) ([]types.Memory, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	now := time.Now()
	var out []types.Memory
	for _, m := range f.memories {
		if IsArchivalCandidate(m, now) {
			out = append(out, m)
		}
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (f *fakeStore) LinkDecayCandidates(ctx context.Context, minUntraversedDays int, limit int) ([]types.MemoryLink, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []types.MemoryLink
	for _, l := range f.links {
		out = append(out, l)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (f *fakeStore) ActiveMemoriesForRecalibration(ctx context.Context, limit int) ([]types.Memory, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []types.Memory
	for _, m := range f.memories {
		if m.IsArchived() {
			continue
		}
		out = append(out, m)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (f *fakeStore) Archive(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	m, ok := f.memories[id]
	if !ok {
		return core.NewNotFound("memory %s not found", id)
	}
	now := time.Now()
	m.ArchivedAt = &now
	f.memories[id] = m
	return nil
}

func (f *fakeStore) Unarchive(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	m, ok := f.memories[id]
	if !ok {
		return core.NewNotFound("memory %s not found", id)
	}
	m.ArchivedAt = nil
	f.memories[id] = m
	return nil
}

func (f *fakeStore) RecalibrateImportance(ctx context.Context, id string, expectedUpdatedAt time.Time, newImportance float64, reason string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	m, ok := f.memories[id]
	if !ok {
		return false, core.NewNotFound("memory %s not found", id)
	}
	if !m.UpdatedAt.Equal(expectedUpdatedAt) {
		return false, nil
	}
	m.Importance = newImportance
	m.UpdatedAt = time.Now()
	f.memories[id] = m
	return true, nil
}

func (f *fakeStore) AppendImportanceHistory(ctx context.Context, entry types.ImportanceHistoryEntry) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.history = append(f.history, entry)
	return nil
}

func (f *fakeStore) InsertJobRun(ctx context.Context, run types.JobRun) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.runs[run.ID] = run
	return nil
}

func (f *fakeStore) UpdateJobRun(ctx context.Context, run types.JobRun) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.runs[run.ID] = run
	return nil
}

func (f *fakeStore) AcquireLock(ctx context.Context, name, owner string, ttl time.Duration) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	now := time.Now()
	if row, ok := f.locks[name]; ok && row.expiresAt.After(now) && row.owner != owner {
		return false, nil
	}
	f.locks[name] = lockRow{owner: owner, expiresAt: now.Add(ttl)}
	return true, nil
}

func (f *fakeStore) ReleaseLock(ctx context.Context, name, owner string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if row, ok := f.locks[name]; ok && row.owner == owner {
		delete(f.locks, name)
	}
	return nil
}

func (f *fakeStore) Close() error { return nil }

var _ storage.PrimaryStore = (*fakeStore)(nil)

// fakeVectorIndex is a trivial in-memory storage.VectorIndex for tests.
type fakeVectorIndex struct {
	mu   sync.Mutex
	vecs map[string][]float32
	dim  int
}

func newFakeVectorIndex(dim int) *fakeVectorIndex {
	return &fakeVectorIndex{vecs: make(map[string][]float32), dim: dim}
}

func (v *fakeVectorIndex) Upsert(ctx context.Context, id string, vec []float32) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.vecs[id] = vec
	return nil
}

func (v *fakeVectorIndex) KNN(ctx context.Context, q []float32, k int, minSimilarity float32) ([]storage.ScoredID, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	var out []storage.ScoredID
	for id, vec := range v.vecs {
		sim := cosine(q, vec)
		if float32(sim) >= minSimilarity {
			out = append(out, storage.ScoredID{ID: id, Score: sim})
		}
	}
	if k > 0 && len(out) > k {
		out = out[:k]
	}
	return out, nil
}

func cosine(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

func (v *fakeVectorIndex) Delete(ctx context.Context, id string) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	delete(v.vecs, id)
	return nil
}

func (v *fakeVectorIndex) Has(ctx context.Context, id string) (bool, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	_, ok := v.vecs[id]
	return ok, nil
}

func (v *fakeVectorIndex) Get(ctx context.Context, id string) ([]float32, bool, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	vec, ok := v.vecs[id]
	return vec, ok, nil
}

func (v *fakeVectorIndex) Dimension() int { return v.dim }

var _ storage.VectorIndex = (*fakeVectorIndex)(nil)

func mustMemory(id string, importance float64, createdAt time.Time) types.Memory {
	return types.Memory{
		ID:         id,
		Namespace:  types.Global(),
		Content:    fmt.Sprintf("content for %s", id),
		Importance: importance,
		Confidence: 1.0,
		CreatedAt:  createdAt,
		UpdatedAt:  createdAt,
	}
}

func memoryLinkFixture(sourceID, targetID, linkType string, strength float64, userCreated bool, createdAt time.Time, lastTraversedAt *time.Time) types.MemoryLink {
	return types.MemoryLink{
		SourceID:        sourceID,
		TargetID:        targetID,
		LinkType:        linkType,
		Strength:        strength,
		UserCreated:     userCreated,
		CreatedAt:       createdAt,
		LastTraversedAt: lastTraversedAt,
	}
}
