package engine

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/mnemosyne/core/internal/storage"
	"github.com/mnemosyne/core/pkg/types"
	"golang.org/x/time/rate"
)

const (
	consolidationJobName  = "consolidation"
	jaccardThreshold      = 0.80
	cosineThreshold       = 0.90
	supersedeAvgThreshold = 0.95
)

// ConsolidationAction is the outcome a ConsolidationAdvisor reaches for a
// candidate cluster.
type ConsolidationAction int

const (
	ActionKeep ConsolidationAction = iota
	ActionSupersede
)

// ConsolidationAdvisor is the pluggable decision point: given a cluster
// of near-duplicate memories and their average pairwise similarity,
// decide whether to supersede or keep. The default implementation
// (heuristicAdvisor) is a fixed threshold rule; an LLM-guided variant
// can implement the same interface without the job itself changing.
type ConsolidationAdvisor interface {
	Decide(ctx context.Context, cluster []types.Memory, avgSimilarity float64) (ConsolidationAction, error)
}

// heuristicAdvisor is the default ConsolidationAdvisor: pure threshold
// logic, no LLM call, no rate limiting needed.
type heuristicAdvisor struct{}

func (heuristicAdvisor) Decide(_ context.Context, _ []types.Memory, avgSimilarity float64) (ConsolidationAction, error) {
	if avgSimilarity >= supersedeAvgThreshold {
		return ActionSupersede, nil
	}
	return ActionKeep, nil
}

// RateLimitedAdvisor wraps an LLM-guided ConsolidationAdvisor with a
// token-bucket guard on LLM fan-out during consolidation.
type RateLimitedAdvisor struct {
	inner   ConsolidationAdvisor
	limiter *rate.Limiter
}

// NewRateLimitedAdvisor builds a rate-limited wrapper around inner,
// allowing at most ratePerSecond calls/s with a burst of burst.
func NewRateLimitedAdvisor(inner ConsolidationAdvisor, ratePerSecond float64, burst int) *RateLimitedAdvisor {
	return &RateLimitedAdvisor{inner: inner, limiter: rate.NewLimiter(rate.Limit(ratePerSecond), burst)}
}

func (r *RateLimitedAdvisor) Decide(ctx context.Context, cluster []types.Memory, avgSimilarity float64) (ConsolidationAction, error) {
	if err := r.limiter.Wait(ctx); err != nil {
		return ActionKeep, err
	}
	return r.inner.Decide(ctx, cluster, avgSimilarity)
}

// ConsolidationJob clusters near-duplicate active memories and, for
// clusters that clear the supersede threshold, marks all but the newest
// as superseded by the newest (non-destructive).
//
// Clustering uses keyword Jaccard as its base signal, augmented by cosine
// similarity over stored embeddings when both cluster candidates have one
// (vectors is optional; when nil, clustering falls back to Jaccard only).
type ConsolidationJob struct {
	store   storage.PrimaryStore
	vectors storage.VectorIndex
	advisor ConsolidationAdvisor
}

// NewConsolidationJob builds the job. advisor defaults to the heuristic
// decider if nil; vectors may be nil, in which case clustering uses
// keyword Jaccard only.
func NewConsolidationJob(store storage.PrimaryStore, vectors storage.VectorIndex, advisor ConsolidationAdvisor) *ConsolidationJob {
	if advisor == nil {
		advisor = heuristicAdvisor{}
	}
	return &ConsolidationJob{store: store, vectors: vectors, advisor: advisor}
}

func (j *ConsolidationJob) Name() string { return consolidationJobName }

// Run clusters up to batchSize active memories (batch sizes above 100
// are truncated, since clustering is O(n²) in the batch) and
// consolidates each cluster whose advisor decision is Supersede.
func (j *ConsolidationJob) Run(ctx context.Context, batchSize int) (types.JobReport, error) {
	start := time.Now()
	report := types.JobReport{JobName: consolidationJobName}

	if batchSize <= 0 || batchSize > 100 {
		batchSize = 100
	}

	candidates, err := j.store.List(ctx, storage.ListFilters{
		ArchivedFilter: storage.ArchivedExclude,
		SortBy:         storage.SortCreatedAt,
		Limit:          batchSize,
	})
	if err != nil {
		report.Duration = time.Since(start)
		return report, err
	}

	clusters, similarities := clusterBySimilarity(ctx, candidates, j.vectors)

	for ci, cluster := range clusters {
		if err := ctx.Err(); err != nil {
			report.Duration = time.Since(start)
			return report, err
		}
		if len(cluster) < 2 {
			continue
		}
		report.Processed += len(cluster)

		avg := similarities[ci]
		action, err := j.advisor.Decide(ctx, cluster, avg)
		if err != nil {
			report.Errors++
			log.Printf("engine: consolidation advisor failed: %v", err)
			continue
		}

		switch action {
		case ActionSupersede:
			changed, err := j.supersede(ctx, cluster)
			if err != nil {
				report.Errors++
				log.Printf("engine: consolidation supersede failed: %v", err)
				continue
			}
			report.Changed += changed
			report.Details = append(report.Details, fmt.Sprintf("supersede cluster of %d (avg_similarity=%.3f)", len(cluster), avg))
		default:
			report.Skipped += len(cluster)
			report.Details = append(report.Details, fmt.Sprintf("keep cluster of %d (avg_similarity=%.3f)", len(cluster), avg))
		}
	}

	report.Duration = time.Since(start)
	return report, nil
}

// supersede keeps the newest memory in cluster and marks every other
// member superseded via a typed link, never deleting or mutating content.
func (j *ConsolidationJob) supersede(ctx context.Context, cluster []types.Memory) (int, error) {
	newest := cluster[0]
	for _, m := range cluster[1:] {
		if m.CreatedAt.After(newest.CreatedAt) {
			newest = m
		}
	}

	changed := 0
	for _, m := range cluster {
		if m.ID == newest.ID {
			continue
		}
		if err := j.store.Link(ctx, m.ID, newest.ID, "superseded_by", 1.0, false); err != nil {
			return changed, err
		}
		changed++
	}
	return changed, nil
}

// clusterBySimilarity computes pairwise similarity via keyword Jaccard,
// augmented by cosine similarity when both members have a stored
// embedding, then runs connected-components clustering. It returns each
// cluster alongside its average pairwise similarity.
//
// An edge is drawn between two memories when their keyword Jaccard clears
// jaccardThreshold, OR — when both have a stored embedding — their cosine
// similarity clears cosineThreshold; the pair's recorded similarity is
// whichever signal is higher, so a strong cosine match can pull a cluster's
// avg_similarity above what Jaccard alone would. vectors may be nil, in
// which case clustering degrades to Jaccard only.
func clusterBySimilarity(ctx context.Context, memories []types.Memory, vectors storage.VectorIndex) ([][]types.Memory, []float64) {
	n := len(memories)

	embeddings := make([][]float32, n)
	if vectors != nil {
		for i, m := range memories {
			if !m.HasEmbedding {
				continue
			}
			if v, ok, err := vectors.Get(ctx, m.ID); err == nil && ok {
				embeddings[i] = v
			}
		}
	}

	pairSimilarity := func(i, k int) (float64, bool) {
		sim := jaccard(memories[i].Keywords, memories[k].Keywords)
		linked := sim >= jaccardThreshold
		if embeddings[i] != nil && embeddings[k] != nil {
			cos := cosineSimilarity(embeddings[i], embeddings[k])
			if cos > sim {
				sim = cos
			}
			if cos >= cosineThreshold {
				linked = true
			}
		}
		return sim, linked
	}

	parent := make([]int, n)
	for i := range parent {
		parent[i] = i
	}
	var find func(int) int
	find = func(x int) int {
		if parent[x] != x {
			parent[x] = find(parent[x])
		}
		return parent[x]
	}
	union := func(a, b int) {
		ra, rb := find(a), find(b)
		if ra != rb {
			parent[ra] = rb
		}
	}

	pairSim := make(map[[2]int]float64)
	for i := 0; i < n; i++ {
		for k := i + 1; k < n; k++ {
			sim, linked := pairSimilarity(i, k)
			if linked {
				union(i, k)
				pairSim[[2]int{i, k}] = sim
			}
		}
	}

	groups := make(map[int][]int)
	for i := 0; i < n; i++ {
		r := find(i)
		groups[r] = append(groups[r], i)
	}

	var clusters [][]types.Memory
	var avgs []float64
	for _, idxs := range groups {
		if len(idxs) < 2 {
			continue
		}
		var members []types.Memory
		var sum float64
		var count int
		for i := 0; i < len(idxs); i++ {
			members = append(members, memories[idxs[i]])
			for k := i + 1; k < len(idxs); k++ {
				key := [2]int{idxs[i], idxs[k]}
				if idxs[i] > idxs[k] {
					key = [2]int{idxs[k], idxs[i]}
				}
				if s, ok := pairSim[key]; ok {
					sum += s
				} else {
					s, _ := pairSimilarity(idxs[i], idxs[k])
					sum += s
				}
				count++
			}
		}
		avg := 0.0
		if count > 0 {
			avg = sum / float64(count)
		}
		clusters = append(clusters, members)
		avgs = append(avgs, avg)
	}

	return clusters, avgs
}

func jaccard(a, b []string) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 0
	}
	setA := make(map[string]bool, len(a))
	for _, s := range a {
		setA[lower(s)] = true
	}
	setB := make(map[string]bool, len(b))
	for _, s := range b {
		setB[lower(s)] = true
	}
	intersection := 0
	for k := range setA {
		if setB[k] {
			intersection++
		}
	}
	union := len(setA) + len(setB) - intersection
	if union == 0 {
		return 0
	}
	return float64(intersection) / float64(union)
}

func lower(s string) string {
	out := make([]rune, 0, len(s))
	for _, r := range s {
		if r >= 'A' && r <= 'Z' {
			r += 'a' - 'A'
		}
		out = append(out, r)
	}
	return string(out)
}
