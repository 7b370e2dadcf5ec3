package engine

import (
	"context"
	"math"
	"sort"

	"github.com/mnemosyne/core/internal/storage"
	"github.com/mnemosyne/core/pkg/types"
)

const maxGraphDepthCap = 4

// recordTraversalQueueSize bounds the best-effort background channel
// record_traversal writes go through: fire-and-forget, bounded, and
// dropped when full rather than blocking the caller.
const recordTraversalQueueSize = 256

type traversalEdge struct {
	src, dst string
}

// GraphTraversal implements bounded BFS over the memory_links graph:
// per-hop decay, a depth cap, and a background queue for traversal
// bookkeeping so expansion never blocks on it.
type GraphTraversal struct {
	store storage.PrimaryStore

	recordCh chan traversalEdge
	done     chan struct{}
}

// NewGraphTraversal starts a background worker that drains record_traversal
// calls so graph expansion never blocks on storage I/O.
func NewGraphTraversal(store storage.PrimaryStore) *GraphTraversal {
	g := &GraphTraversal{
		store:    store,
		recordCh: make(chan traversalEdge, recordTraversalQueueSize),
		done:     make(chan struct{}),
	}
	go g.drainTraversals()
	return g
}

// Close stops the background traversal recorder.
func (g *GraphTraversal) Close() {
	close(g.done)
}

func (g *GraphTraversal) drainTraversals() {
	for {
		select {
		case e := <-g.recordCh:
			_ = g.store.RecordTraversal(context.Background(), e.src, e.dst)
		case <-g.done:
			return
		}
	}
}

// recordTraversalAsync enqueues a best-effort record_traversal; if the
// queue is full the call is dropped rather than blocking the caller.
func (g *GraphTraversal) recordTraversalAsync(src, dst string) {
	select {
	case g.recordCh <- traversalEdge{src, dst}:
	default:
	}
}

// decay computes the per-hop edge weight: decay(d) = 0.5^(d-1).
func decay(depth int) float64 {
	return math.Pow(0.5, float64(depth-1))
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func normalizeMaxDepth(depth int) int {
	if depth < 0 {
		return 0
	}
	if depth > maxGraphDepthCap {
		return maxGraphDepthCap
	}
	return depth
}

// Scores computes the graph-proximity score (in [0,1]) of every node
// reachable from seeds within maxDepth hops: each edge contributes
// strength*decay(depth), summed per node and clamped to [0,1]. Nodes in
// seeds never appear in the result (they are the origin, not a hop
// away), even when re-reached through a cycle.
//
// Every expanded edge is recorded via record_traversal in the
// background, never blocking this call.
func (g *GraphTraversal) Scores(ctx context.Context, seeds []string, maxDepth int) (map[string]float64, error) {
	maxDepth = normalizeMaxDepth(maxDepth)
	scores := make(map[string]float64)
	if maxDepth == 0 || len(seeds) == 0 {
		return scores, nil
	}

	type frontierNode struct {
		id    string
		depth int
	}

	visited := make(map[string]bool, len(seeds))
	queue := make([]frontierNode, 0, len(seeds))
	for _, s := range seeds {
		if visited[s] {
			continue
		}
		visited[s] = true
		queue = append(queue, frontierNode{id: s, depth: 0})
	}

	for len(queue) > 0 {
		if err := ctx.Err(); err != nil {
			return scores, err
		}
		cur := queue[0]
		queue = queue[1:]

		if cur.depth >= maxDepth {
			continue
		}

		links, err := g.store.LinksFrom(ctx, cur.id)
		if err != nil {
			continue
		}

		for _, l := range links {
			nextDepth := cur.depth + 1
			contribution := l.Strength * decay(nextDepth)
			scores[l.TargetID] = clamp01(scores[l.TargetID] + contribution)

			g.recordTraversalAsync(cur.id, l.TargetID)

			if !visited[l.TargetID] {
				visited[l.TargetID] = true
				queue = append(queue, frontierNode{id: l.TargetID, depth: nextDepth})
			}
		}
	}

	for _, s := range seeds {
		delete(scores, s)
	}
	return scores, nil
}

// Traverse resolves the memories reachable from seedIDs within depth
// hops, sorted by descending graph score then ascending id.
func (g *GraphTraversal) Traverse(ctx context.Context, seedIDs []string, depth int) ([]types.Memory, error) {
	scores, err := g.Scores(ctx, seedIDs, depth)
	if err != nil && len(scores) == 0 {
		return nil, err
	}

	ids := make([]string, 0, len(scores))
	for id := range scores {
		ids = append(ids, id)
	}

	memories := make([]types.Memory, 0, len(ids))
	for _, id := range ids {
		m, getErr := g.store.Get(ctx, id)
		if getErr != nil {
			continue
		}
		memories = append(memories, *m)
	}

	sortByGraphScoreThenID(memories, scores)
	return memories, nil
}

func sortByGraphScoreThenID(memories []types.Memory, scores map[string]float64) {
	sort.Slice(memories, func(i, j int) bool {
		a, b := memories[i], memories[j]
		sa, sb := scores[a.ID], scores[b.ID]
		if sa != sb {
			return sa > sb
		}
		return a.ID < b.ID
	})
}
