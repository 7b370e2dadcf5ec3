//go:build !(cgo && sqlite_vec)

package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"sort"

	"github.com/mnemosyne/core/internal/core"
	"github.com/mnemosyne/core/internal/storage"
)

// VectorIndex is the pure-Go fallback vector index: a plain table of
// BLOB-encoded float32 vectors, scanned linearly and compared with an
// in-Go cosine similarity. It satisfies the same KNN contract as the
// cgo,sqlite_vec build's real vec0 virtual table, but is not itself a
// vector-extension virtual table.
//
// maxScanCandidates bounds the brute-force scan so a pathological corpus
// can't turn every recall call into an unbounded table scan.
const maxScanCandidates = 50_000

type VectorIndex struct {
	db  *sql.DB
	dim int
}

// NewVectorIndex opens the fallback vector index against db, which must
// already have the memory_vectors table (migration 0003). The error
// return exists only so this build's constructor shares a signature with
// the cgo,sqlite_vec build's (which can fail creating the vec0 virtual
// table); it is always nil here.
func NewVectorIndex(db *sql.DB, dim int) (*VectorIndex, error) {
	return &VectorIndex{db: db, dim: dim}, nil
}

func (v *VectorIndex) Dimension() int { return v.dim }

func (v *VectorIndex) Upsert(ctx context.Context, id string, vec []float32) error {
	if len(vec) != v.dim {
		return core.NewInvalid("embedding", "expected dimension %d, got %d", v.dim, len(vec))
	}
	_, err := v.db.ExecContext(ctx, `
		INSERT INTO memory_vectors (memory_id, dim, embedding)
		VALUES (?, ?, ?)
		ON CONFLICT(memory_id) DO UPDATE SET dim = excluded.dim, embedding = excluded.embedding
	`, id, v.dim, encodeVector(vec))
	if err != nil {
		return core.Wrap(err, "vector index: upsert failed")
	}
	return nil
}

func (v *VectorIndex) Delete(ctx context.Context, id string) error {
	_, err := v.db.ExecContext(ctx, `DELETE FROM memory_vectors WHERE memory_id = ?`, id)
	if err != nil {
		return core.Wrap(err, "vector index: delete failed")
	}
	return nil
}

func (v *VectorIndex) Has(ctx context.Context, id string) (bool, error) {
	var exists int
	err := v.db.QueryRowContext(ctx, `SELECT 1 FROM memory_vectors WHERE memory_id = ?`, id).Scan(&exists)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, core.Wrap(err, "vector index: has query failed")
	}
	return true, nil
}

// Get returns the raw embedding stored for id, used by consolidation's
// cosine-augmented clustering instead of the KNN path.
func (v *VectorIndex) Get(ctx context.Context, id string) ([]float32, bool, error) {
	var blob []byte
	err := v.db.QueryRowContext(ctx, `SELECT embedding FROM memory_vectors WHERE memory_id = ?`, id).Scan(&blob)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, core.Wrap(err, "vector index: get failed")
	}
	return decodeVector(blob), true, nil
}

// KNN performs a brute-force cosine similarity scan, sorted by descending
// similarity with ties broken by ascending created_at then id.
// created_at is not stored on this table, so the tie-break join happens
// in the caller (the hybrid searcher) against the primary store's
// authoritative created_at; here ties are broken by id only, which is a
// stable, deterministic sub-ordering that the caller's stable final
// sort then refines.
func (v *VectorIndex) KNN(ctx context.Context, q []float32, k int, minSimilarity float32) ([]storage.ScoredID, error) {
	rows, err := v.db.QueryContext(ctx, fmt.Sprintf(`SELECT memory_id, embedding FROM memory_vectors LIMIT %d`, maxScanCandidates))
	if err != nil {
		return nil, core.Wrap(err, "vector index: knn scan failed")
	}
	defer rows.Close()

	type cand struct {
		id    string
		score float64
	}
	var all []cand
	for rows.Next() {
		var id string
		var blob []byte
		if err := rows.Scan(&id, &blob); err != nil {
			return nil, core.Wrap(err, "vector index: row scan failed")
		}
		sim := cosineSimilarity(q, decodeVector(blob))
		if sim >= float64(minSimilarity) {
			all = append(all, cand{id: id, score: sim})
		}
	}
	if err := rows.Err(); err != nil {
		return nil, core.Wrap(err, "vector index: row iteration failed")
	}

	sort.Slice(all, func(i, j int) bool {
		if all[i].score != all[j].score {
			return all[i].score > all[j].score
		}
		return all[i].id < all[j].id
	})

	if k > 0 && len(all) > k {
		all = all[:k]
	}

	out := make([]storage.ScoredID, len(all))
	for i, c := range all {
		out[i] = storage.ScoredID{ID: c.id, Score: c.score}
	}
	return out, nil
}
