//go:build cgo && sqlite_vec

package sqlite

import (
	"context"
	"database/sql"
	"fmt"

	vec "github.com/asg017/sqlite-vec-go-bindings/cgo"

	"github.com/mnemosyne/core/internal/core"
	"github.com/mnemosyne/core/internal/storage"
)

// VectorIndex wraps a genuine sqlite-vec vec0 virtual table. It lives in
// the same database file and connection as the primary store, which is
// why this build uses mattn/go-sqlite3 for both (see driver_vec0.go):
// sqlite-vec's extension only loads into that driver.
type VectorIndex struct {
	db  *sql.DB
	dim int
}

// NewVectorIndex creates the vec0 virtual table (idempotently) and
// returns a VectorIndex bound to it. The extension is loaded once per
// process by driver_vec0.go's init(), before this runs.
func NewVectorIndex(db *sql.DB, dim int) (*VectorIndex, error) {
	ddl := fmt.Sprintf(`CREATE VIRTUAL TABLE IF NOT EXISTS memory_vectors USING vec0(
		memory_id TEXT PRIMARY KEY,
		embedding float[%d]
	)`, dim)
	if _, err := db.Exec(ddl); err != nil {
		return nil, core.Wrap(err, "vector index: failed to create vec0 virtual table")
	}
	return &VectorIndex{db: db, dim: dim}, nil
}

func (v *VectorIndex) Dimension() int { return v.dim }

func (v *VectorIndex) Upsert(ctx context.Context, id string, embedding []float32) error {
	if len(embedding) != v.dim {
		return core.NewInvalid("embedding", "expected dimension %d, got %d", v.dim, len(embedding))
	}
	blob, err := vec.SerializeFloat32(embedding)
	if err != nil {
		return core.Wrap(err, "vector index: serialize failed")
	}
	if _, err := v.db.ExecContext(ctx, `DELETE FROM memory_vectors WHERE memory_id = ?`, id); err != nil {
		return core.Wrap(err, "vector index: upsert delete-phase failed")
	}
	if _, err := v.db.ExecContext(ctx, `INSERT INTO memory_vectors (memory_id, embedding) VALUES (?, ?)`, id, blob); err != nil {
		return core.Wrap(err, "vector index: upsert insert-phase failed")
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

// Get returns the raw embedding stored for id. vec0 stores the vector
// column in the same little-endian float32 layout the fallback build's
// own BLOB column uses, so decodeVector applies unchanged.
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

// KNN runs a vec0 KNN query ordered by ascending distance, then converts
// distance to cosine similarity and applies minSimilarity / k.
func (v *VectorIndex) KNN(ctx context.Context, q []float32, k int, minSimilarity float32) ([]storage.ScoredID, error) {
	if k <= 0 {
		return nil, nil
	}
	blob, err := vec.SerializeFloat32(q)
	if err != nil {
		return nil, core.Wrap(err, "vector index: serialize query failed")
	}

	rows, err := v.db.QueryContext(ctx, `
		SELECT memory_id, distance
		FROM memory_vectors
		WHERE embedding MATCH ? AND k = ?
		ORDER BY distance
	`, blob, k)
	if err != nil {
		return nil, core.Wrap(err, "vector index: knn query failed")
	}
	defer rows.Close()

	var out []storage.ScoredID
	for rows.Next() {
		var id string
		var distance float64
		if err := rows.Scan(&id, &distance); err != nil {
			return nil, core.Wrap(err, "vector index: row scan failed")
		}
		similarity := 1.0 - distance/2.0 // vec0 cosine distance is in [0,2]
		if similarity >= float64(minSimilarity) {
			out = append(out, storage.ScoredID{ID: id, Score: similarity})
		}
	}
	if err := rows.Err(); err != nil {
		return nil, core.Wrap(err, "vector index: row iteration failed")
	}
	return out, nil
}
