package sqlite

import (
	"context"

	"github.com/mnemosyne/core/internal/core"
	"github.com/mnemosyne/core/internal/storage"
)

// Compile-time assertion that MemoryStore satisfies the lexical half of
// the hybrid searcher's fan-out.
var _ storage.FullTextSearcher = (*MemoryStore)(nil)

// Search runs a full-text query against memories_fts (content+summary+
// keywords, kept in sync by the triggers in migration 0002) and returns
// BM25-derived scores normalized to [0,1].
//
// SQLite's bm25() returns unbounded negative-is-better scores, so the raw
// value is negated to x and folded through x/(1+x), which maps "more
// relevant" (more negative bm25) to a value approaching 1 and "barely
// relevant" towards 0 without needing the full corpus's score
// distribution to normalize against.
func (s *MemoryStore) Search(ctx context.Context, query string, limit int) ([]storage.ScoredID, error) {
	if query == "" {
		return nil, nil
	}
	if limit <= 0 {
		limit = 50
	}

	ftsExpr := buildOrQuery(query)
	if ftsExpr == "" {
		return nil, nil
	}

	// memories_fts is an external-content table (migration 0002): it has no
	// id column of its own, so the id is recovered by joining back to
	// memories on rowid.
	rows, err := s.db.QueryContext(ctx, `
		SELECT m.id, bm25(memories_fts) AS rank
		FROM memories_fts
		JOIN memories m ON m.rowid = memories_fts.rowid
		WHERE memories_fts MATCH ?
		ORDER BY rank
		LIMIT ?
	`, ftsExpr, limit)
	if err != nil {
		return nil, core.Wrap(err, "sqlite: fts search failed")
	}
	defer rows.Close()

	var out []storage.ScoredID
	for rows.Next() {
		var id string
		var rank float64
		if err := rows.Scan(&id, &rank); err != nil {
			return nil, core.Wrap(err, "sqlite: fts row scan failed")
		}
		x := maxFloat(0, -rank)
		score := x / (1.0 + x)
		out = append(out, storage.ScoredID{ID: id, Score: score})
	}
	if err := rows.Err(); err != nil {
		return nil, core.Wrap(err, "sqlite: fts row iteration failed")
	}
	return out, nil
}

func maxFloat(a, b float64) float64 {
	if a > b {
		return a
	}
	return b
}

func isFTSWordChar(r rune) bool {
	return (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '_'
}

// buildOrQuery splits q on whitespace/punctuation and joins the resulting
// terms with OR so a multi-word query degrades gracefully instead of
// requiring every term to match; each term is double-quoted so FTS5
// treats it as a literal token rather than parsing query syntax out of
// user input.
func buildOrQuery(q string) string {
	var terms []string
	start := -1
	for i, r := range q {
		if isFTSWordChar(r) {
			if start == -1 {
				start = i
			}
		} else if start != -1 {
			terms = append(terms, q[start:i])
			start = -1
		}
	}
	if start != -1 {
		terms = append(terms, q[start:])
	}
	if len(terms) == 0 {
		return ""
	}
	out := `"` + terms[0] + `"`
	for _, t := range terms[1:] {
		out += ` OR "` + t + `"`
	}
	return out
}
