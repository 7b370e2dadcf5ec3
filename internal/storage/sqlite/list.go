package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/mnemosyne/core/internal/core"
	"github.com/mnemosyne/core/internal/storage"
	"github.com/mnemosyne/core/pkg/types"
)

// baseSelect is shared by every query that materializes a full Memory row.
const baseSelect = `
	SELECT id, namespace, content, summary, keywords, tags, memory_type,
		importance, confidence, created_at, updated_at, access_count,
		last_accessed_at, archived_at, created_by, modified_by, visible_to, has_embedding
	FROM memories`

// rowScanner is satisfied by both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanMemory(row rowScanner) (*types.Memory, error) {
	var m types.Memory
	var namespace, keywordsJSON, tagsJSON, visibleJSON string
	var lastAccessed, archivedAt sql.NullTime
	var hasEmbedding int

	err := row.Scan(
		&m.ID, &namespace, &m.Content, &m.Summary, &keywordsJSON, &tagsJSON, &m.Type,
		&m.Importance, &m.Confidence, &m.CreatedAt, &m.UpdatedAt, &m.AccessCount,
		&lastAccessed, &archivedAt, &m.CreatedBy, &m.ModifiedBy, &visibleJSON, &hasEmbedding,
	)
	if err != nil {
		return nil, err
	}

	ns, parseErr := types.ParseNamespace(namespace)
	if parseErr != nil {
		return nil, fmt.Errorf("sqlite: stored memory %s has invalid namespace %q: %w", m.ID, namespace, parseErr)
	}
	m.Namespace = ns

	_ = json.Unmarshal([]byte(keywordsJSON), &m.Keywords)
	_ = json.Unmarshal([]byte(tagsJSON), &m.Tags)
	_ = json.Unmarshal([]byte(visibleJSON), &m.VisibleTo)

	if lastAccessed.Valid {
		t := lastAccessed.Time
		m.LastAccessedAt = &t
	}
	if archivedAt.Valid {
		t := archivedAt.Time
		m.ArchivedAt = &t
	}
	m.HasEmbedding = hasEmbedding != 0

	return &m, nil
}

// List returns memories matching filters, paginated and sorted.
// Namespace containment (IncludeSubNamespace) is evaluated in Go rather
// than SQL: the set of namespaces a project hierarchically contains is
// small and computing it in SQL would mean either a LIKE scan over an
// unindexed derived column or denormalizing namespace kind/project into
// extra columns the migration doesn't carry.
func (s *MemoryStore) List(ctx context.Context, filters storage.ListFilters) ([]types.Memory, error) {
	filters.Normalize()

	var where []string
	var args []interface{}

	switch filters.ArchivedFilter {
	case storage.ArchivedExclude:
		where = append(where, "archived_at IS NULL")
	case storage.ArchivedOnly:
		where = append(where, "archived_at IS NOT NULL")
	}

	if filters.MinImportance > 0 {
		where = append(where, "importance >= ?")
		args = append(args, filters.MinImportance)
	}

	if len(filters.Types) > 0 {
		placeholders := make([]string, len(filters.Types))
		for i, t := range filters.Types {
			placeholders[i] = "?"
			args = append(args, string(t))
		}
		where = append(where, fmt.Sprintf("memory_type IN (%s)", strings.Join(placeholders, ",")))
	}

	if filters.Namespace != nil && !filters.IncludeSubNamespace {
		where = append(where, "namespace = ?")
		args = append(args, filters.Namespace.String())
	}

	query := baseSelect
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += fmt.Sprintf(" ORDER BY %s %s", sortColumn(filters.SortBy), sortDirection(filters))
	query += " LIMIT ? OFFSET ?"
	args = append(args, filters.Limit, filters.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, core.Wrap(err, "sqlite: list failed")
	}
	defer rows.Close()

	var out []types.Memory
	for rows.Next() {
		m, err := scanMemory(rows)
		if err != nil {
			return nil, core.Wrap(err, "sqlite: list scan failed")
		}

		if filters.Namespace != nil && filters.IncludeSubNamespace && !filters.Namespace.Contains(m.Namespace) {
			continue
		}
		if len(filters.Tags) > 0 && !hasAnyTag(m.Tags, filters.Tags) {
			continue
		}
		out = append(out, *m)
	}
	if err := rows.Err(); err != nil {
		return nil, core.Wrap(err, "sqlite: list iteration failed")
	}
	return out, nil
}

func hasAnyTag(have, want []string) bool {
	set := make(map[string]bool, len(have))
	for _, t := range have {
		set[strings.ToLower(t)] = true
	}
	for _, w := range want {
		if set[strings.ToLower(w)] {
			return true
		}
	}
	return false
}

// sortColumn whitelists SortBy against SQL injection; ListFilters.Normalize
// already does this, but a second check here keeps this function safe even
// if called directly.
func sortColumn(key storage.SortKey) string {
	switch key {
	case storage.SortImportance:
		return "importance"
	case storage.SortLastAccessedAt:
		return "last_accessed_at"
	case storage.SortAccessCount:
		return "access_count"
	default:
		return "created_at"
	}
}

func sortDirection(f storage.ListFilters) string {
	if f.SortDescending {
		return "DESC"
	}
	return "ASC"
}
