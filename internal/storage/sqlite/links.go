package sqlite

import (
	"context"
	"database/sql"
	"time"

	"github.com/mnemosyne/core/internal/core"
	"github.com/mnemosyne/core/pkg/types"
)

// Link inserts a directed edge, unique per (source,target,link_type).
func (s *MemoryStore) Link(ctx context.Context, sourceID, targetID, linkType string, strength float64, userCreated bool) error {
	if sourceID == targetID {
		return core.NewInvalid("target_id", "a memory cannot link to itself")
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO memory_links (source_id, target_id, link_type, strength, user_created, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(source_id, target_id, link_type) DO UPDATE SET
			strength = excluded.strength, user_created = excluded.user_created
	`, sourceID, targetID, linkType, strength, boolToInt(userCreated), time.Now().UTC())
	if err != nil {
		return core.Wrap(err, "sqlite: link failed")
	}
	return nil
}

func (s *MemoryStore) Unlink(ctx context.Context, sourceID, targetID, linkType string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM memory_links WHERE source_id = ? AND target_id = ? AND link_type = ?`, sourceID, targetID, linkType)
	if err != nil {
		return core.Wrap(err, "sqlite: unlink failed")
	}
	return nil
}

func (s *MemoryStore) RemoveLink(ctx context.Context, sourceID, targetID, linkType string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM memory_links WHERE source_id = ? AND target_id = ? AND link_type = ?`, sourceID, targetID, linkType)
	if err != nil {
		return core.Wrap(err, "sqlite: remove link failed")
	}
	return nil
}

// RecordTraversal updates last_traversed_at for best-effort background
// bookkeeping during graph traversal.
func (s *MemoryStore) RecordTraversal(ctx context.Context, sourceID, targetID string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE memory_links SET last_traversed_at = ? WHERE source_id = ? AND target_id = ?
	`, time.Now().UTC(), sourceID, targetID)
	if err != nil {
		return core.Wrap(err, "sqlite: record traversal failed")
	}
	return nil
}

func (s *MemoryStore) UpdateLinkStrength(ctx context.Context, sourceID, targetID, linkType string, strength float64) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE memory_links SET strength = ? WHERE source_id = ? AND target_id = ? AND link_type = ?
	`, strength, sourceID, targetID, linkType)
	if err != nil {
		return core.Wrap(err, "sqlite: update link strength failed")
	}
	return nil
}

func scanLinks(rows *sql.Rows) ([]types.MemoryLink, error) {
	defer rows.Close()
	var out []types.MemoryLink
	for rows.Next() {
		var l types.MemoryLink
		var userCreated int
		var lastTraversed sql.NullTime
		if err := rows.Scan(&l.SourceID, &l.TargetID, &l.LinkType, &l.Strength, &userCreated, &l.CreatedAt, &lastTraversed); err != nil {
			return nil, err
		}
		l.UserCreated = userCreated != 0
		if lastTraversed.Valid {
			t := lastTraversed.Time
			l.LastTraversedAt = &t
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

const linkSelect = `SELECT source_id, target_id, link_type, strength, user_created, created_at, last_traversed_at FROM memory_links`

func (s *MemoryStore) LinksFrom(ctx context.Context, id string) ([]types.MemoryLink, error) {
	rows, err := s.db.QueryContext(ctx, linkSelect+` WHERE source_id = ?`, id)
	if err != nil {
		return nil, core.Wrap(err, "sqlite: links-from query failed")
	}
	links, err := scanLinks(rows)
	if err != nil {
		return nil, core.Wrap(err, "sqlite: links-from scan failed")
	}
	return links, nil
}

func (s *MemoryStore) LinksTo(ctx context.Context, id string) ([]types.MemoryLink, error) {
	rows, err := s.db.QueryContext(ctx, linkSelect+` WHERE target_id = ?`, id)
	if err != nil {
		return nil, core.Wrap(err, "sqlite: links-to query failed")
	}
	links, err := scanLinks(rows)
	if err != nil {
		return nil, core.Wrap(err, "sqlite: links-to scan failed")
	}
	return links, nil
}

func (s *MemoryStore) AllLinks(ctx context.Context, limit int) ([]types.MemoryLink, error) {
	if limit <= 0 {
		limit = 10_000
	}
	rows, err := s.db.QueryContext(ctx, linkSelect+` LIMIT ?`, limit)
	if err != nil {
		return nil, core.Wrap(err, "sqlite: all-links query failed")
	}
	links, err := scanLinks(rows)
	if err != nil {
		return nil, core.Wrap(err, "sqlite: all-links scan failed")
	}
	return links, nil
}

// ArchivalCandidates selects non-archived, non-high-importance memories
// that satisfy any of the three archival conditions. The importance<7
// gate and the disjunction of conditions are pushed into SQL so the
// evolution job only has to iterate the already-qualifying set.
func (s *MemoryStore) ArchivalCandidates(ctx context.Context, limit int) ([]types.Memory, error) {
	if limit <= 0 {
		limit = 500
	}
	rows, err := s.db.QueryContext(ctx, baseSelect+`
		WHERE archived_at IS NULL
		  AND importance < 7.0
		  AND (
		    (access_count = 0 AND julianday('now') - julianday(created_at) >= 180)
		    OR (importance < 3.0 AND julianday('now') - julianday(COALESCE(last_accessed_at, created_at)) >= 90)
		    OR (importance < 2.0 AND julianday('now') - julianday(COALESCE(last_accessed_at, created_at)) >= 30)
		  )
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, core.Wrap(err, "sqlite: archival candidates query failed")
	}
	defer rows.Close()

	var out []types.Memory
	for rows.Next() {
		m, err := scanMemory(rows)
		if err != nil {
			return nil, core.Wrap(err, "sqlite: archival candidates scan failed")
		}
		out = append(out, *m)
	}
	return out, rows.Err()
}

// LinkDecayCandidates returns links not traversed in the last
// minUntraversedDays, excluding user-created links (those never decay).
// "Not traversed" includes links that have never been traversed at
// all, using created_at as the reference instant.
func (s *MemoryStore) LinkDecayCandidates(ctx context.Context, minUntraversedDays int, limit int) ([]types.MemoryLink, error) {
	if limit <= 0 {
		limit = 1000
	}
	rows, err := s.db.QueryContext(ctx, linkSelect+`
		WHERE user_created = 0
		  AND julianday('now') - julianday(COALESCE(last_traversed_at, created_at)) >= ?
		LIMIT ?
	`, minUntraversedDays, limit)
	if err != nil {
		return nil, core.Wrap(err, "sqlite: link decay candidates query failed")
	}
	links, err := scanLinks(rows)
	if err != nil {
		return nil, core.Wrap(err, "sqlite: link decay candidates scan failed")
	}
	return links, nil
}

// ActiveMemoriesForRecalibration returns non-archived memories for the
// importance recalibration job. All active memories are eligible; the
// job itself decides whether the computed delta is large enough to
// commit.
func (s *MemoryStore) ActiveMemoriesForRecalibration(ctx context.Context, limit int) ([]types.Memory, error) {
	if limit <= 0 {
		limit = 500
	}
	rows, err := s.db.QueryContext(ctx, baseSelect+` WHERE archived_at IS NULL LIMIT ?`, limit)
	if err != nil {
		return nil, core.Wrap(err, "sqlite: recalibration candidates query failed")
	}
	defer rows.Close()

	var out []types.Memory
	for rows.Next() {
		m, err := scanMemory(rows)
		if err != nil {
			return nil, core.Wrap(err, "sqlite: recalibration candidates scan failed")
		}
		out = append(out, *m)
	}
	return out, rows.Err()
}

// CountLinks returns the number of in-links and out-links for id, used by
// the importance recalibration job's links factor.
func (s *MemoryStore) CountLinks(ctx context.Context, id string) (inLinks, outLinks int, err error) {
	if err := s.db.QueryRowContext(ctx, `SELECT count(*) FROM memory_links WHERE target_id = ?`, id).Scan(&inLinks); err != nil {
		return 0, 0, core.Wrap(err, "sqlite: count in-links failed")
	}
	if err := s.db.QueryRowContext(ctx, `SELECT count(*) FROM memory_links WHERE source_id = ?`, id).Scan(&outLinks); err != nil {
		return 0, 0, core.Wrap(err, "sqlite: count out-links failed")
	}
	return inLinks, outLinks, nil
}
