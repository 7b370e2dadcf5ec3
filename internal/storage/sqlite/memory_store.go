// Package sqlite implements the Memory Core's storage.PrimaryStore and
// storage.VectorIndex against an embedded SQLite database file: WAL mode,
// a single shared connection, and a migration-driven schema.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"net/url"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/mnemosyne/core/internal/core"
	"github.com/mnemosyne/core/internal/storage"
	"github.com/mnemosyne/core/pkg/types"
)

// MemoryStore implements storage.PrimaryStore using SQLite.
type MemoryStore struct {
	db *sql.DB
}

// NewMemoryStore opens a SQLite database at dsn, applies embedded
// migrations, and returns a ready-to-use MemoryStore. If the initial open
// fails due to stale WAL files left behind by a crashed process, it
// verifies no other process holds them and retries once after removing
// the stale -shm/-wal files — the store never repairs data, only
// orphaned lock sidecars it can prove are unheld.
func NewMemoryStore(dsn string) (*MemoryStore, error) {
	store, err := openMemoryStore(dsn)
	if err == nil {
		return store, nil
	}

	if !isRecoverableWALError(err) {
		return nil, err
	}

	dbPath := dbPathFromDSN(dsn)
	if dbPath == "" || dbPath == ":memory:" {
		return nil, err
	}
	if !isWALStale(dbPath) {
		return nil, err
	}
	removeStaleWAL(dbPath)

	store, retryErr := openMemoryStore(dsn)
	if retryErr != nil {
		return nil, fmt.Errorf("sqlite: failed after WAL recovery: %w (original: %v)", retryErr, err)
	}
	log.Printf("sqlite: recovered from stale WAL files for %s", dbPath)
	return store, nil
}

func openMemoryStore(dsn string) (*MemoryStore, error) {
	db, err := openDB(dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlite: failed to open database: %w", err)
	}

	// SQLite supports one concurrent writer; a single open connection
	// serializes writes so callers queue behind busy_timeout instead of
	// getting SQLITE_BUSY. WAL mode lets readers proceed without blocking
	// the writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("sqlite: failed to apply %q: %w", pragma, err)
		}
	}

	mgr, err := storage.NewMigrationManager(db, storage.EmbeddedMigrations, "migrations")
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite: failed to create migration manager: %w", err)
	}
	if err := mgr.Up(); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite: failed to apply migrations: %w", err)
	}

	return &MemoryStore{db: db}, nil
}

// DB exposes the underlying connection for components (vector index,
// config settings overrides, FTS fan-out) that share the single write
// connection.
func (s *MemoryStore) DB() *sql.DB { return s.db }

func (s *MemoryStore) Close() error { return s.db.Close() }

// Put atomically inserts a memory row, fails with Conflict if the id
// already exists.
func (s *MemoryStore) Put(ctx context.Context, m *types.Memory) error {
	if m == nil {
		return core.NewInvalid("memory", "must not be nil")
	}
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	if err := m.Validate(); err != nil {
		return core.NewInvalid("memory", "%v", err)
	}

	keywordsJSON, _ := json.Marshal(m.Keywords)
	tagsJSON, _ := json.Marshal(m.Tags)
	visibleJSON, _ := json.Marshal(m.VisibleTo)

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO memories (
			id, namespace, content, summary, keywords, tags, memory_type,
			importance, confidence, created_at, updated_at, access_count,
			last_accessed_at, archived_at, created_by, modified_by,
			visible_to, has_embedding
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		m.ID, m.Namespace.String(), m.Content, m.Summary, string(keywordsJSON), string(tagsJSON),
		string(m.Type), m.Importance, m.Confidence, m.CreatedAt, m.UpdatedAt, m.AccessCount,
		nullTime(m.LastAccessedAt), nullTime(m.ArchivedAt), m.CreatedBy, m.ModifiedBy,
		string(visibleJSON), boolToInt(m.HasEmbedding),
	)
	if err != nil {
		if isUniqueConstraintErr(err) {
			return core.NewConflict("memory %s already exists", m.ID)
		}
		return core.Wrap(err, "sqlite: put failed")
	}
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, id string) (*types.Memory, error) {
	row := s.db.QueryRowContext(ctx, baseSelect+` WHERE id = ?`, id)
	m, err := scanMemory(row)
	if err == sql.ErrNoRows {
		return nil, core.NewNotFound("memory %s not found", id)
	}
	if err != nil {
		return nil, core.Wrap(err, "sqlite: get failed")
	}
	return m, nil
}

// Update applies a partial update under a single transaction, rejecting
// edits that would violate any invariant.
func (s *MemoryStore) Update(ctx context.Context, id string, diff storage.MemoryDiff) (*types.Memory, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, core.Wrap(err, "sqlite: update begin failed")
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx, baseSelect+` WHERE id = ?`, id)
	m, err := scanMemory(row)
	if err == sql.ErrNoRows {
		return nil, core.NewNotFound("memory %s not found", id)
	}
	if err != nil {
		return nil, core.Wrap(err, "sqlite: update select failed")
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
	if diff.ModifiedBy != nil {
		m.ModifiedBy = *diff.ModifiedBy
	}
	if diff.VisibleTo != nil {
		m.VisibleTo = diff.VisibleTo
	}
	m.NormalizeSets()
	m.UpdatedAt = time.Now().UTC()

	if err := m.Validate(); err != nil {
		return nil, core.NewInvalid("memory", "%v", err)
	}

	keywordsJSON, _ := json.Marshal(m.Keywords)
	tagsJSON, _ := json.Marshal(m.Tags)
	visibleJSON, _ := json.Marshal(m.VisibleTo)

	_, err = tx.ExecContext(ctx, `
		UPDATE memories SET content=?, summary=?, keywords=?, tags=?, memory_type=?,
			importance=?, confidence=?, updated_at=?, modified_by=?, visible_to=?
		WHERE id=?
	`, m.Content, m.Summary, string(keywordsJSON), string(tagsJSON), string(m.Type),
		m.Importance, m.Confidence, m.UpdatedAt, m.ModifiedBy, string(visibleJSON), id)
	if err != nil {
		return nil, core.Wrap(err, "sqlite: update exec failed")
	}

	if err := tx.Commit(); err != nil {
		return nil, core.Wrap(err, "sqlite: update commit failed")
	}
	return m, nil
}

// Delete cascades to links (both directions), the vector row and
// traversal bookkeeping; importance history and job runs are
// preserved.
func (s *MemoryStore) Delete(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return core.Wrap(err, "sqlite: delete begin failed")
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `DELETE FROM memories WHERE id = ?`, id)
	if err != nil {
		return core.Wrap(err, "sqlite: delete failed")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return core.NewNotFound("memory %s not found", id)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM memory_links WHERE source_id=? OR target_id=?`, id, id); err != nil {
		return core.Wrap(err, "sqlite: delete links failed")
	}
	if err := tx.Commit(); err != nil {
		return core.Wrap(err, "sqlite: delete commit failed")
	}
	return nil
}

// Touch increments access_count and sets last_accessed_at via a single
// atomic UPDATE, safe under concurrent access.
func (s *MemoryStore) Touch(ctx context.Context, id string) error {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx, `
		UPDATE memories SET access_count = access_count + 1, last_accessed_at = ?
		WHERE id = ?
	`, now, id)
	if err != nil {
		return core.Wrap(err, "sqlite: touch failed")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return core.NewNotFound("memory %s not found", id)
	}
	return nil
}

// SetHasEmbedding flips the has_embedding bookkeeping column after a
// vector write has already completed; it never fails the memory's own
// existence and is called best-effort by the engine layer.
func (s *MemoryStore) SetHasEmbedding(ctx context.Context, id string, hasEmbedding bool) error {
	res, err := s.db.ExecContext(ctx, `UPDATE memories SET has_embedding = ? WHERE id = ?`, boolToInt(hasEmbedding), id)
	if err != nil {
		return core.Wrap(err, "sqlite: set has_embedding failed")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return core.NewNotFound("memory %s not found", id)
	}
	return nil
}

func (s *MemoryStore) Archive(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE memories SET archived_at = ? WHERE id = ? AND archived_at IS NULL`, time.Now().UTC(), id)
	if err != nil {
		return core.Wrap(err, "sqlite: archive failed")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return core.NewNotFound("memory %s not found or already archived", id)
	}
	return nil
}

func (s *MemoryStore) Unarchive(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE memories SET archived_at = NULL WHERE id = ?`, id)
	if err != nil {
		return core.Wrap(err, "sqlite: unarchive failed")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return core.NewNotFound("memory %s not found", id)
	}
	return nil
}

// RecalibrateImportance performs a compare-and-set update: it only
// commits if the row's updated_at still matches expectedUpdatedAt.
func (s *MemoryStore) RecalibrateImportance(ctx context.Context, id string, expectedUpdatedAt time.Time, newImportance float64, reason string) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, core.Wrap(err, "sqlite: recalibrate begin failed")
	}
	defer tx.Rollback()

	var oldImportance float64
	var updatedAt time.Time
	err = tx.QueryRowContext(ctx, `SELECT importance, updated_at FROM memories WHERE id = ?`, id).Scan(&oldImportance, &updatedAt)
	if err == sql.ErrNoRows {
		return false, core.NewNotFound("memory %s not found", id)
	}
	if err != nil {
		return false, core.Wrap(err, "sqlite: recalibrate select failed")
	}
	if !updatedAt.Equal(expectedUpdatedAt) {
		return false, nil // lost the race to a concurrent writer; caller counts this as skipped
	}

	now := time.Now().UTC()
	res, err := tx.ExecContext(ctx, `
		UPDATE memories SET importance = ?, updated_at = ?
		WHERE id = ? AND updated_at = ?
	`, newImportance, now, id, expectedUpdatedAt)
	if err != nil {
		return false, core.Wrap(err, "sqlite: recalibrate update failed")
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return false, nil
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO importance_history (id, memory_id, old_value, new_value, reason, changed_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, uuid.NewString(), id, oldImportance, newImportance, reason, now)
	if err != nil {
		return false, core.Wrap(err, "sqlite: recalibrate history insert failed")
	}

	if err := tx.Commit(); err != nil {
		return false, core.Wrap(err, "sqlite: recalibrate commit failed")
	}
	return true, nil
}

func (s *MemoryStore) AppendImportanceHistory(ctx context.Context, entry types.ImportanceHistoryEntry) error {
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO importance_history (id, memory_id, old_value, new_value, reason, changed_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, entry.ID, entry.MemoryID, entry.Old, entry.New, entry.Reason, entry.ChangedAt)
	if err != nil {
		return core.Wrap(err, "sqlite: append importance history failed")
	}
	return nil
}

func (s *MemoryStore) InsertJobRun(ctx context.Context, run types.JobRun) error {
	if run.ID == "" {
		run.ID = uuid.NewString()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO job_runs (id, job_name, started_at, completed_at, memories_processed, changes_made, errors, error_message)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, run.ID, run.JobName, run.StartedAt, nullTime(run.CompletedAt), run.MemoriesProcessed, run.ChangesMade, run.Errors, run.ErrorMessage)
	if err != nil {
		return core.Wrap(err, "sqlite: insert job run failed")
	}
	return nil
}

func (s *MemoryStore) UpdateJobRun(ctx context.Context, run types.JobRun) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE job_runs SET completed_at=?, memories_processed=?, changes_made=?, errors=?, error_message=?
		WHERE id = ?
	`, nullTime(run.CompletedAt), run.MemoriesProcessed, run.ChangesMade, run.Errors, run.ErrorMessage, run.ID)
	if err != nil {
		return core.Wrap(err, "sqlite: update job run failed")
	}
	return nil
}

// AcquireLock implements the cross-process job-exclusivity lock as a
// row in the locks table.
func (s *MemoryStore) AcquireLock(ctx context.Context, name, owner string, ttl time.Duration) (bool, error) {
	now := time.Now().UTC()
	expires := now.Add(ttl)

	res, err := s.db.ExecContext(ctx, `
		UPDATE locks SET owner=?, acquired_at=?, expires_at=?
		WHERE name=? AND expires_at < ?
	`, owner, now, expires, name, now)
	if err != nil {
		return false, core.Wrap(err, "sqlite: acquire lock (steal expired) failed")
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return true, nil
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO locks (name, owner, acquired_at, expires_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(name) DO NOTHING
	`, name, owner, now, expires)
	if err != nil {
		return false, core.Wrap(err, "sqlite: acquire lock insert failed")
	}

	var actualOwner string
	err = s.db.QueryRowContext(ctx, `SELECT owner FROM locks WHERE name = ?`, name).Scan(&actualOwner)
	if err != nil {
		return false, core.Wrap(err, "sqlite: acquire lock verify failed")
	}
	return actualOwner == owner, nil
}

func (s *MemoryStore) ReleaseLock(ctx context.Context, name, owner string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM locks WHERE name = ? AND owner = ?`, name, owner)
	if err != nil {
		return core.Wrap(err, "sqlite: release lock failed")
	}
	return nil
}

func nullTime(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return *t
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func isUniqueConstraintErr(err error) bool {
	return strings.Contains(err.Error(), "UNIQUE constraint") || strings.Contains(err.Error(), "constraint failed")
}

// dbPathFromDSN extracts the filesystem path from a SQLite DSN. Handles
// bare paths and file: URIs; returns "" for in-memory databases.
func dbPathFromDSN(dsn string) string {
	if dsn == ":memory:" || dsn == "" {
		return ""
	}
	if strings.HasPrefix(dsn, "file:") {
		u, err := url.Parse(dsn)
		if err != nil {
			return ""
		}
		p := u.Path
		if p == "" {
			p = u.Opaque
		}
		if p == ":memory:" || p == "" {
			return ""
		}
		return p
	}
	return dsn
}

// isRecoverableWALError returns true if err matches the patterns caused by
// stale WAL files left behind after a crash.
func isRecoverableWALError(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "disk I/O error") || strings.Contains(msg, "database is locked")
}

// isWALStale checks whether -shm/-wal sidecars exist for dbPath and no
// process currently holds them open (via lsof). Returns false (do not
// delete) if lsof is unavailable.
func isWALStale(dbPath string) bool {
	shmPath := dbPath + "-shm"
	walPath := dbPath + "-wal"

	if !fileExists(shmPath) && !fileExists(walPath) {
		return false
	}

	lsofPath, err := exec.LookPath("lsof")
	if err != nil {
		return false
	}

	cmd := exec.Command(lsofPath, "-t", dbPath, shmPath, walPath)
	output, err := cmd.Output()
	if err != nil {
		return true
	}
	return strings.TrimSpace(string(output)) == ""
}

func removeStaleWAL(dbPath string) {
	for _, suffix := range []string{"-shm", "-wal"} {
		p := dbPath + suffix
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			log.Printf("sqlite: failed to remove stale %s: %v", p, err)
		}
	}
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
