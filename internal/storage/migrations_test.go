package storage

import (
	"database/sql"
	"testing"

	_ "modernc.org/sqlite"

	"github.com/stretchr/testify/require"
)

func TestMigrationsApplyOnceAndAreIdempotent(t *testing.T) {
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	defer db.Close()

	mgr, err := NewMigrationManager(db, EmbeddedMigrations, "migrations")
	require.NoError(t, err)

	require.NoError(t, mgr.Up())
	v, _, err := mgr.Version()
	require.NoError(t, err)
	require.Equal(t, uint(3), v)

	// Re-running Up is a no-op: version stays the same and no error occurs.
	require.NoError(t, mgr.Up())
	v2, _, err := mgr.Version()
	require.NoError(t, err)
	require.Equal(t, v, v2)

	var count int
	require.NoError(t, db.QueryRow("SELECT count(*) FROM sqlite_master WHERE type='table' AND name='memories'").Scan(&count))
	require.Equal(t, 1, count)
}

func TestVersionBeforeAnyMigration(t *testing.T) {
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	defer db.Close()

	mgr, err := NewMigrationManager(db, EmbeddedMigrations, "migrations")
	require.NoError(t, err)

	_, _, err = mgr.Version()
	require.ErrorIs(t, err, ErrNoMigration)
}
