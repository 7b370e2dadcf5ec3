package storage

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"path"
	"sort"
	"strconv"
	"strings"
)

// EmbeddedMigrations is the canonical, forward-only migration set shipped
// with the binary. Operators who need to inspect or override migrations on
// disk can still point NewMigrationManager at os.DirFS of another
// directory; the embedded set is what NewMemoryStore uses by default.
//
//go:embed migrations/*.sql
var EmbeddedMigrations embed.FS

// ErrNoMigration indicates no migration has been applied yet.
var ErrNoMigration = errors.New("no migration")

// MigrationManager applies numbered, forward-only SQL migration files
// from an fs.FS, tracking the current version in a
// schema_version table. Each migration runs inside its own transaction so
// a failure partway through a file never leaves a half-applied schema
// change committed.
type MigrationManager struct {
	db  *sql.DB
	fsys fs.FS
	dir string
}

type migration struct {
	version uint
	name    string
	upFile  string
}

// NewMigrationManager creates a MigrationManager that reads NNN_name.up.sql
// files from dir within fsys (pass "." when fsys is already rooted at the
// migrations directory, e.g. via os.DirFS).
func NewMigrationManager(db *sql.DB, fsys fs.FS, dir string) (*MigrationManager, error) {
	if db == nil {
		return nil, fmt.Errorf("migrations: database connection is required")
	}
	if _, err := fs.Stat(fsys, dir); err != nil {
		return nil, fmt.Errorf("migrations: directory does not exist: %s: %w", dir, err)
	}

	mgr := &MigrationManager{db: db, fsys: fsys, dir: dir}
	if err := mgr.ensureSchemaVersionTable(); err != nil {
		return nil, fmt.Errorf("migrations: failed to create schema_version table: %w", err)
	}
	return mgr, nil
}

func (mgr *MigrationManager) ensureSchemaVersionTable() error {
	_, err := mgr.db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_version (
			version INTEGER PRIMARY KEY,
			applied_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
		)
	`)
	return err
}

// Up applies all pending migrations in ascending version order, each
// inside its own transaction. Idempotent: returns nil if already
// up-to-date. Migration files are expected to guard their DDL with
// IF NOT EXISTS so re-running a partially-applied version is safe.
func (mgr *MigrationManager) Up() error {
	migrations, err := mgr.loadMigrations()
	if err != nil {
		return fmt.Errorf("migrations: failed to load migration files: %w", err)
	}

	currentVersion, _, err := mgr.Version()
	if err != nil && !errors.Is(err, ErrNoMigration) {
		return fmt.Errorf("migrations: failed to get current version: %w", err)
	}

	for _, m := range migrations {
		if m.version <= currentVersion {
			continue
		}

		sqlBytes, err := fs.ReadFile(mgr.fsys, m.upFile)
		if err != nil {
			return fmt.Errorf("migrations: failed to read %s: %w", m.upFile, err)
		}

		tx, err := mgr.db.Begin()
		if err != nil {
			return fmt.Errorf("migrations: failed to begin transaction for version %d: %w", m.version, err)
		}

		if _, err := tx.Exec(string(sqlBytes)); err != nil {
			tx.Rollback()
			return fmt.Errorf("migrations: failed to apply version %d (%s): %w", m.version, m.name, err)
		}
		if _, err := tx.Exec("INSERT INTO schema_version (version) VALUES (?)", m.version); err != nil {
			tx.Rollback()
			return fmt.Errorf("migrations: failed to record version %d: %w", m.version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("migrations: failed to commit version %d: %w", m.version, err)
		}
	}

	return nil
}

// Version returns the highest applied migration version.
func (mgr *MigrationManager) Version() (uint, bool, error) {
	var version uint
	err := mgr.db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_version").Scan(&version)
	if err != nil {
		return 0, false, fmt.Errorf("migrations: failed to query version: %w", err)
	}
	if version == 0 {
		return 0, false, ErrNoMigration
	}
	return version, false, nil
}

// Close is a no-op; the db connection is managed externally.
func (mgr *MigrationManager) Close() error { return nil }

// loadMigrations reads NNN_name.up.sql files from the directory, sorted
// by version ascending.
func (mgr *MigrationManager) loadMigrations() ([]migration, error) {
	entries, err := fs.ReadDir(mgr.fsys, mgr.dir)
	if err != nil {
		return nil, fmt.Errorf("migrations: failed to read directory: %w", err)
	}

	migrations := make([]migration, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		if !strings.HasSuffix(name, ".up.sql") {
			continue
		}

		underscoreIdx := strings.Index(name, "_")
		if underscoreIdx < 0 {
			continue
		}
		versionStr := name[:underscoreIdx]
		versionInt, err := strconv.ParseUint(versionStr, 10, 64)
		if err != nil {
			continue
		}

		migrations = append(migrations, migration{
			version: uint(versionInt),
			name:    strings.TrimSuffix(name[underscoreIdx+1:], ".up.sql"),
			upFile:  path.Join(mgr.dir, name),
		})
	}

	sort.Slice(migrations, func(i, j int) bool {
		return migrations[i].version < migrations[j].version
	})

	return migrations, nil
}
