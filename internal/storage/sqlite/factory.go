package sqlite

import (
	"fmt"

	"github.com/mnemosyne/core/internal/storage"
)

// Open opens (creating and migrating if necessary) a SQLite-backed
// PrimaryStore and its paired VectorIndex against the same underlying
// database file. Which VectorIndex implementation comes back (real vec0
// virtual table vs. the brute-force fallback) is decided entirely by
// build tags (see driver_vec0.go / driver_purego.go); callers never
// branch on it.
func Open(dsn string, dim int) (*MemoryStore, storage.VectorIndex, error) {
	store, err := NewMemoryStore(dsn)
	if err != nil {
		return nil, nil, fmt.Errorf("sqlite: failed to open primary store: %w", err)
	}

	idx, err := NewVectorIndex(store.DB(), dim)
	if err != nil {
		store.Close()
		return nil, nil, fmt.Errorf("sqlite: failed to open vector index: %w", err)
	}

	return store, idx, nil
}
