package embedding

import "github.com/mnemosyne/core/internal/storage"

var (
	_ storage.Embedder = (*Local)(nil)
	_ storage.Embedder = (*Remote)(nil)
)
