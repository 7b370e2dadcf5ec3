package sqlite

import (
	"bytes"
	"encoding/binary"
	"math"

	"github.com/mnemosyne/core/internal/storage"
)

// Compile-time assertions that both vector index variants satisfy the
// capability interface, regardless of which build tag is active.
var _ storage.VectorIndex = (*VectorIndex)(nil)

// encodeVector serializes a float32 vector as little-endian bytes for BLOB
// storage, matching the layout sqlite-vec itself expects for raw vectors.
func encodeVector(v []float32) []byte {
	buf := make([]byte, 4*len(v))
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}

func decodeVector(b []byte) []float32 {
	n := len(b) / 4
	v := make([]float32, n)
	r := bytes.NewReader(b)
	for i := 0; i < n; i++ {
		var bits uint32
		binary.Read(r, binary.LittleEndian, &bits)
		v[i] = math.Float32frombits(bits)
	}
	return v
}

// cosineSimilarity computes cosine similarity between two equal-length
// vectors. Returns 0 if either vector has zero magnitude.
func cosineSimilarity(a, b []float32) float64 {
	var dot, normA, normB float64
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	for i := 0; i < n; i++ {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}
