package model

import (
	"crypto/sha256"
	"encoding/hex"
	"math"

	"github.com/m-mizutani/goerr/v2"
)

var (
	ErrDimensionMismatch = goerr.New("embedding dimension mismatch")
	ErrEmptyEmbedding    = goerr.New("embedding is empty")
)

// DefaultEmbeddingDimensions is the vector length requested from the embedding backend
const DefaultEmbeddingDimensions = 1536

// Embedding is a fixed-length semantic vector. Treat it as immutable once produced.
type Embedding []float32

// Clone returns a copy so callers can keep the original untouched
func (e Embedding) Clone() Embedding {
	if e == nil {
		return nil
	}
	out := make(Embedding, len(e))
	copy(out, e)
	return out
}

// CosineSimilarity returns the cosine similarity of a and b clamped to [0, 1].
// Vectors of different length are rejected; a zero vector has similarity 0 with anything.
func CosineSimilarity(a, b Embedding) (float64, error) {
	if len(a) == 0 || len(b) == 0 {
		return 0, goerr.Wrap(ErrEmptyEmbedding, "cannot compare empty embedding",
			goerr.Value("len_a", len(a)), goerr.Value("len_b", len(b)))
	}
	if len(a) != len(b) {
		return 0, goerr.Wrap(ErrDimensionMismatch, "cannot compare embeddings",
			goerr.Value("len_a", len(a)), goerr.Value("len_b", len(b)))
	}

	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}

	if normA == 0 || normB == 0 {
		return 0, nil
	}

	sim := dot / (math.Sqrt(normA) * math.Sqrt(normB))
	switch {
	case math.IsNaN(sim), sim < 0:
		return 0, nil
	case sim > 1:
		return 1, nil
	}
	return sim, nil
}

// ContentHash returns the cache key used for image requests
func ContentHash(data []byte) string {
	sum := sha256.Sum256(data)
	return "sha256:" + hex.EncodeToString(sum[:])
}
