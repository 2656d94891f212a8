package embed

import (
	"context"
	"crypto/sha256"

	"github.com/taskrecall/recall/engine/domain"
	"github.com/taskrecall/recall/engine/usage"
)

// HashModel is the model name recorded for offline embeddings.
const HashModel = "hash-embed"

// Hash derives a deterministic vector from the SHA-256 digest of the text.
// It needs no network and is meant for development and tests; vectors carry
// no semantic meaning.
type Hash struct {
	dim int
	rec *usage.Recorder
}

// NewHash creates a Hash embedder producing vectors of length dim.
func NewHash(dim int, rec *usage.Recorder) *Hash {
	return &Hash{dim: dim, rec: rec}
}

// Embed returns the vector for text. Component i is digest[i%32] scaled
// from [0,255] into [-1,1].
func (h *Hash) Embed(_ context.Context, text string) ([]float32, error) {
	start := now()
	vec := HashVector(text, h.dim)
	record(h.rec, usage.Call{
		Duration: now().Sub(start),
		TokensIn: domain.EstimateTokens(text),
		Model:    HashModel,
	})
	return vec, nil
}

// Dimension implements Embedder.
func (h *Hash) Dimension() int { return h.dim }

// Name implements Embedder.
func (h *Hash) Name() string { return HashModel }

// HashVector computes the offline vector without recording usage.
func HashVector(text string, dim int) []float32 {
	digest := sha256.Sum256([]byte(text))
	vec := make([]float32, dim)
	for i := range vec {
		b := digest[i%len(digest)]
		vec[i] = float32(float64(b)/255*2 - 1)
	}
	return vec
}
