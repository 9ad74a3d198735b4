package embeddings

import (
	"context"
	"hash/fnv"
	"math"
	"strings"
	"sync/atomic"
	"unicode"

	"github.com/fyrsmithlabs/knowd/internal/tenant"
)

// HashEmbedder is a deterministic bag-of-words embedder for tests. Texts
// sharing words get similar vectors; identical texts get identical vectors.
type HashEmbedder struct {
	Dim int
	// Err, when set, is returned by every call.
	Err error

	calls atomic.Int64
}

// NewHashEmbedder returns a HashEmbedder with 64 dimensions.
func NewHashEmbedder() *HashEmbedder {
	return &HashEmbedder{Dim: 64}
}

// Calls returns how many Embed* calls were made.
func (h *HashEmbedder) Calls() int {
	return int(h.calls.Load())
}

func (h *HashEmbedder) EmbedDocuments(_ context.Context, texts []string) ([][]float32, error) {
	h.calls.Add(1)
	if h.Err != nil {
		return nil, h.Err
	}
	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i] = h.vector(t)
	}
	return out, nil
}

func (h *HashEmbedder) EmbedQuery(_ context.Context, text string) ([]float32, error) {
	h.calls.Add(1)
	if h.Err != nil {
		return nil, h.Err
	}
	return h.vector(text), nil
}

func (h *HashEmbedder) vector(text string) []float32 {
	v := make([]float32, h.Dim)
	words := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	for _, w := range words {
		f := fnv.New32a()
		_, _ = f.Write([]byte(w))
		v[f.Sum32()%uint32(h.Dim)]++
	}
	var sum float64
	for _, x := range v {
		sum += float64(x * x)
	}
	if sum == 0 {
		v[0] = 1
		return v
	}
	norm := float32(math.Sqrt(sum))
	for i := range v {
		v[i] /= norm
	}
	return v
}

// StaticSource returns the same Embedder for every tenant.
type StaticSource struct {
	Embedder Embedder
}

// For implements Source.
func (s StaticSource) For(tenant.Context) (Embedder, error) {
	return s.Embedder, nil
}
