package vectorstore

import (
	"context"
	"errors"
	"math"
	"sort"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/fyrsmithlabs/knowd/internal/tenant"
)

// Sentinel errors for vector store operations.
var (
	// ErrStorageUnavailable is returned when the store cannot be reached after
	// the retry budget is spent.
	ErrStorageUnavailable = errors.New("vector store unavailable")

	// ErrAuthRejected is returned when the tenant's vector store credential
	// is refused.
	ErrAuthRejected = errors.New("vector store credential rejected")

	// ErrInvalidTopK is returned by Search when topK <= 0.
	ErrInvalidTopK = errors.New("topK must be positive")

	// ErrDimensionMismatch is returned when a batch mixes embedding sizes.
	ErrDimensionMismatch = errors.New("embedding dimension mismatch")

	// ErrInvalidConfig indicates invalid provider configuration.
	ErrInvalidConfig = errors.New("invalid configuration")
)

// Reserved metadata keys written by the store.
const (
	metaSeq      = "_seq"
	metaSource   = "_source_ref"
	metaIndex    = "_sequence_index"
	metaTenantID = "_tenant_id"
)

// Chunk is a piece of a source document with its embedding.
type Chunk struct {
	ID            string
	TenantID      string
	SourceRef     string
	Text          string
	Embedding     []float32
	SequenceIndex int
	Metadata      map[string]string
}

// RetrievalResult is a chunk with its similarity to the query.
type RetrievalResult struct {
	Chunk Chunk
	Score float32
}

// Store persists chunks in a tenant's collection.
//
// Implementations are safe for concurrent use.
type Store interface {
	// Upsert writes chunks in one store call and returns the number written.
	// Empty input is a no-op.
	Upsert(ctx context.Context, tc tenant.Context, chunks []Chunk) (int, error)

	// Search returns up to topK chunks, highest score first. Equal scores are
	// returned in insertion order. A missing collection yields no results.
	Search(ctx context.Context, tc tenant.Context, embedding []float32, topK int) ([]RetrievalResult, error)

	// Count returns the number of chunks stored for the tenant.
	Count(ctx context.Context, tc tenant.Context) (int, error)

	// Clear removes every chunk of the tenant. Clearing an empty or missing
	// collection succeeds.
	Clear(ctx context.Context, tc tenant.Context) error

	// Close releases provider resources.
	Close() error
}

// seqCounter orders inserts across the process lifetime. Seeding from the
// clock keeps it increasing across restarts of a persistent store.
var seqCounter atomic.Int64

func init() {
	seqCounter.Store(time.Now().UnixNano())
}

func nextSeq() int64 {
	return seqCounter.Add(1)
}

// rank sorts by score descending then seq ascending.
func rank(results []RetrievalResult, seqs []int64) []RetrievalResult {
	idx := make([]int, len(results))
	for i := range idx {
		idx[i] = i
	}
	sort.SliceStable(idx, func(a, b int) bool {
		ra, rb := results[idx[a]], results[idx[b]]
		if ra.Score != rb.Score {
			return ra.Score > rb.Score
		}
		return seqs[idx[a]] < seqs[idx[b]]
	})

	out := make([]RetrievalResult, len(idx))
	for i, j := range idx {
		out[i] = results[j]
	}
	return out
}

// candidateLimit is how many hits to ask a provider for so that ties at the
// topK boundary can still be ordered by insertion.
func candidateLimit(topK int) int {
	return topK*2 + 8
}

// truncatedTie reports whether ranked was cut off by the provider limit while
// the lowest returned score still ties with the topK-th score. Chunks with
// that score may exist beyond the limit, so the query must be widened.
func truncatedTie(ranked []RetrievalResult, topK, limit, total int) bool {
	if len(ranked) < limit || limit >= total || topK > len(ranked) {
		return false
	}
	return ranked[len(ranked)-1].Score == ranked[topK-1].Score
}

func truncate(ranked []RetrievalResult, topK int) []RetrievalResult {
	if topK < len(ranked) {
		return ranked[:topK]
	}
	return ranked
}

// storedMetadata merges the caller's metadata with the reserved keys.
func storedMetadata(tc tenant.Context, c Chunk, seq int64) map[string]string {
	md := make(map[string]string, len(c.Metadata)+4)
	for k, v := range c.Metadata {
		md[k] = v
	}
	md[metaSeq] = strconv.FormatInt(seq, 10)
	md[metaSource] = c.SourceRef
	md[metaIndex] = strconv.Itoa(c.SequenceIndex)
	md[metaTenantID] = tc.TenantID
	return md
}

// chunkFromMetadata rebuilds a Chunk and its seq from stored metadata.
func chunkFromMetadata(id, text string, md map[string]string) (Chunk, int64) {
	c := Chunk{
		ID:       id,
		Text:     text,
		Metadata: make(map[string]string, len(md)),
	}
	var seq int64
	for k, v := range md {
		switch k {
		case metaSeq:
			seq, _ = strconv.ParseInt(v, 10, 64)
		case metaSource:
			c.SourceRef = v
		case metaIndex:
			c.SequenceIndex, _ = strconv.Atoi(v)
		case metaTenantID:
			c.TenantID = v
		default:
			c.Metadata[k] = v
		}
	}
	return c, seq
}

func checkDimensions(chunks []Chunk) (int, error) {
	dim := len(chunks[0].Embedding)
	if dim == 0 {
		return 0, ErrDimensionMismatch
	}
	for _, c := range chunks[1:] {
		if len(c.Embedding) != dim {
			return 0, ErrDimensionMismatch
		}
	}
	return dim, nil
}

// normalized returns v scaled to unit length. Zero vectors are returned as is.
func normalized(v []float32) []float32 {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	if sum == 0 {
		return v
	}
	norm := float32(math.Sqrt(sum))
	out := make([]float32, len(v))
	for i, x := range v {
		out[i] = x / norm
	}
	return out
}
