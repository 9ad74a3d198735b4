package embeddings

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/knowd/internal/config"
	"github.com/fyrsmithlabs/knowd/internal/retry"
	"github.com/fyrsmithlabs/knowd/internal/tenant"
)

func fastRetry(attempts int) retry.Policy {
	return retry.Policy{MaxAttempts: attempts, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond}
}

func teiServer(t *testing.T, auth *atomic.Value, failFirst int32) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := calls.Add(1)
		if auth != nil {
			auth.Store(r.Header.Get("Authorization"))
		}
		if n <= failFirst {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		var req struct {
			Inputs any `json:"inputs"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))

		count := 1
		if arr, ok := req.Inputs.([]any); ok {
			count = len(arr)
		}
		out := make([][]float32, count)
		for i := range out {
			out[i] = []float32{float32(i), 1}
		}
		_ = json.NewEncoder(w).Encode(out)
	}))
	t.Cleanup(srv.Close)
	return srv, &calls
}

func TestTEIEmbedder(t *testing.T) {
	var auth atomic.Value
	srv, _ := teiServer(t, &auth, 0)

	e := NewTEIEmbedder(config.EmbeddingsConfig{BaseURL: srv.URL + "/"}, "tok-1")
	vecs, err := e.EmbedDocuments(context.Background(), []string{"a", "b", "c"})
	require.NoError(t, err)
	assert.Len(t, vecs, 3)
	assert.Equal(t, "Bearer tok-1", auth.Load())

	vec, err := e.EmbedQuery(context.Background(), "q")
	require.NoError(t, err)
	assert.Equal(t, []float32{0, 1}, vec)

	_, err = e.EmbedQuery(context.Background(), "")
	assert.ErrorIs(t, err, ErrEmptyInput)
}

func TestRegistry_BatchesAndRetries(t *testing.T) {
	srv, calls := teiServer(t, nil, 1)

	r, err := NewRegistry(config.EmbeddingsConfig{Provider: "tei", BaseURL: srv.URL, BatchSize: 2}, fastRetry(2), nil)
	require.NoError(t, err)

	tc, err := tenant.New("alice", "", "")
	require.NoError(t, err)
	e, err := r.For(tc)
	require.NoError(t, err)

	vecs, err := e.EmbedDocuments(context.Background(), []string{"a", "b", "c", "d", "e"})
	require.NoError(t, err)
	assert.Len(t, vecs, 5)
	// One failed attempt, then three batches.
	assert.Equal(t, int32(4), calls.Load())
}

func TestRegistry_FailureAfterRetries(t *testing.T) {
	srv, calls := teiServer(t, nil, 100)

	r, err := NewRegistry(config.EmbeddingsConfig{Provider: "tei", BaseURL: srv.URL}, fastRetry(2), nil)
	require.NoError(t, err)
	tc, _ := tenant.New("alice", "", "")
	e, err := r.For(tc)
	require.NoError(t, err)

	_, err = e.EmbedQuery(context.Background(), "hello")
	assert.ErrorIs(t, err, ErrEmbeddingFailed)
	assert.Equal(t, int32(2), calls.Load())
}

func TestRegistry_CachesPerCredential(t *testing.T) {
	r, err := NewRegistry(config.EmbeddingsConfig{Provider: "tei", BaseURL: "http://localhost:1"}, fastRetry(1), nil)
	require.NoError(t, err)

	a1, _ := tenant.New("alice", "key-a", "")
	a2, _ := tenant.New("alice-2", "key-a", "")
	b, _ := tenant.New("bob", "key-b", "")

	ea1, err := r.For(a1)
	require.NoError(t, err)
	ea2, err := r.For(a2)
	require.NoError(t, err)
	eb, err := r.For(b)
	require.NoError(t, err)

	assert.Same(t, ea1, ea2)
	assert.NotSame(t, ea1, eb)
}

func TestRegistry_OpenAIRequiresCredential(t *testing.T) {
	r, err := NewRegistry(config.EmbeddingsConfig{Provider: "openai", Model: "text-embedding-3-small"}, fastRetry(1), nil)
	require.NoError(t, err)

	tc, _ := tenant.New("alice", "", "")
	_, err = r.For(tc)
	assert.ErrorIs(t, err, ErrMissingCredential)

	tc, _ = tenant.New("alice", "sk-test", "")
	e, err := r.For(tc)
	require.NoError(t, err)
	assert.NotNil(t, e)
}

func TestNewRegistry_InvalidConfig(t *testing.T) {
	_, err := NewRegistry(config.EmbeddingsConfig{Provider: "word2vec"}, fastRetry(1), nil)
	assert.ErrorIs(t, err, ErrInvalidConfig)

	_, err = NewRegistry(config.EmbeddingsConfig{Provider: "tei"}, fastRetry(1), nil)
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestInstrumented_EmptyInputNotRetried(t *testing.T) {
	h := NewHashEmbedder()
	e := &instrumented{inner: h, batchSize: 4, policy: fastRetry(3).WithRetryable(retryable), metrics: NewMetrics(nil)}

	_, err := e.EmbedDocuments(context.Background(), nil)
	assert.ErrorIs(t, err, ErrEmptyInput)
	assert.Zero(t, h.Calls())

	h.Err = errors.New("model exploded")
	_, err = e.EmbedQuery(context.Background(), "q")
	assert.ErrorIs(t, err, ErrEmbeddingFailed)
	assert.Equal(t, 3, h.Calls())
}

func TestHashEmbedder(t *testing.T) {
	h := NewHashEmbedder()
	a, _ := h.EmbedQuery(context.Background(), "Go channels and goroutines")
	b, _ := h.EmbedQuery(context.Background(), "go CHANNELS and goroutines!")
	c, _ := h.EmbedQuery(context.Background(), "baking sourdough bread")
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
	assert.Len(t, a, 64)
}
