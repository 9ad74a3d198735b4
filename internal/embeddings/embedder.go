package embeddings

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/knowd/internal/config"
	"github.com/fyrsmithlabs/knowd/internal/retry"
	"github.com/fyrsmithlabs/knowd/internal/tenant"
)

var (
	// ErrEmptyInput indicates empty or nil input texts.
	ErrEmptyInput = errors.New("empty or nil input texts")

	// ErrInvalidConfig indicates invalid configuration.
	ErrInvalidConfig = errors.New("invalid configuration")

	// ErrEmbeddingFailed indicates embedding generation failure.
	ErrEmbeddingFailed = errors.New("embedding generation failed")

	// ErrMissingCredential is returned when a provider needs a tenant
	// credential and the tenant has none.
	ErrMissingCredential = errors.New("tenant has no embedding credential")

	// ErrFastEmbedNotAvailable is returned when the binary was built
	// without CGO.
	ErrFastEmbedNotAvailable = errors.New("fastembed: not available (binary built without CGO support, use the tei or openai provider)")
)

// Embedder generates vector embeddings from text.
type Embedder interface {
	// EmbedDocuments returns one embedding per text, in input order.
	EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error)

	// EmbedQuery embeds a single query. Some models treat queries and
	// documents differently.
	EmbedQuery(ctx context.Context, text string) ([]float32, error)
}

// Source resolves the Embedder to use for a tenant.
type Source interface {
	For(tc tenant.Context) (Embedder, error)
}

// Registry caches one Embedder per tenant credential.
type Registry struct {
	cfg     config.EmbeddingsConfig
	policy  retry.Policy
	metrics *Metrics
	logger  *zap.Logger

	// newRemote builds a provider bound to one credential.
	newRemote func(cred config.Secret) (Embedder, error)

	mu    sync.Mutex
	cache map[string]Embedder
	local *FastEmbedProvider
}

// NewRegistry validates cfg and prepares the configured provider. The local
// fastembed model is loaded eagerly; remote providers are built per tenant
// on first use.
func NewRegistry(cfg config.EmbeddingsConfig, policy retry.Policy, logger *zap.Logger) (*Registry, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 64
	}

	r := &Registry{
		cfg:     cfg,
		policy:  policy.WithRetryable(retryable),
		metrics: NewMetrics(logger),
		logger:  logger,
		cache:   make(map[string]Embedder),
	}

	switch cfg.Provider {
	case "openai", "":
		r.newRemote = func(cred config.Secret) (Embedder, error) {
			return NewOpenAIEmbedder(cfg, cred)
		}
	case "tei":
		if cfg.BaseURL == "" {
			return nil, fmt.Errorf("%w: tei requires base_url", ErrInvalidConfig)
		}
		r.newRemote = func(cred config.Secret) (Embedder, error) {
			return NewTEIEmbedder(cfg, cred), nil
		}
	case "fastembed":
		local, err := NewFastEmbedProvider(FastEmbedConfig{Model: cfg.Model, CacheDir: cfg.CacheDir})
		if err != nil {
			return nil, err
		}
		r.local = local
	default:
		return nil, fmt.Errorf("%w: unknown provider %q", ErrInvalidConfig, cfg.Provider)
	}

	logger.Info("embeddings ready",
		zap.String("provider", cfg.Provider),
		zap.String("model", cfg.Model),
		zap.Int("batch_size", cfg.BatchSize),
	)
	return r, nil
}

// For returns the Embedder bound to the tenant's embedding credential.
func (r *Registry) For(tc tenant.Context) (Embedder, error) {
	if r.local != nil {
		return r.wrap(r.local), nil
	}
	if tc.EmbeddingCredential.Value() == "" && r.cfg.Provider != "tei" {
		return nil, fmt.Errorf("%w: tenant %s", ErrMissingCredential, tc.TenantID)
	}

	key := tc.EmbeddingCredential.Fingerprint()

	r.mu.Lock()
	defer r.mu.Unlock()

	if e, ok := r.cache[key]; ok {
		return e, nil
	}
	inner, err := r.newRemote(tc.EmbeddingCredential)
	if err != nil {
		return nil, err
	}
	e := r.wrap(inner)
	r.cache[key] = e
	return e, nil
}

// Dimension returns the configured embedding size, or the local model's.
func (r *Registry) Dimension() int {
	if r.local != nil {
		return r.local.Dimension()
	}
	return r.cfg.Dimension
}

// Close releases the local model, if any.
func (r *Registry) Close() error {
	if r.local != nil {
		return r.local.Close()
	}
	return nil
}

func (r *Registry) wrap(inner Embedder) Embedder {
	return &instrumented{
		inner:     inner,
		model:     r.cfg.Model,
		batchSize: r.cfg.BatchSize,
		timeout:   r.cfg.Timeout,
		policy:    r.policy,
		metrics:   r.metrics,
	}
}

// retryable skips errors that will not change on a second attempt.
func retryable(err error) bool {
	return !errors.Is(err, ErrEmptyInput) &&
		!errors.Is(err, ErrInvalidConfig) &&
		!errors.Is(err, ErrMissingCredential) &&
		!errors.Is(err, ErrFastEmbedNotAvailable)
}

// instrumented batches, retries and measures calls to a provider.
type instrumented struct {
	inner     Embedder
	model     string
	batchSize int
	timeout   time.Duration
	policy    retry.Policy
	metrics   *Metrics
}

func (e *instrumented) EmbedDocuments(ctx context.Context, texts []string) (out [][]float32, err error) {
	start := time.Now()
	defer func() {
		e.metrics.RecordGeneration(ctx, e.model, "embed_documents", time.Since(start), len(texts), err)
	}()

	if len(texts) == 0 {
		return nil, fmt.Errorf("%w: texts cannot be empty", ErrEmptyInput)
	}

	out = make([][]float32, 0, len(texts))
	for i := 0; i < len(texts); i += e.batchSize {
		batch := texts[i:min(i+e.batchSize, len(texts))]
		vecs, err := retry.Value(ctx, e.policy, func(ctx context.Context) ([][]float32, error) {
			ctx, cancel := e.withTimeout(ctx)
			defer cancel()
			return e.inner.EmbedDocuments(ctx, batch)
		})
		if err != nil {
			return nil, wrapFailure(err)
		}
		if len(vecs) != len(batch) {
			return nil, fmt.Errorf("%w: got %d embeddings for %d texts", ErrEmbeddingFailed, len(vecs), len(batch))
		}
		out = append(out, vecs...)
	}
	return out, nil
}

func (e *instrumented) EmbedQuery(ctx context.Context, text string) (vec []float32, err error) {
	start := time.Now()
	defer func() {
		e.metrics.RecordGeneration(ctx, e.model, "embed_query", time.Since(start), 1, err)
	}()

	if text == "" {
		return nil, fmt.Errorf("%w: text cannot be empty", ErrEmptyInput)
	}

	vec, err = retry.Value(ctx, e.policy, func(ctx context.Context) ([]float32, error) {
		ctx, cancel := e.withTimeout(ctx)
		defer cancel()
		return e.inner.EmbedQuery(ctx, text)
	})
	if err != nil {
		return nil, wrapFailure(err)
	}
	if len(vec) == 0 {
		return nil, fmt.Errorf("%w: empty embedding", ErrEmbeddingFailed)
	}
	return vec, nil
}

func (e *instrumented) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if e.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, e.timeout)
}

func wrapFailure(err error) error {
	if errors.Is(err, ErrEmbeddingFailed) || errors.Is(err, context.Canceled) {
		return err
	}
	return fmt.Errorf("%w: %v", ErrEmbeddingFailed, err)
}
