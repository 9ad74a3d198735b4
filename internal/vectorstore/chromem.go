package vectorstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	chromem "github.com/philippgille/chromem-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/knowd/internal/config"
	"github.com/fyrsmithlabs/knowd/internal/tenant"
)

var chromemTracer = otel.Tracer("knowd.vectorstore.chromem")

// errNoEmbeddingFunc is returned if chromem ever tries to embed on its own.
// Chunks always arrive with embeddings.
var errNoEmbeddingFunc = errors.New("chromem: documents must carry embeddings")

// ChromemStore is a Store backed by the embedded chromem-go database.
type ChromemStore struct {
	db     *chromem.DB
	logger *zap.Logger
}

// NewChromemStore opens a persistent database at cfg.Path, or an in-memory
// one when the path is empty.
func NewChromemStore(cfg config.ChromemConfig, logger *zap.Logger) (*ChromemStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	var (
		db  *chromem.DB
		err error
	)
	if cfg.Path == "" {
		db = chromem.NewDB()
	} else {
		path, perr := config.ExpandHome(cfg.Path)
		if perr != nil {
			return nil, fmt.Errorf("%w: chromem path: %v", ErrInvalidConfig, perr)
		}
		db, err = chromem.NewPersistentDB(path, cfg.Compress)
		if err != nil {
			return nil, fmt.Errorf("%w: opening chromem db at %s: %v", ErrStorageUnavailable, path, err)
		}
	}

	logger.Info("chromem vector store ready",
		zap.String("path", cfg.Path),
		zap.Bool("persistent", cfg.Path != ""),
		zap.Bool("compress", cfg.Compress),
	)
	return &ChromemStore{db: db, logger: logger}, nil
}

func noEmbed(context.Context, string) ([]float32, error) {
	return nil, errNoEmbeddingFunc
}

// Upsert writes chunks to the tenant's collection.
func (s *ChromemStore) Upsert(ctx context.Context, tc tenant.Context, chunks []Chunk) (n int, err error) {
	defer observe("upsert", time.Now(), &err)

	ctx, span := chromemTracer.Start(ctx, "ChromemStore.Upsert")
	defer span.End()
	span.SetAttributes(
		attribute.String("collection", tc.CollectionName),
		attribute.Int("chunk_count", len(chunks)),
	)

	if err := tc.Validate(); err != nil {
		return 0, err
	}
	if len(chunks) == 0 {
		return 0, nil
	}
	if _, err := checkDimensions(chunks); err != nil {
		return 0, err
	}

	collection, err := s.db.GetOrCreateCollection(tc.CollectionName, nil, noEmbed)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return 0, fmt.Errorf("%w: collection %s: %v", ErrStorageUnavailable, tc.CollectionName, err)
	}

	docs := make([]chromem.Document, len(chunks))
	for i, c := range chunks {
		if c.ID == "" {
			return 0, fmt.Errorf("chunk %d has no ID", i)
		}
		docs[i] = chromem.Document{
			ID:        c.ID,
			Content:   c.Text,
			Metadata:  storedMetadata(tc, c, nextSeq()),
			Embedding: c.Embedding,
		}
	}

	// Concurrency of 1: embeddings are precomputed.
	if err := collection.AddDocuments(ctx, docs, 1); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return 0, fmt.Errorf("%w: adding documents: %v", ErrStorageUnavailable, err)
	}

	span.SetStatus(codes.Ok, "success")
	s.logger.Debug("upserted chunks",
		zap.String("collection", tc.CollectionName),
		zap.Int("count", len(docs)),
	)
	return len(docs), nil
}

// Search returns the topK most similar chunks in the tenant's collection.
func (s *ChromemStore) Search(ctx context.Context, tc tenant.Context, embedding []float32, topK int) (out []RetrievalResult, err error) {
	defer observe("search", time.Now(), &err)

	ctx, span := chromemTracer.Start(ctx, "ChromemStore.Search")
	defer span.End()
	span.SetAttributes(
		attribute.String("collection", tc.CollectionName),
		attribute.Int("top_k", topK),
	)

	if topK <= 0 {
		return nil, fmt.Errorf("%w: got %d", ErrInvalidTopK, topK)
	}
	if err := tc.Validate(); err != nil {
		return nil, err
	}

	collection := s.db.GetCollection(tc.CollectionName, noEmbed)
	if collection == nil {
		return []RetrievalResult{}, nil
	}
	total := collection.Count()
	if total == 0 {
		return []RetrievalResult{}, nil
	}

	// chromem requires nResults <= document count.
	limit := min(candidateLimit(topK), total)
	ranked, err := s.query(ctx, collection, embedding, limit)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	if truncatedTie(ranked, topK, limit, total) {
		if ranked, err = s.query(ctx, collection, embedding, total); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return nil, err
		}
	}

	out = truncate(ranked, topK)
	span.SetAttributes(attribute.Int("results_count", len(out)))
	span.SetStatus(codes.Ok, "success")
	return out, nil
}

func (s *ChromemStore) query(ctx context.Context, collection *chromem.Collection, embedding []float32, n int) ([]RetrievalResult, error) {
	// chromem normalizes stored vectors, the query must be normalized too.
	res, err := collection.QueryEmbedding(ctx, normalized(embedding), n, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("querying collection %s: %w", collection.Name, err)
	}

	results := make([]RetrievalResult, len(res))
	seqs := make([]int64, len(res))
	for i, r := range res {
		c, seq := chunkFromMetadata(r.ID, r.Content, r.Metadata)
		results[i] = RetrievalResult{Chunk: c, Score: r.Similarity}
		seqs[i] = seq
	}
	return rank(results, seqs), nil
}

// Count returns the number of chunks in the tenant's collection.
func (s *ChromemStore) Count(ctx context.Context, tc tenant.Context) (n int, err error) {
	defer observe("count", time.Now(), &err)

	if err := tc.Validate(); err != nil {
		return 0, err
	}
	collection := s.db.GetCollection(tc.CollectionName, noEmbed)
	if collection == nil {
		return 0, nil
	}
	return collection.Count(), nil
}

// Clear deletes the tenant's collection.
func (s *ChromemStore) Clear(ctx context.Context, tc tenant.Context) (err error) {
	defer observe("clear", time.Now(), &err)

	_, span := chromemTracer.Start(ctx, "ChromemStore.Clear")
	defer span.End()
	span.SetAttributes(attribute.String("collection", tc.CollectionName))

	if err := tc.Validate(); err != nil {
		return err
	}
	if err := s.db.DeleteCollection(tc.CollectionName); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("%w: deleting collection: %v", ErrStorageUnavailable, err)
	}

	s.logger.Info("cleared tenant collection", zap.String("collection", tc.CollectionName))
	span.SetStatus(codes.Ok, "success")
	return nil
}

// Close is a no-op; chromem persists on every write.
func (s *ChromemStore) Close() error {
	return nil
}
