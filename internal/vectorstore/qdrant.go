package vectorstore

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/qdrant/go-client/qdrant"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	grpccodes "google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"

	"github.com/fyrsmithlabs/knowd/internal/config"
	"github.com/fyrsmithlabs/knowd/internal/retry"
	"github.com/fyrsmithlabs/knowd/internal/tenant"
)

var qdrantTracer = otel.Tracer("knowd.vectorstore.qdrant")

const (
	payloadText = "_text"
	payloadID   = "_id"

	defaultQdrantPort   = 6334
	defaultQdrantMsgMax = 50 * 1024 * 1024
)

// QdrantStore is a Store backed by a remote Qdrant server over gRPC.
//
// Each tenant authenticates with its own API key. Clients are cached per
// credential fingerprint so the raw key is never used as a map key.
type QdrantStore struct {
	cfg    config.QdrantConfig
	policy retry.Policy
	logger *zap.Logger

	mu      sync.Mutex
	clients map[string]*qdrant.Client

	// collections caches names known to exist.
	collections sync.Map
}

// NewQdrantStore validates cfg. Connections are opened lazily per tenant.
func NewQdrantStore(cfg config.QdrantConfig, policy retry.Policy, logger *zap.Logger) (*QdrantStore, error) {
	if cfg.Host == "" {
		return nil, fmt.Errorf("%w: qdrant host is required", ErrInvalidConfig)
	}
	if cfg.Port == 0 {
		cfg.Port = defaultQdrantPort
	}
	if cfg.Port < 1 || cfg.Port > 65535 {
		return nil, fmt.Errorf("%w: qdrant port %d out of range", ErrInvalidConfig, cfg.Port)
	}
	if cfg.MaxMessageSize <= 0 {
		cfg.MaxMessageSize = defaultQdrantMsgMax
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if !cfg.UseTLS {
		logger.Warn("qdrant gRPC using plaintext (TLS disabled)", zap.String("host", cfg.Host))
	}

	return &QdrantStore{
		cfg:     cfg,
		policy:  policy.WithRetryable(isTransient),
		logger:  logger,
		clients: make(map[string]*qdrant.Client),
	}, nil
}

// client returns the cached client for the tenant's credential.
func (s *QdrantStore) client(tc tenant.Context) (*qdrant.Client, error) {
	key := tc.VectorStoreCredential.Fingerprint()

	s.mu.Lock()
	defer s.mu.Unlock()

	if c, ok := s.clients[key]; ok {
		return c, nil
	}
	qc := &qdrant.Config{
		Host:   s.cfg.Host,
		Port:   s.cfg.Port,
		APIKey: tc.VectorStoreCredential.Value(),
		UseTLS: s.cfg.UseTLS,
		GrpcOptions: []grpc.DialOption{
			grpc.WithDefaultCallOptions(
				grpc.MaxCallRecvMsgSize(s.cfg.MaxMessageSize),
				grpc.MaxCallSendMsgSize(s.cfg.MaxMessageSize),
			),
		},
	}
	if !s.cfg.UseTLS {
		qc.GrpcOptions = append(qc.GrpcOptions, grpc.WithTransportCredentials(insecure.NewCredentials()))
	}
	c, err := qdrant.NewClient(qc)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}
	s.clients[key] = c
	return c, nil
}

// isTransient reports whether a gRPC error is worth retrying.
func isTransient(err error) bool {
	st, ok := status.FromError(err)
	if !ok {
		return false
	}
	switch st.Code() {
	case grpccodes.Unavailable, grpccodes.DeadlineExceeded, grpccodes.Aborted, grpccodes.ResourceExhausted:
		return true
	default:
		return false
	}
}

func isNotFound(err error) bool {
	st, ok := status.FromError(err)
	return ok && st.Code() == grpccodes.NotFound
}

// mapError converts a gRPC failure into the package's sentinel errors.
func mapError(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	st, ok := status.FromError(err)
	if !ok {
		return fmt.Errorf("%s: %w", op, err)
	}
	switch st.Code() {
	case grpccodes.Unauthenticated, grpccodes.PermissionDenied:
		return fmt.Errorf("%s: %w", op, ErrAuthRejected)
	case grpccodes.Unavailable, grpccodes.DeadlineExceeded, grpccodes.Aborted, grpccodes.ResourceExhausted:
		return fmt.Errorf("%s: %w: %s", op, ErrStorageUnavailable, st.Message())
	default:
		return fmt.Errorf("%s: %w", op, err)
	}
}

// pointID maps a chunk ID onto a Qdrant UUID. Non-UUID IDs are hashed so
// the same chunk ID always lands on the same point.
func pointID(id string) *qdrant.PointId {
	if u, err := uuid.Parse(id); err == nil {
		return qdrant.NewIDUUID(u.String())
	}
	return qdrant.NewIDUUID(uuid.NewSHA1(uuid.NameSpaceURL, []byte(id)).String())
}

func (s *QdrantStore) ensureCollection(ctx context.Context, c *qdrant.Client, name string, dim int) error {
	if _, ok := s.collections.Load(name); ok {
		return nil
	}

	exists, err := retry.Value(ctx, s.policy, func(ctx context.Context) (bool, error) {
		return c.CollectionExists(ctx, name)
	})
	if err != nil {
		return mapError("checking collection", err)
	}
	if !exists {
		err = s.policy.Do(ctx, func(ctx context.Context) error {
			return c.CreateCollection(ctx, &qdrant.CreateCollection{
				CollectionName: name,
				VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
					Size:     uint64(dim),
					Distance: qdrant.Distance_Cosine,
				}),
			})
		})
		if st, ok := status.FromError(err); ok && st.Code() == grpccodes.AlreadyExists {
			err = nil
		}
		if err != nil {
			return mapError("creating collection", err)
		}
		s.logger.Info("created qdrant collection", zap.String("collection", name), zap.Int("dimension", dim))
	}

	s.collections.Store(name, true)
	return nil
}

// Upsert writes chunks as one batch of points.
func (s *QdrantStore) Upsert(ctx context.Context, tc tenant.Context, chunks []Chunk) (n int, err error) {
	defer observe("upsert", time.Now(), &err)

	ctx, span := qdrantTracer.Start(ctx, "QdrantStore.Upsert")
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
	dim, err := checkDimensions(chunks)
	if err != nil {
		return 0, err
	}

	c, err := s.client(tc)
	if err != nil {
		return 0, err
	}
	if err := s.ensureCollection(ctx, c, tc.CollectionName, dim); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return 0, err
	}

	points := make([]*qdrant.PointStruct, len(chunks))
	for i, ch := range chunks {
		if ch.ID == "" {
			return 0, fmt.Errorf("chunk %d has no ID", i)
		}
		md := storedMetadata(tc, ch, nextSeq())
		payload := make(map[string]*qdrant.Value, len(md)+2)
		for k, v := range md {
			payload[k] = stringValue(v)
		}
		payload[payloadText] = stringValue(ch.Text)
		payload[payloadID] = stringValue(ch.ID)

		points[i] = &qdrant.PointStruct{
			Id:      pointID(ch.ID),
			Vectors: qdrant.NewVectors(ch.Embedding...),
			Payload: payload,
		}
	}

	err = s.policy.Do(ctx, func(ctx context.Context) error {
		_, err := c.Upsert(ctx, &qdrant.UpsertPoints{
			CollectionName: tc.CollectionName,
			Wait:           qdrant.PtrOf(true),
			Points:         points,
		})
		return err
	})
	if err != nil {
		err = mapError("upserting points", err)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return 0, err
	}

	span.SetStatus(codes.Ok, "success")
	return len(points), nil
}

// Search queries the tenant's collection.
func (s *QdrantStore) Search(ctx context.Context, tc tenant.Context, embedding []float32, topK int) (out []RetrievalResult, err error) {
	defer observe("search", time.Now(), &err)

	ctx, span := qdrantTracer.Start(ctx, "QdrantStore.Search")
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
	c, err := s.client(tc)
	if err != nil {
		return nil, err
	}

	limit := candidateLimit(topK)
	ranked, err := s.query(ctx, c, tc.CollectionName, embedding, limit)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	if len(ranked) == limit {
		total, err := s.count(ctx, c, tc.CollectionName)
		if err != nil {
			return nil, err
		}
		if truncatedTie(ranked, topK, limit, total) {
			if ranked, err = s.query(ctx, c, tc.CollectionName, embedding, total); err != nil {
				span.RecordError(err)
				span.SetStatus(codes.Error, err.Error())
				return nil, err
			}
		}
	}

	out = truncate(ranked, topK)
	span.SetAttributes(attribute.Int("results_count", len(out)))
	span.SetStatus(codes.Ok, "success")
	return out, nil
}

func (s *QdrantStore) query(ctx context.Context, c *qdrant.Client, collection string, embedding []float32, limit int) ([]RetrievalResult, error) {
	points, err := retry.Value(ctx, s.policy, func(ctx context.Context) ([]*qdrant.ScoredPoint, error) {
		return c.Query(ctx, &qdrant.QueryPoints{
			CollectionName: collection,
			Query:          qdrant.NewQuery(embedding...),
			Limit:          qdrant.PtrOf(uint64(limit)),
			WithPayload:    qdrant.NewWithPayload(true),
		})
	})
	if isNotFound(err) {
		return []RetrievalResult{}, nil
	}
	if err != nil {
		return nil, mapError("searching collection", err)
	}

	results := make([]RetrievalResult, len(points))
	seqs := make([]int64, len(points))
	for i, p := range points {
		md := make(map[string]string, len(p.Payload))
		var id, text string
		for k, v := range p.Payload {
			sv := payloadString(v)
			switch k {
			case payloadText:
				text = sv
			case payloadID:
				id = sv
			default:
				md[k] = sv
			}
		}
		ch, seq := chunkFromMetadata(id, text, md)
		results[i] = RetrievalResult{Chunk: ch, Score: p.Score}
		seqs[i] = seq
	}
	return rank(results, seqs), nil
}

func payloadString(v *qdrant.Value) string {
	switch val := v.GetKind().(type) {
	case *qdrant.Value_StringValue:
		return val.StringValue
	case *qdrant.Value_IntegerValue:
		return strconv.FormatInt(val.IntegerValue, 10)
	case *qdrant.Value_DoubleValue:
		return strconv.FormatFloat(val.DoubleValue, 'f', -1, 64)
	case *qdrant.Value_BoolValue:
		return strconv.FormatBool(val.BoolValue)
	default:
		return ""
	}
}

// Count returns the exact number of points in the tenant's collection.
func (s *QdrantStore) Count(ctx context.Context, tc tenant.Context) (n int, err error) {
	defer observe("count", time.Now(), &err)

	if err := tc.Validate(); err != nil {
		return 0, err
	}
	c, err := s.client(tc)
	if err != nil {
		return 0, err
	}
	return s.count(ctx, c, tc.CollectionName)
}

func (s *QdrantStore) count(ctx context.Context, c *qdrant.Client, collection string) (int, error) {
	n, err := retry.Value(ctx, s.policy, func(ctx context.Context) (uint64, error) {
		return c.Count(ctx, &qdrant.CountPoints{
			CollectionName: collection,
			Exact:          qdrant.PtrOf(true),
		})
	})
	if isNotFound(err) {
		return 0, nil
	}
	if err != nil {
		return 0, mapError("counting points", err)
	}
	return int(n), nil
}

// Clear drops the tenant's collection.
func (s *QdrantStore) Clear(ctx context.Context, tc tenant.Context) (err error) {
	defer observe("clear", time.Now(), &err)

	ctx, span := qdrantTracer.Start(ctx, "QdrantStore.Clear")
	defer span.End()
	span.SetAttributes(attribute.String("collection", tc.CollectionName))

	if err := tc.Validate(); err != nil {
		return err
	}
	c, err := s.client(tc)
	if err != nil {
		return err
	}

	err = s.policy.Do(ctx, func(ctx context.Context) error {
		return c.DeleteCollection(ctx, tc.CollectionName)
	})
	if err != nil && !isNotFound(err) {
		err = mapError("deleting collection", err)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	s.collections.Delete(tc.CollectionName)

	span.SetStatus(codes.Ok, "success")
	return nil
}

// Close closes every cached client.
func (s *QdrantStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var errs []error
	for key, c := range s.clients {
		if err := c.Close(); err != nil {
			errs = append(errs, err)
		}
		delete(s.clients, key)
	}
	return errors.Join(errs...)
}

func stringValue(s string) *qdrant.Value {
	return &qdrant.Value{Kind: &qdrant.Value_StringValue{StringValue: s}}
}
