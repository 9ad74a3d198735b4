package ingestion

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/knowd/internal/config"
	"github.com/fyrsmithlabs/knowd/internal/embeddings"
	"github.com/fyrsmithlabs/knowd/internal/events"
	"github.com/fyrsmithlabs/knowd/internal/logging"
	"github.com/fyrsmithlabs/knowd/internal/retry"
	"github.com/fyrsmithlabs/knowd/internal/secrets"
	"github.com/fyrsmithlabs/knowd/internal/tenant"
	"github.com/fyrsmithlabs/knowd/internal/vectorstore"
)

var (
	ErrUnsupportedFormat = errors.New("unsupported document format")
	ErrExtractionFailed  = errors.New("text extraction failed")
	ErrEmbeddingFailed   = embeddings.ErrEmbeddingFailed
	ErrEmptyContent      = errors.New("no text content")
	ErrFetchFailed       = errors.New("fetch failed")
	ErrInvalidURL        = errors.New("invalid URL")
	ErrContentTooLarge   = errors.New("content too large")
)

// Source types recorded in chunk metadata.
const (
	TypeFileUpload      = "file_upload"
	TypeURLUpload       = "url_upload"
	TypeWebSearchResult = "web_search_result"
)

// Metadata keys written on every chunk.
const (
	MetaSource    = "source"
	MetaType      = "type"
	MetaIndexedAt = "indexed_at"
	MetaDomain    = "domain"
	MetaTitle     = "title"
	MetaFormat    = "format"
)

var tracer = otel.Tracer("knowd.ingestion")

var chunksIndexed = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "knowd",
		Subsystem: "ingestion",
		Name:      "chunks_indexed_total",
		Help:      "Chunks written to tenant collections by source type",
	},
	[]string{"type"},
)

// Report summarizes one ingestion.
type Report struct {
	ChunksIndexed int    `json:"chunks_indexed"`
	SourceRef     string `json:"source_ref"`
	Format        Format `json:"format,omitempty"`
	Redactions    int    `json:"redactions,omitempty"`
}

// Ingester is the ingestion surface used by the orchestrator and the API.
type Ingester interface {
	IngestDocument(ctx context.Context, tc tenant.Context, raw []byte, mimeHint, sourceRef string) (Report, error)
	IngestURL(ctx context.Context, tc tenant.Context, rawURL string) (Report, error)
	IngestPage(ctx context.Context, tc tenant.Context, rawURL string, metadata map[string]string) (Report, error)
	IngestText(ctx context.Context, tc tenant.Context, text, sourceRef string, metadata map[string]string) (Report, error)
}

// Pipeline extracts, scrubs, chunks, embeds and stores documents.
type Pipeline struct {
	store     vectorstore.Store
	embedders embeddings.Source
	chunker   *Chunker
	fetcher   *Fetcher
	scrubber  secrets.Scrubber
	events    events.Publisher
	logger    *logging.Logger
	maxBytes  int64
	now       func() time.Time
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithScrubber redacts secrets from text before it is embedded.
func WithScrubber(s secrets.Scrubber) Option {
	return func(p *Pipeline) { p.scrubber = s }
}

// WithPublisher emits an ingest.completed event per indexed source.
func WithPublisher(pub events.Publisher) Option {
	return func(p *Pipeline) { p.events = pub }
}

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(p *Pipeline) { p.logger = l }
}

// WithFetcher replaces the URL fetcher.
func WithFetcher(f *Fetcher) Option {
	return func(p *Pipeline) { p.fetcher = f }
}

// WithClock sets the time source for indexed_at.
func WithClock(now func() time.Time) Option {
	return func(p *Pipeline) { p.now = now }
}

// New creates a Pipeline from the ingestion settings.
func New(cfg config.IngestionConfig, store vectorstore.Store, embedders embeddings.Source, policy retry.Policy, opts ...Option) (*Pipeline, error) {
	chunker, err := NewChunker(cfg.ChunkSize, cfg.ChunkOverlap)
	if err != nil {
		return nil, err
	}
	p := &Pipeline{
		store:     store,
		embedders: embedders,
		chunker:   chunker,
		fetcher:   NewFetcher(cfg.FetchTimeout, cfg.MaxBytes, cfg.UserAgent, policy),
		scrubber:  &secrets.NoopScrubber{},
		events:    events.Nop{},
		logger:    logging.Nop(),
		maxBytes:  cfg.MaxBytes,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// IngestDocument indexes an uploaded document.
func (p *Pipeline) IngestDocument(ctx context.Context, tc tenant.Context, raw []byte, mimeHint, sourceRef string) (Report, error) {
	ctx, span := tracer.Start(ctx, "Pipeline.IngestDocument")
	defer span.End()
	span.SetAttributes(attribute.String("source_ref", sourceRef), attribute.Int("bytes", len(raw)))

	report, err := p.ingestBytes(ctx, tc, raw, mimeHint, sourceRef, map[string]string{MetaType: TypeFileUpload})
	recordSpan(span, err)
	return report, err
}

func (p *Pipeline) ingestBytes(ctx context.Context, tc tenant.Context, raw []byte, mimeHint, sourceRef string, md map[string]string) (Report, error) {
	if err := tc.Validate(); err != nil {
		return Report{}, err
	}
	if len(bytes.TrimSpace(raw)) == 0 {
		return Report{}, ErrEmptyContent
	}
	if p.maxBytes > 0 && int64(len(raw)) > p.maxBytes {
		return Report{}, fmt.Errorf("%w: %d bytes exceeds %d", ErrContentTooLarge, len(raw), p.maxBytes)
	}

	format := DetectFormat(raw, mimeHint, sourceRef)
	if format == FormatUnknown {
		return Report{}, fmt.Errorf("%w: %s", ErrUnsupportedFormat, sourceRef)
	}
	text, err := extract(format, raw)
	if err != nil {
		return Report{}, fmt.Errorf("%w: %s: %v", ErrExtractionFailed, sourceRef, err)
	}

	md[MetaFormat] = string(format)
	report, err := p.index(ctx, tc, text, sourceRef, md)
	report.Format = format
	return report, err
}

// IngestURL fetches a page and indexes its visible text. Non-HTML
// responses are indexed as documents.
func (p *Pipeline) IngestURL(ctx context.Context, tc tenant.Context, rawURL string) (Report, error) {
	ctx, span := tracer.Start(ctx, "Pipeline.IngestURL")
	defer span.End()
	span.SetAttributes(attribute.String("url", rawURL))

	report, err := p.ingestURL(ctx, tc, rawURL, map[string]string{MetaType: TypeURLUpload})
	recordSpan(span, err)
	return report, err
}

// IngestPage is IngestURL with caller metadata. metadata may set "type" and
// "title"; the type defaults to web_search_result.
func (p *Pipeline) IngestPage(ctx context.Context, tc tenant.Context, rawURL string, metadata map[string]string) (Report, error) {
	ctx, span := tracer.Start(ctx, "Pipeline.IngestPage")
	defer span.End()
	span.SetAttributes(attribute.String("url", rawURL))

	md := make(map[string]string, len(metadata)+5)
	for k, v := range metadata {
		md[k] = v
	}
	if md[MetaType] == "" {
		md[MetaType] = TypeWebSearchResult
	}
	report, err := p.ingestURL(ctx, tc, rawURL, md)
	recordSpan(span, err)
	return report, err
}

func (p *Pipeline) ingestURL(ctx context.Context, tc tenant.Context, rawURL string, md map[string]string) (Report, error) {
	if err := tc.Validate(); err != nil {
		return Report{}, err
	}
	u, err := ValidateURL(rawURL)
	if err != nil {
		return Report{}, err
	}
	page, err := p.fetcher.Fetch(ctx, rawURL)
	if err != nil {
		return Report{}, err
	}

	md[MetaDomain] = u.Host

	format := DetectFormat(page.Body, page.ContentType, page.URL)
	if format != FormatHTML {
		return p.ingestBytes(ctx, tc, page.Body, page.ContentType, rawURL, md)
	}

	text, title, err := extractHTML(bytes.NewReader(page.Body))
	if err != nil {
		return Report{}, fmt.Errorf("%w: %s: %v", ErrExtractionFailed, rawURL, err)
	}
	if title != "" && md[MetaTitle] == "" {
		md[MetaTitle] = title
	}
	md[MetaFormat] = string(FormatHTML)
	report, err := p.index(ctx, tc, text, rawURL, md)
	report.Format = FormatHTML
	return report, err
}

// IngestText indexes text that is already extracted, such as a web search
// snippet. metadata may set "type"; it defaults to web_search_result.
func (p *Pipeline) IngestText(ctx context.Context, tc tenant.Context, text, sourceRef string, metadata map[string]string) (Report, error) {
	ctx, span := tracer.Start(ctx, "Pipeline.IngestText")
	defer span.End()
	span.SetAttributes(attribute.String("source_ref", sourceRef))

	if err := tc.Validate(); err != nil {
		recordSpan(span, err)
		return Report{}, err
	}
	md := make(map[string]string, len(metadata)+3)
	for k, v := range metadata {
		md[k] = v
	}
	if md[MetaType] == "" {
		md[MetaType] = TypeWebSearchResult
	}
	if u, err := ValidateURL(sourceRef); err == nil && md[MetaDomain] == "" {
		md[MetaDomain] = u.Host
	}

	report, err := p.index(ctx, tc, text, sourceRef, md)
	recordSpan(span, err)
	return report, err
}

// index scrubs, chunks, embeds and upserts text.
func (p *Pipeline) index(ctx context.Context, tc tenant.Context, text, sourceRef string, md map[string]string) (Report, error) {
	report := Report{SourceRef: sourceRef}

	if p.scrubber.IsEnabled() {
		res := p.scrubber.Scrub(text)
		if res.HasFindings() {
			p.logger.Warn(ctx, "redacted secrets before indexing", res.LogFields(sourceRef)...)
			report.Redactions = len(res.Findings)
		}
		text = res.Scrubbed
	}

	parts, err := p.chunker.Split(text)
	if err != nil {
		return report, fmt.Errorf("%w: splitting: %v", ErrExtractionFailed, err)
	}
	if len(parts) == 0 {
		return report, ErrEmptyContent
	}

	embedder, err := p.embedders.For(tc)
	if err != nil {
		return report, embeddingError(err)
	}
	vectors, err := embedder.EmbedDocuments(ctx, parts)
	if err != nil {
		return report, embeddingError(err)
	}
	if len(vectors) != len(parts) {
		return report, fmt.Errorf("%w: got %d embeddings for %d chunks", ErrEmbeddingFailed, len(vectors), len(parts))
	}

	md[MetaSource] = sourceRef
	md[MetaIndexedAt] = p.now().UTC().Format(time.RFC3339)

	chunks := make([]vectorstore.Chunk, len(parts))
	for i, part := range parts {
		chunks[i] = vectorstore.Chunk{
			ID:            uuid.NewString(),
			TenantID:      tc.TenantID,
			SourceRef:     sourceRef,
			Text:          part,
			Embedding:     vectors[i],
			SequenceIndex: i,
			Metadata:      md,
		}
	}

	n, err := p.store.Upsert(ctx, tc, chunks)
	if err != nil {
		return report, err
	}
	report.ChunksIndexed = n
	chunksIndexed.WithLabelValues(md[MetaType]).Add(float64(n))

	p.logger.Info(ctx, "indexed source",
		zap.String("source_ref", sourceRef),
		zap.String("type", md[MetaType]),
		zap.Int("chunks", n),
	)

	if err := p.events.Publish(ctx, tc, events.TypeIngestCompleted, map[string]string{
		"source": sourceRef,
		"type":   md[MetaType],
		"chunks": strconv.Itoa(n),
	}); err != nil {
		p.logger.Warn(ctx, "ingest event not published", zap.Error(err))
	}
	return report, nil
}

func recordSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return
	}
	span.SetStatus(codes.Ok, "success")
}

var _ Ingester = (*Pipeline)(nil)

func embeddingError(err error) error {
	if errors.Is(err, ErrEmbeddingFailed) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrEmbeddingFailed, err)
}
