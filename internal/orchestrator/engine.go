package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/fyrsmithlabs/knowd/internal/config"
	"github.com/fyrsmithlabs/knowd/internal/conversation"
	"github.com/fyrsmithlabs/knowd/internal/embeddings"
	"github.com/fyrsmithlabs/knowd/internal/events"
	"github.com/fyrsmithlabs/knowd/internal/ingestion"
	"github.com/fyrsmithlabs/knowd/internal/logging"
	"github.com/fyrsmithlabs/knowd/internal/reasoning"
	"github.com/fyrsmithlabs/knowd/internal/retry"
	"github.com/fyrsmithlabs/knowd/internal/tenant"
	"github.com/fyrsmithlabs/knowd/internal/vectorstore"
	"github.com/fyrsmithlabs/knowd/internal/websearch"
)

const (
	defaultTopK             = 5
	defaultScoreThreshold   = 0.5
	defaultMaxWebResults    = 5
	defaultMaxIndexed       = 3
	defaultMinSnippetChars  = 1
	defaultHistoryWindow    = 10
	defaultIndexConcurrency = 3

	noAnswerMessage    = "I could not find an answer to this question in your knowledge base or on the web."
	webUnavailableNote = "Note: web search was unavailable, so this answer is based only on your knowledge base and may be incomplete."
)

var tracer = otel.Tracer("knowd.orchestrator")

var (
	decisionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "knowd",
			Subsystem: "orchestrator",
			Name:      "decisions_total",
			Help:      "Routing decisions by outcome",
		},
		[]string{"decision"},
	)
	phaseDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "knowd",
			Subsystem: "orchestrator",
			Name:      "phase_duration_seconds",
			Help:      "Time spent in each Ask phase",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"phase"},
	)
)

// Reasoner judges local sufficiency and composes answers.
type Reasoner interface {
	Judge(ctx context.Context, tc tenant.Context, in reasoning.Input) (reasoning.Judgment, error)
	Compose(ctx context.Context, tc tenant.Context, in reasoning.Input) (string, error)
}

// Dependencies are the collaborators of an Engine.
type Dependencies struct {
	Store     vectorstore.Store
	Embedders embeddings.Source
	Reasoner  Reasoner
	Search    websearch.Provider
	Ingester  ingestion.Ingester
	History   conversation.Log

	// Optional.
	Events events.Publisher
	Logger *logging.Logger
	// SearchRetry is the backoff for web search; the attempt budget is
	// always two.
	SearchRetry retry.Policy
}

type settings struct {
	topK             int
	threshold        float32
	maxWeb           int
	maxIndexed       int
	minSnippet       int
	history          int
	indexConcurrency int
}

func settingsFrom(cfg config.OrchestratorConfig) settings {
	s := settings{
		topK:             cfg.TopK,
		threshold:        cfg.ScoreThreshold,
		maxWeb:           cfg.MaxWebResults,
		maxIndexed:       cfg.MaxIndexedResults,
		minSnippet:       cfg.MinSnippetChars,
		history:          cfg.HistoryWindow,
		indexConcurrency: cfg.IndexConcurrency,
	}
	if s.topK <= 0 {
		s.topK = defaultTopK
	}
	if s.threshold == 0 {
		s.threshold = defaultScoreThreshold
	}
	if s.maxWeb <= 0 {
		s.maxWeb = defaultMaxWebResults
	}
	if s.maxIndexed < 0 {
		s.maxIndexed = 0
	} else if s.maxIndexed == 0 {
		s.maxIndexed = defaultMaxIndexed
	}
	if s.minSnippet <= 0 {
		s.minSnippet = defaultMinSnippetChars
	}
	if s.history <= 0 {
		s.history = defaultHistoryWindow
	}
	if s.indexConcurrency <= 0 {
		s.indexConcurrency = defaultIndexConcurrency
	}
	return s
}

// Engine runs Ask. It holds no per-request state and is safe for concurrent
// use.
type Engine struct {
	deps        Dependencies
	cfg         settings
	searchRetry retry.Policy
	logger      *logging.Logger
}

// NewEngine validates deps and applies defaults to cfg.
func NewEngine(cfg config.OrchestratorConfig, deps Dependencies) (*Engine, error) {
	switch {
	case deps.Store == nil:
		return nil, errors.New("orchestrator: store required")
	case deps.Embedders == nil:
		return nil, errors.New("orchestrator: embedders required")
	case deps.Reasoner == nil:
		return nil, errors.New("orchestrator: reasoner required")
	case deps.Search == nil:
		return nil, errors.New("orchestrator: search provider required")
	case deps.Ingester == nil:
		return nil, errors.New("orchestrator: ingester required")
	case deps.History == nil:
		return nil, errors.New("orchestrator: history required")
	}
	if deps.Events == nil {
		deps.Events = events.Nop{}
	}
	logger := deps.Logger
	if logger == nil {
		logger = logging.Nop()
	}
	policy := deps.SearchRetry
	if policy.BaseDelay == 0 {
		policy = retry.Default()
	}

	return &Engine{
		deps: deps,
		cfg:  settingsFrom(cfg),
		searchRetry: policy.WithAttempts(2).WithRetryable(func(err error) bool {
			return !errors.Is(err, websearch.ErrDisabled)
		}),
		logger: logger,
	}, nil
}

type askOptions struct {
	progress ProgressCallback
}

// AskOption configures one Ask call.
type AskOption func(*askOptions)

// WithProgress reports each phase transition to cb.
func WithProgress(cb ProgressCallback) AskOption {
	return func(o *askOptions) { o.progress = cb }
}

// Ask answers question for tc. On failure the returned Result still carries
// the phases that ran, ending with PhaseFailed.
func (e *Engine) Ask(ctx context.Context, tc tenant.Context, question string, opts ...AskOption) (*Result, error) {
	var o askOptions
	for _, opt := range opts {
		opt(&o)
	}

	ctx = logging.WithTenant(ctx, tc.TenantID, tc.CollectionName)
	ctx, span := tracer.Start(ctx, "Engine.Ask")
	defer span.End()

	t := &turn{
		e:        e,
		tc:       tc,
		question: strings.TrimSpace(question),
		progress: o.progress,
		res:      &Result{Sources: []Source{}},
	}

	if err := t.run(ctx); err != nil {
		t.fail(err)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		e.logger.Warn(ctx, "ask failed", zap.Error(err))
		return t.res, err
	}

	decisionsTotal.WithLabelValues(string(t.res.Decision)).Inc()
	span.SetAttributes(
		attribute.String("decision", string(t.res.Decision)),
		attribute.Int("sources", len(t.res.Sources)),
	)
	span.SetStatus(codes.Ok, "success")
	e.logger.Info(ctx, "question answered",
		zap.String("decision", string(t.res.Decision)),
		zap.Int("sources", len(t.res.Sources)),
		zap.Int("indexed", t.res.Indexed),
		zap.Bool("web_unavailable", t.res.WebUnavailable),
	)
	return t.res, nil
}

// turn is the state of one Ask call.
type turn struct {
	e        *Engine
	tc       tenant.Context
	question string
	progress ProgressCallback
	res      *Result

	history    []reasoning.Message
	local      []vectorstore.RetrievalResult
	web        []websearch.Result
	sufficient bool
	judged     string
}

func (t *turn) run(ctx context.Context) error {
	if err := t.phase(ctx, PhaseStart, t.start); err != nil {
		return err
	}
	if err := t.phase(ctx, PhaseLocalRetrieval, t.localRetrieval); err != nil {
		return err
	}

	if t.sufficient {
		if err := t.phase(ctx, PhaseAnswer, t.answerLocally); err != nil {
			return err
		}
		return t.phase(ctx, PhaseDone, t.done)
	}

	if err := t.phase(ctx, PhaseWebSearch, t.webSearch); err != nil {
		return err
	}
	if t.res.WebUnavailable || len(t.web) == 0 {
		t.skip(PhaseIndexing, "no web results to index")
	} else if err := t.phase(ctx, PhaseIndexing, t.index); err != nil {
		return err
	}
	if err := t.phase(ctx, PhaseCompose, t.compose); err != nil {
		return err
	}
	return t.phase(ctx, PhaseDone, t.done)
}

// phase runs fn as phase p, recording its result and reporting progress.
func (t *turn) phase(ctx context.Context, p Phase, fn func(context.Context) (string, error)) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	started := time.Now()
	t.report(p, StatusInProgress, "starting "+string(p))

	out, err := fn(ctx)

	r := PhaseResult{Phase: p, StartedAt: started, CompletedAt: time.Now(), Output: out}
	if err != nil {
		r.Status = StatusFailed
		r.Error = err.Error()
	} else {
		r.Status = StatusCompleted
	}
	t.res.Phases = append(t.res.Phases, r)
	phaseDuration.WithLabelValues(string(p)).Observe(r.Duration().Seconds())

	msg := out
	if err != nil {
		msg = err.Error()
	}
	t.report(p, r.Status, msg)
	return err
}

func (t *turn) skip(p Phase, why string) {
	now := time.Now()
	t.res.Phases = append(t.res.Phases, PhaseResult{Phase: p, Status: StatusSkipped, StartedAt: now, CompletedAt: now, Output: why})
	t.report(p, StatusSkipped, why)
}

func (t *turn) fail(err error) {
	now := time.Now()
	t.res.Phases = append(t.res.Phases, PhaseResult{Phase: PhaseFailed, Status: StatusFailed, StartedAt: now, CompletedAt: now, Error: err.Error()})
	t.report(PhaseFailed, StatusFailed, err.Error())
}

func (t *turn) report(p Phase, status PhaseStatus, msg string) {
	if t.progress != nil {
		t.progress(PhaseProgress{Phase: p, Status: status, Message: msg})
	}
}

func (t *turn) start(ctx context.Context) (string, error) {
	if err := t.tc.Validate(); err != nil {
		return "", err
	}
	if t.question == "" {
		return "", ErrInvalidQuestion
	}

	turns, err := t.e.deps.History.Recent(ctx, t.tc, t.e.cfg.history)
	if err != nil {
		t.e.logger.Warn(ctx, "history unavailable, answering without it", zap.Error(err))
		return "history unavailable", nil
	}
	t.history = make([]reasoning.Message, len(turns))
	for i, turn := range turns {
		t.history[i] = reasoning.Message{Role: string(turn.Role), Content: turn.Content}
	}
	return fmt.Sprintf("loaded %d history turns", len(turns)), nil
}

func (t *turn) localRetrieval(ctx context.Context) (string, error) {
	deps := t.e.deps

	count, err := deps.Store.Count(ctx, t.tc)
	if err != nil {
		return "", fmt.Errorf("%w: counting chunks: %w", ErrOrchestrationFailed, err)
	}
	if count == 0 {
		return "knowledge base is empty", nil
	}

	embedder, err := deps.Embedders.For(t.tc)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrOrchestrationFailed, err)
	}
	query, err := embedder.EmbedQuery(ctx, t.question)
	if err != nil {
		return "", fmt.Errorf("%w: embedding question: %w", ErrOrchestrationFailed, err)
	}
	results, err := deps.Store.Search(ctx, t.tc, query, t.e.cfg.topK)
	if err != nil {
		return "", fmt.Errorf("%w: searching: %w", ErrOrchestrationFailed, err)
	}

	t.local = aboveThreshold(results, t.e.cfg.threshold)
	if len(t.local) == 0 {
		return fmt.Sprintf("%d chunks retrieved, none above threshold", len(results)), nil
	}

	j, err := deps.Reasoner.Judge(ctx, t.tc, reasoning.Input{
		Question: t.question,
		History:  t.history,
		Passages: localPassages(t.local),
	})
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrOrchestrationFailed, err)
	}
	t.sufficient = j.Sufficient && strings.TrimSpace(j.Answer) != ""
	t.judged = j.Answer

	verdict := "insufficient"
	if t.sufficient {
		verdict = "sufficient"
	}
	return fmt.Sprintf("%d relevant chunks, verdict %s", len(t.local), verdict), nil
}

func (t *turn) answerLocally(context.Context) (string, error) {
	t.res.Answer = strings.TrimSpace(t.judged)
	t.res.Decision = DecisionAnsweredLocally
	t.res.Sources = citeSources(t.local, nil)
	return fmt.Sprintf("answered from %d sources", len(t.res.Sources)), nil
}

func (t *turn) webSearch(ctx context.Context) (string, error) {
	results, err := retry.Value(ctx, t.e.searchRetry, func(ctx context.Context) ([]websearch.Result, error) {
		return t.e.deps.Search.Search(ctx, t.question, t.e.cfg.maxWeb)
	})
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return "", ctxErr
		}
		t.res.WebUnavailable = true
		t.e.logger.Warn(ctx, "web search unavailable", zap.Error(err))
		return "web search unavailable", nil
	}

	if len(results) > t.e.cfg.maxWeb {
		results = results[:t.e.cfg.maxWeb]
	}
	t.web = results
	return fmt.Sprintf("%d web results", len(results)), nil
}

// index folds qualifying web results into the tenant's collection. The page
// is fetched first; the snippet is indexed when the page cannot be.
// Failures are logged and never fail the turn.
func (t *turn) index(ctx context.Context) (string, error) {
	var candidates []websearch.Result
	for _, r := range t.web {
		if len(candidates) == t.e.cfg.maxIndexed {
			break
		}
		if utf8.RuneCountInString(strings.TrimSpace(r.Snippet)) < t.e.cfg.minSnippet {
			continue
		}
		if _, err := ingestion.ValidateURL(r.URL); err != nil {
			continue
		}
		candidates = append(candidates, r)
	}
	if len(candidates) == 0 {
		return "no qualifying results", nil
	}

	var indexed atomic.Int32
	g := new(errgroup.Group)
	g.SetLimit(t.e.cfg.indexConcurrency)
	for _, r := range candidates {
		g.Go(func() error {
			md := map[string]string{
				ingestion.MetaType:  ingestion.TypeWebSearchResult,
				ingestion.MetaTitle: r.Title,
			}
			_, err := t.e.deps.Ingester.IngestPage(ctx, t.tc, r.URL, md)
			if err != nil {
				t.e.logger.Debug(ctx, "page not indexed, indexing snippet",
					zap.String("url", r.URL), zap.Error(err))
				if _, err = t.e.deps.Ingester.IngestText(ctx, t.tc, r.Snippet, r.URL, md); err != nil {
					t.e.logger.Warn(ctx, "web result not indexed",
						zap.String("url", r.URL), zap.Error(err))
					return nil
				}
			}
			indexed.Add(1)
			return nil
		})
	}
	_ = g.Wait()

	t.res.Indexed = int(indexed.Load())
	return fmt.Sprintf("indexed %d of %d results", t.res.Indexed, len(candidates)), nil
}

func (t *turn) compose(ctx context.Context) (string, error) {
	if len(t.local) == 0 && len(t.web) == 0 {
		t.res.Decision = DecisionUnanswerable
		t.res.Answer = noAnswerMessage
		if t.res.WebUnavailable {
			t.res.Answer += "\n\n" + webUnavailableNote
		}
		return "no context to compose from", nil
	}

	passages := localPassages(t.local)
	for _, r := range t.web {
		passages = append(passages, reasoning.Passage{
			Kind:  reasoning.KindWeb,
			Ref:   r.URL,
			Title: r.Title,
			Text:  r.Snippet,
		})
	}

	answer, err := t.e.deps.Reasoner.Compose(ctx, t.tc, reasoning.Input{
		Question:       t.question,
		History:        t.history,
		Passages:       passages,
		WebUnavailable: t.res.WebUnavailable,
	})
	if err != nil {
		return "", err
	}

	switch {
	case t.res.WebUnavailable:
		t.res.Decision = DecisionUnanswerable
		answer += "\n\n" + webUnavailableNote
	case len(t.web) == 0:
		// Search came back empty; only local passages fed the answer.
		t.res.Decision = DecisionAnsweredLocally
	case len(t.local) == 0:
		t.res.Decision = DecisionAnsweredViaWeb
	default:
		t.res.Decision = DecisionAnsweredViaCombined
	}
	t.res.Answer = answer
	t.res.Sources = citeSources(t.local, t.web)
	return fmt.Sprintf("composed from %d passages", len(passages)), nil
}

func (t *turn) done(ctx context.Context) (string, error) {
	sources := make([]conversation.Source, len(t.res.Sources))
	for i, s := range t.res.Sources {
		sources[i] = conversation.Source{Kind: string(s.Kind), Ref: s.Ref, Title: s.Title}
	}

	err := t.e.deps.History.Append(ctx, t.tc,
		conversation.Turn{Role: conversation.RoleUser, Content: t.question},
		conversation.Turn{Role: conversation.RoleAssistant, Content: t.res.Answer, Metadata: conversation.Metadata{
			Decision:       string(t.res.Decision),
			Sources:        sources,
			WebUnavailable: t.res.WebUnavailable,
		}},
	)
	if err != nil {
		t.e.logger.Error(ctx, "turn not recorded", zap.Error(err))
	}

	if err := t.e.deps.Events.Publish(ctx, t.tc, events.TypeTurnCompleted, map[string]string{
		"decision": string(t.res.Decision),
		"sources":  strconv.Itoa(len(t.res.Sources)),
	}); err != nil {
		t.e.logger.Warn(ctx, "turn event not published", zap.Error(err))
	}

	if err != nil {
		return "turn not recorded", nil
	}
	return string(t.res.Decision), nil
}

// aboveThreshold keeps results scoring strictly above threshold.
func aboveThreshold(results []vectorstore.RetrievalResult, threshold float32) []vectorstore.RetrievalResult {
	var out []vectorstore.RetrievalResult
	for _, r := range results {
		if r.Score > threshold {
			out = append(out, r)
		}
	}
	return out
}

func localPassages(results []vectorstore.RetrievalResult) []reasoning.Passage {
	out := make([]reasoning.Passage, len(results))
	for i, r := range results {
		out[i] = reasoning.Passage{
			Kind:  reasoning.KindKnowledge,
			Ref:   r.Chunk.SourceRef,
			Title: r.Chunk.Metadata[ingestion.MetaTitle],
			Text:  r.Chunk.Text,
		}
	}
	return out
}

// citeSources lists each distinct source once, local sources first.
func citeSources(local []vectorstore.RetrievalResult, web []websearch.Result) []Source {
	seen := make(map[Source]bool)
	out := []Source{}
	add := func(s Source) {
		key := Source{Kind: s.Kind, Ref: s.Ref}
		if s.Ref == "" || seen[key] {
			return
		}
		seen[key] = true
		out = append(out, s)
	}
	for _, r := range local {
		add(Source{Kind: SourceKnowledge, Ref: r.Chunk.SourceRef, Title: r.Chunk.Metadata[ingestion.MetaTitle]})
	}
	for _, r := range web {
		add(Source{Kind: SourceWeb, Ref: r.URL, Title: r.Title})
	}
	return out
}
