package orchestrator

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/knowd/internal/config"
	"github.com/fyrsmithlabs/knowd/internal/conversation"
	"github.com/fyrsmithlabs/knowd/internal/embeddings"
	"github.com/fyrsmithlabs/knowd/internal/ingestion"
	"github.com/fyrsmithlabs/knowd/internal/reasoning"
	"github.com/fyrsmithlabs/knowd/internal/retry"
	"github.com/fyrsmithlabs/knowd/internal/telemetry"
	"github.com/fyrsmithlabs/knowd/internal/tenant"
	"github.com/fyrsmithlabs/knowd/internal/vectorstore"
	"github.com/fyrsmithlabs/knowd/internal/websearch"
)

var fastPolicy = retry.Policy{MaxAttempts: 5, BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond}

type harness struct {
	engine   *Engine
	store    *vectorstore.ChromemStore
	pipeline *ingestion.Pipeline
	provider *reasoning.Scripted
	search   *websearch.Static
	history  *conversation.GormLog
	tenant   tenant.Context
}

func newHarness(t *testing.T, provider *reasoning.Scripted, search *websearch.Static) *harness {
	t.Helper()

	store, err := vectorstore.NewChromemStore(config.ChromemConfig{}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	emb := embeddings.StaticSource{Embedder: embeddings.NewHashEmbedder()}
	pipeline, err := ingestion.New(config.IngestionConfig{
		ChunkSize:    400,
		ChunkOverlap: 20,
		FetchTimeout: 2 * time.Second,
		MaxBytes:     1 << 20,
		UserAgent:    "knowd-test",
	}, store, emb, fastPolicy)
	require.NoError(t, err)

	history, err := conversation.Open(config.ConversationConfig{
		Driver:     "sqlite",
		SQLitePath: filepath.Join(t.TempDir(), "history.db"),
	}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = history.Close() })

	engine, err := NewEngine(config.OrchestratorConfig{}, Dependencies{
		Store:       store,
		Embedders:   emb,
		Reasoner:    reasoning.New(provider),
		Search:      search,
		Ingester:    pipeline,
		History:     history,
		SearchRetry: fastPolicy,
	})
	require.NoError(t, err)

	tc, err := tenant.New("acme", "", "")
	require.NoError(t, err)

	return &harness{
		engine:   engine,
		store:    store,
		pipeline: pipeline,
		provider: provider,
		search:   search,
		history:  history,
		tenant:   tc,
	}
}

func (h *harness) seed(t *testing.T, text, ref string) {
	t.Helper()
	_, err := h.pipeline.IngestText(context.Background(), h.tenant, text, ref, map[string]string{
		ingestion.MetaType: ingestion.TypeFileUpload,
	})
	require.NoError(t, err)
}

func phases(res *Result) []Phase {
	out := make([]Phase, len(res.Phases))
	for i, p := range res.Phases {
		out[i] = p.Phase
	}
	return out
}

func judgePrompts(s *reasoning.Scripted) int {
	n := 0
	for _, p := range s.Prompts() {
		if reasoning.IsJudgePrompt(p) {
			n++
		}
	}
	return n
}

// pageServer serves an article at /page and 404 everywhere else.
func pageServer(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/page" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_, _ = w.Write([]byte(`<html><head><title>Scheduler internals</title></head>
<body><p>The Go scheduler multiplexes goroutines onto operating system threads.</p></body></html>`))
	}))
	t.Cleanup(srv.Close)
	return srv
}

const localFact = "goroutines are lightweight threads"

func TestAsk_AnsweredLocally(t *testing.T) {
	provider := &reasoning.Scripted{JudgeReply: "VERDICT: SUFFICIENT\nGoroutines are lightweight threads [1]."}
	search := &websearch.Static{}
	h := newHarness(t, provider, search)
	h.seed(t, localFact, "notes.md")
	ctx := context.Background()

	res, err := h.engine.Ask(ctx, h.tenant, "Are goroutines lightweight threads?")
	require.NoError(t, err)

	assert.Equal(t, DecisionAnsweredLocally, res.Decision)
	assert.Equal(t, "Goroutines are lightweight threads [1].", res.Answer)
	assert.Equal(t, []Source{{Kind: SourceKnowledge, Ref: "notes.md"}}, res.Sources)
	assert.False(t, res.WebUnavailable)
	assert.Zero(t, search.Calls())
	assert.Len(t, provider.Prompts(), 1)
	assert.Equal(t, []Phase{PhaseStart, PhaseLocalRetrieval, PhaseAnswer, PhaseDone}, phases(res))

	turns, err := h.history.Recent(ctx, h.tenant, 10)
	require.NoError(t, err)
	require.Len(t, turns, 2)
	assert.Equal(t, conversation.RoleUser, turns[0].Role)
	assert.Equal(t, "Are goroutines lightweight threads?", turns[0].Content)
	assert.Equal(t, conversation.RoleAssistant, turns[1].Role)
	assert.Equal(t, "answered_locally", turns[1].Metadata.Decision)
	assert.Equal(t, []conversation.Source{{Kind: "knowledge", Ref: "notes.md"}}, turns[1].Metadata.Sources)
}

func TestAsk_EmptyKnowledgeBaseAnswersViaWeb(t *testing.T) {
	srv := pageServer(t)
	provider := &reasoning.Scripted{ComposeReply: "The scheduler multiplexes goroutines onto threads [1]."}
	search := &websearch.Static{Results: []websearch.Result{
		{Title: "Scheduler", Snippet: "The Go scheduler multiplexes goroutines.", URL: srv.URL + "/page"},
		{Title: "Gone", Snippet: "Work stealing balances run queues across Ps.", URL: srv.URL + "/missing"},
		{Title: "Blank", Snippet: "  ", URL: srv.URL + "/blank"},
	}}
	h := newHarness(t, provider, search)
	ctx := context.Background()

	res, err := h.engine.Ask(ctx, h.tenant, "How does the Go scheduler work?")
	require.NoError(t, err)

	assert.Equal(t, DecisionAnsweredViaWeb, res.Decision)
	assert.Equal(t, "The scheduler multiplexes goroutines onto threads [1].", res.Answer)
	assert.Equal(t, 2, res.Indexed)
	assert.Equal(t, []Source{
		{Kind: SourceWeb, Ref: srv.URL + "/page", Title: "Scheduler"},
		{Kind: SourceWeb, Ref: srv.URL + "/missing", Title: "Gone"},
		{Kind: SourceWeb, Ref: srv.URL + "/blank", Title: "Blank"},
	}, res.Sources)
	assert.Equal(t, []Phase{PhaseStart, PhaseLocalRetrieval, PhaseWebSearch, PhaseIndexing, PhaseCompose, PhaseDone}, phases(res))

	// An empty collection is never judged.
	assert.Zero(t, judgePrompts(provider))
	assert.Equal(t, 1, search.Calls())

	count, err := h.store.Count(ctx, h.tenant)
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	emb := embeddings.NewHashEmbedder()
	q, err := emb.EmbedQuery(ctx, "Work stealing balances run queues across Ps.")
	require.NoError(t, err)
	found, err := h.store.Search(ctx, h.tenant, q, 1)
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.Equal(t, srv.URL+"/missing", found[0].Chunk.SourceRef)
	assert.Equal(t, ingestion.TypeWebSearchResult, found[0].Chunk.Metadata[ingestion.MetaType])
	assert.Equal(t, "Gone", found[0].Chunk.Metadata[ingestion.MetaTitle])
}

type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(r *http.Request) (*http.Response, error) { return f(r) }

// unreachableHost makes every request to host fail with 404 for the rest of
// the test.
func unreachableHost(t *testing.T, host string) {
	t.Helper()
	orig := http.DefaultTransport
	http.DefaultTransport = roundTripFunc(func(r *http.Request) (*http.Response, error) {
		if r.URL.Hostname() == host {
			return &http.Response{
				StatusCode: http.StatusNotFound,
				Body:       http.NoBody,
				Header:     make(http.Header),
				Request:    r,
			}, nil
		}
		return orig.RoundTrip(r)
	})
	t.Cleanup(func() { http.DefaultTransport = orig })
}

func TestAsk_ShortWebSnippetIsIndexed(t *testing.T) {
	unreachableHost(t, "e.x")
	provider := &reasoning.Scripted{ComposeReply: "Y [1]."}
	search := &websearch.Static{Results: []websearch.Result{
		{Title: "X", Snippet: "Y", URL: "https://e.x"},
	}}
	h := newHarness(t, provider, search)
	ctx := context.Background()

	res, err := h.engine.Ask(ctx, h.tenant, "anything?")
	require.NoError(t, err)

	assert.Equal(t, DecisionAnsweredViaWeb, res.Decision)
	assert.Equal(t, []Source{{Kind: SourceWeb, Ref: "https://e.x", Title: "X"}}, res.Sources)
	assert.Equal(t, 1, res.Indexed)

	count, err := h.store.Count(ctx, h.tenant)
	require.NoError(t, err)
	assert.Greater(t, count, 0)
}

func TestAsk_CombinedWhenLocalInsufficient(t *testing.T) {
	srv := pageServer(t)
	provider := &reasoning.Scripted{
		JudgeReply:   "VERDICT: INSUFFICIENT\nThe notes do not mention scheduling.",
		ComposeReply: "Goroutines are lightweight threads [1] scheduled by the runtime [2].",
	}
	search := &websearch.Static{Results: []websearch.Result{
		{Title: "Scheduler", Snippet: "The Go scheduler multiplexes goroutines.", URL: srv.URL + "/page"},
	}}
	h := newHarness(t, provider, search)
	h.seed(t, localFact, "notes.md")

	res, err := h.engine.Ask(context.Background(), h.tenant, "Are goroutines lightweight threads?")
	require.NoError(t, err)

	assert.Equal(t, DecisionAnsweredViaCombined, res.Decision)
	assert.Equal(t, "Goroutines are lightweight threads [1] scheduled by the runtime [2].", res.Answer)
	assert.Equal(t, []Source{
		{Kind: SourceKnowledge, Ref: "notes.md"},
		{Kind: SourceWeb, Ref: srv.URL + "/page", Title: "Scheduler"},
	}, res.Sources)
	assert.Equal(t, 1, res.Indexed)

	prompts := provider.Prompts()
	require.Len(t, prompts, 2)
	assert.True(t, reasoning.IsJudgePrompt(prompts[0]))
	compose := prompts[1].User
	assert.Contains(t, compose, "Knowledge base: notes.md")
	assert.Contains(t, compose, "Web: "+srv.URL+"/page")
}

func TestAsk_EmptyWebResultsComposeFromLocal(t *testing.T) {
	spans := telemetry.RecordSpans(t)
	provider := &reasoning.Scripted{
		JudgeReply:   "VERDICT: INSUFFICIENT\nThe notes only partly cover this.",
		ComposeReply: "Goroutines are lightweight threads [1].",
	}
	search := &websearch.Static{}
	h := newHarness(t, provider, search)
	h.seed(t, localFact, "notes.md")

	res, err := h.engine.Ask(context.Background(), h.tenant, "Are goroutines lightweight threads?")
	require.NoError(t, err)

	assert.Equal(t, DecisionAnsweredLocally, res.Decision)
	assert.False(t, res.WebUnavailable)
	assert.Equal(t, "Goroutines are lightweight threads [1].", res.Answer)
	assert.Equal(t, []Source{{Kind: SourceKnowledge, Ref: "notes.md"}}, res.Sources)
	assert.Equal(t, 1, search.Calls())
	spans.AssertAttribute(t, "Engine.Ask", "decision", string(DecisionAnsweredLocally))
	spans.AssertAttribute(t, "Engine.Ask", "sources", 1)
}

func TestAsk_LowScoringChunksAreNotJudged(t *testing.T) {
	provider := &reasoning.Scripted{ComposeReply: "From the web [1]."}
	search := &websearch.Static{Results: []websearch.Result{
		{Title: "Tides", Snippet: "", URL: "https://example.com/tides"},
	}}
	h := newHarness(t, provider, search)
	h.seed(t, localFact, "notes.md")

	res, err := h.engine.Ask(context.Background(), h.tenant, "What causes ocean tides?")
	require.NoError(t, err)

	assert.Zero(t, judgePrompts(provider))
	assert.Equal(t, DecisionAnsweredViaWeb, res.Decision)
	assert.Equal(t, []Source{{Kind: SourceWeb, Ref: "https://example.com/tides", Title: "Tides"}}, res.Sources)
	assert.Zero(t, res.Indexed)
}

func TestAsk_WebUnavailableUsesPartialLocalContext(t *testing.T) {
	provider := &reasoning.Scripted{
		JudgeReply:   "VERDICT: INSUFFICIENT\nNot enough.",
		ComposeReply: "Goroutines are lightweight threads [1].",
	}
	search := &websearch.Static{Err: errors.New("connection reset")}
	h := newHarness(t, provider, search)
	h.seed(t, localFact, "notes.md")

	res, err := h.engine.Ask(context.Background(), h.tenant, "Are goroutines lightweight threads?")
	require.NoError(t, err)

	assert.Equal(t, DecisionUnanswerable, res.Decision)
	assert.True(t, res.WebUnavailable)
	assert.True(t, strings.HasPrefix(res.Answer, "Goroutines are lightweight threads [1]."))
	assert.Contains(t, res.Answer, webUnavailableNote)
	assert.Equal(t, []Source{{Kind: SourceKnowledge, Ref: "notes.md"}}, res.Sources)
	assert.Equal(t, 2, search.Calls(), "search is retried once")
	assert.Equal(t, []Phase{PhaseStart, PhaseLocalRetrieval, PhaseWebSearch, PhaseIndexing, PhaseCompose, PhaseDone}, phases(res))
	assert.Equal(t, StatusSkipped, res.Phases[3].Status)

	prompts := provider.Prompts()
	require.Len(t, prompts, 2)
	assert.Contains(t, prompts[1].User, "Web search was unavailable")
}

func TestAsk_WebUnavailableWithoutContext(t *testing.T) {
	provider := &reasoning.Scripted{}
	search := &websearch.Static{Err: websearch.ErrDisabled}
	h := newHarness(t, provider, search)

	res, err := h.engine.Ask(context.Background(), h.tenant, "What causes ocean tides?")
	require.NoError(t, err)

	assert.Equal(t, DecisionUnanswerable, res.Decision)
	assert.True(t, res.WebUnavailable)
	assert.Equal(t, noAnswerMessage+"\n\n"+webUnavailableNote, res.Answer)
	assert.Empty(t, res.Sources)
	assert.Empty(t, provider.Prompts())
	assert.Equal(t, 1, search.Calls(), "disabled search is not retried")
}

func TestAsk_NothingFoundAnywhere(t *testing.T) {
	provider := &reasoning.Scripted{}
	h := newHarness(t, provider, &websearch.Static{})

	res, err := h.engine.Ask(context.Background(), h.tenant, "What causes ocean tides?")
	require.NoError(t, err)

	assert.Equal(t, DecisionUnanswerable, res.Decision)
	assert.False(t, res.WebUnavailable)
	assert.Equal(t, noAnswerMessage, res.Answer)
	assert.Empty(t, provider.Prompts())
}

func TestAsk_InvalidInput(t *testing.T) {
	search := &websearch.Static{}
	h := newHarness(t, &reasoning.Scripted{}, search)

	res, err := h.engine.Ask(context.Background(), h.tenant, "  \n\t ")
	assert.ErrorIs(t, err, ErrInvalidQuestion)
	require.NotNil(t, res)
	last := res.Phases[len(res.Phases)-1]
	assert.Equal(t, PhaseFailed, last.Phase)
	assert.Equal(t, StatusFailed, last.Status)
	assert.Zero(t, search.Calls())

	_, err = h.engine.Ask(context.Background(), tenant.Context{TenantID: "acme", CollectionName: "kb_forged"}, "hi")
	assert.Error(t, err)
}

func TestAsk_JudgeFailure(t *testing.T) {
	provider := &reasoning.Scripted{JudgeErr: errors.New("quota exceeded")}
	search := &websearch.Static{}
	h := newHarness(t, provider, search)
	h.seed(t, localFact, "notes.md")
	ctx := context.Background()

	_, err := h.engine.Ask(ctx, h.tenant, "Are goroutines lightweight threads?")
	assert.ErrorIs(t, err, ErrOrchestrationFailed)
	assert.ErrorIs(t, err, reasoning.ErrReasoningFailed)
	assert.Zero(t, search.Calls())

	turns, err := h.history.Recent(ctx, h.tenant, 10)
	require.NoError(t, err)
	assert.Empty(t, turns, "failed turns are not recorded")
}

func TestAsk_ComposeFailure(t *testing.T) {
	provider := &reasoning.Scripted{ComposeErr: errors.New("upstream 500")}
	search := &websearch.Static{Results: []websearch.Result{
		{Title: "Tides", Snippet: "", URL: "https://example.com/tides"},
	}}
	h := newHarness(t, provider, search)

	_, err := h.engine.Ask(context.Background(), h.tenant, "What causes ocean tides?")
	assert.ErrorIs(t, err, reasoning.ErrReasoningFailed)
}

func TestAsk_EmptyJudgeAnswerFallsBackToWeb(t *testing.T) {
	provider := &reasoning.Scripted{
		JudgeReply:   "VERDICT: SUFFICIENT",
		ComposeReply: "Combined answer.",
	}
	search := &websearch.Static{Results: []websearch.Result{
		{Title: "Threads", Snippet: "tiny", URL: "https://example.com/threads"},
	}}
	h := newHarness(t, provider, search)
	h.seed(t, localFact, "notes.md")

	res, err := h.engine.Ask(context.Background(), h.tenant, "Are goroutines lightweight threads?")
	require.NoError(t, err)
	assert.Equal(t, DecisionAnsweredViaCombined, res.Decision)
	assert.Equal(t, 1, search.Calls())
}

func TestAsk_ReportsProgressInOrder(t *testing.T) {
	provider := &reasoning.Scripted{JudgeReply: "VERDICT: SUFFICIENT\nYes [1]."}
	h := newHarness(t, provider, &websearch.Static{})
	h.seed(t, localFact, "notes.md")

	var (
		mu  sync.Mutex
		got []string
	)
	_, err := h.engine.Ask(context.Background(), h.tenant, "Are goroutines lightweight threads?",
		WithProgress(func(p PhaseProgress) {
			mu.Lock()
			defer mu.Unlock()
			got = append(got, string(p.Phase)+":"+string(p.Status))
		}))
	require.NoError(t, err)

	assert.Equal(t, []string{
		"start:in_progress", "start:completed",
		"local_retrieval:in_progress", "local_retrieval:completed",
		"answer:in_progress", "answer:completed",
		"done:in_progress", "done:completed",
	}, got)
}

func TestAsk_PassesRecentHistory(t *testing.T) {
	provider := &reasoning.Scripted{JudgeReply: "VERDICT: SUFFICIENT\nYes [1]."}
	h := newHarness(t, provider, &websearch.Static{})
	h.seed(t, localFact, "notes.md")
	ctx := context.Background()

	_, err := h.engine.Ask(ctx, h.tenant, "Are goroutines lightweight threads?")
	require.NoError(t, err)
	_, err = h.engine.Ask(ctx, h.tenant, "Are goroutines lightweight threads, really?")
	require.NoError(t, err)

	prompts := provider.Prompts()
	require.Len(t, prompts, 2)
	assert.Empty(t, prompts[0].History)
	assert.Equal(t, []reasoning.Message{
		{Role: "user", Content: "Are goroutines lightweight threads?"},
		{Role: "assistant", Content: "Yes [1]."},
	}, prompts[1].History)
}

func TestAsk_TenantsAreIsolated(t *testing.T) {
	provider := &reasoning.Scripted{ComposeReply: "Web answer."}
	search := &websearch.Static{Results: []websearch.Result{
		{Title: "Threads", Snippet: "tiny", URL: "https://example.com/threads"},
	}}
	h := newHarness(t, provider, search)
	h.seed(t, localFact, "notes.md")

	other, err := tenant.New("globex", "", "")
	require.NoError(t, err)

	res, err := h.engine.Ask(context.Background(), other, "Are goroutines lightweight threads?")
	require.NoError(t, err)
	assert.Equal(t, DecisionAnsweredViaWeb, res.Decision)
	assert.Zero(t, judgePrompts(provider))
}

func TestAsk_CancelledContext(t *testing.T) {
	h := newHarness(t, &reasoning.Scripted{}, &websearch.Static{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := h.engine.Ask(ctx, h.tenant, "Are goroutines lightweight threads?")
	assert.ErrorIs(t, err, context.Canceled)
}

func TestNewEngine_RequiresDependencies(t *testing.T) {
	_, err := NewEngine(config.OrchestratorConfig{}, Dependencies{})
	assert.Error(t, err)
}

func TestAboveThreshold(t *testing.T) {
	results := []vectorstore.RetrievalResult{
		{Chunk: vectorstore.Chunk{ID: "a"}, Score: 0.9},
		{Chunk: vectorstore.Chunk{ID: "b"}, Score: 0.5},
		{Chunk: vectorstore.Chunk{ID: "c"}, Score: 0.51},
		{Chunk: vectorstore.Chunk{ID: "d"}, Score: 0.2},
	}

	got := aboveThreshold(results, 0.5)
	require.Len(t, got, 2)
	assert.Equal(t, "a", got[0].Chunk.ID)
	assert.Equal(t, "c", got[1].Chunk.ID)

	assert.Empty(t, aboveThreshold(results, 0.9))
	assert.Empty(t, aboveThreshold(nil, 0.5))
}

func TestSettingsFrom_Defaults(t *testing.T) {
	s := settingsFrom(config.OrchestratorConfig{})
	assert.Equal(t, settings{
		topK:             5,
		threshold:        0.5,
		maxWeb:           5,
		maxIndexed:       3,
		minSnippet:       1,
		history:          10,
		indexConcurrency: 3,
	}, s)

	s = settingsFrom(config.OrchestratorConfig{TopK: 8, ScoreThreshold: 0.3, MaxIndexedResults: -1})
	assert.Equal(t, 8, s.topK)
	assert.InDelta(t, 0.3, s.threshold, 1e-6)
	assert.Zero(t, s.maxIndexed)
}
