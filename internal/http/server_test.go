package http

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/knowd/internal/config"
	"github.com/fyrsmithlabs/knowd/internal/conversation"
	"github.com/fyrsmithlabs/knowd/internal/embeddings"
	"github.com/fyrsmithlabs/knowd/internal/ingestion"
	"github.com/fyrsmithlabs/knowd/internal/orchestrator"
	"github.com/fyrsmithlabs/knowd/internal/reasoning"
	"github.com/fyrsmithlabs/knowd/internal/retry"
	"github.com/fyrsmithlabs/knowd/internal/tenant"
	"github.com/fyrsmithlabs/knowd/internal/vectorstore"
	"github.com/fyrsmithlabs/knowd/internal/websearch"
)

const (
	aliceToken = "alice-token"
	bobToken   = "bob-token"
)

type testEnv struct {
	server   *Server
	store    *vectorstore.ChromemStore
	history  *conversation.GormLog
	provider *reasoning.Scripted
}

func setupTestServer(t *testing.T, tweak ...func(*config.ServerConfig)) *testEnv {
	t.Helper()

	store, err := vectorstore.NewChromemStore(config.ChromemConfig{}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	policy := retry.Policy{MaxAttempts: 2, BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond}
	emb := embeddings.StaticSource{Embedder: embeddings.NewHashEmbedder()}
	pipeline, err := ingestion.New(config.IngestionConfig{
		ChunkSize:    400,
		ChunkOverlap: 20,
		FetchTimeout: 2 * time.Second,
		MaxBytes:     1 << 20,
		UserAgent:    "knowd-test",
	}, store, emb, policy)
	require.NoError(t, err)

	history, err := conversation.Open(config.ConversationConfig{
		Driver:     "sqlite",
		SQLitePath: filepath.Join(t.TempDir(), "history.db"),
	}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = history.Close() })

	provider := &reasoning.Scripted{
		JudgeReply:   "VERDICT: SUFFICIENT\nGoroutines are lightweight threads [1].",
		ComposeReply: "Nothing local, here is what the web says.",
	}
	engine, err := orchestrator.NewEngine(config.OrchestratorConfig{}, orchestrator.Dependencies{
		Store:       store,
		Embedders:   emb,
		Reasoner:    reasoning.New(provider),
		Search:      &websearch.Static{},
		Ingester:    pipeline,
		History:     history,
		SearchRetry: policy,
	})
	require.NoError(t, err)

	resolver, err := tenant.NewStaticResolver([]config.TenantConfig{
		{ID: "alice", Token: aliceToken},
		{ID: "bob", Token: bobToken},
	})
	require.NoError(t, err)

	cfg := config.ServerConfig{Host: "127.0.0.1", Port: 8000}
	for _, fn := range tweak {
		fn(&cfg)
	}
	server, err := NewServer(cfg, Dependencies{
		Engine:   engine,
		Ingester: pipeline,
		Store:    store,
		History:  history,
		Resolver: resolver,
		Version:  "test",
	})
	require.NoError(t, err)

	return &testEnv{server: server, store: store, history: history, provider: provider}
}

func (e *testEnv) do(t *testing.T, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var r *http.Request
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		r = httptest.NewRequest(method, path, bytes.NewReader(b))
		r.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	} else {
		r = httptest.NewRequest(method, path, nil)
	}
	if token != "" {
		r.Header.Set(echo.HeaderAuthorization, "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	e.server.Handler().ServeHTTP(rec, r)
	return rec
}

func (e *testEnv) upload(t *testing.T, token, filename string, content []byte) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile("file", filename)
	require.NoError(t, err)
	_, err = fw.Write(content)
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	r := httptest.NewRequest(http.MethodPost, "/api/v1/documents", &buf)
	r.Header.Set(echo.HeaderContentType, mw.FormDataContentType())
	r.Header.Set(echo.HeaderAuthorization, "Bearer "+token)
	rec := httptest.NewRecorder()
	e.server.Handler().ServeHTTP(rec, r)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func TestNewServer(t *testing.T) {
	t.Run("returns error when dependencies are missing", func(t *testing.T) {
		_, err := NewServer(config.ServerConfig{}, Dependencies{})
		assert.Error(t, err)
	})

	t.Run("applies defaults", func(t *testing.T) {
		env := setupTestServer(t, func(c *config.ServerConfig) { *c = config.ServerConfig{} })
		assert.Equal(t, "127.0.0.1", env.server.config.Host)
		assert.Equal(t, 8000, env.server.config.Port)
		assert.Equal(t, int64(defaultMaxUploadBytes), env.server.config.MaxUploadBytes)
	})
}

func TestHandleHealth(t *testing.T) {
	env := setupTestServer(t)

	rec := env.do(t, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, HealthResponse{Status: "ok", Version: "test"}, decode[HealthResponse](t, rec))
}

func TestMetricsEndpoint(t *testing.T) {
	env := setupTestServer(t)

	rec := env.do(t, http.MethodGet, "/metrics", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "go_goroutines")
}

func TestAuthentication(t *testing.T) {
	env := setupTestServer(t)

	tests := []struct {
		name   string
		header string
	}{
		{"missing header", ""},
		{"unknown token", "Bearer nope"},
		{"wrong scheme", "Basic " + aliceToken},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "/api/v1/info", nil)
			if tt.header != "" {
				r.Header.Set(echo.HeaderAuthorization, tt.header)
			}
			rec := httptest.NewRecorder()
			env.server.Handler().ServeHTTP(rec, r)

			assert.Equal(t, http.StatusUnauthorized, rec.Code)
			assert.NotEmpty(t, decode[ErrorResponse](t, rec).Error)
		})
	}
}

func TestUploadDocument(t *testing.T) {
	t.Run("indexes into the caller's collection only", func(t *testing.T) {
		env := setupTestServer(t)

		rec := env.upload(t, aliceToken, "notes.txt", []byte("goroutines are lightweight threads"))
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
		resp := decode[UploadResponse](t, rec)
		assert.True(t, resp.Success)
		assert.Equal(t, 1, resp.Chunks)
		assert.Equal(t, "notes.txt", resp.Filename)

		info := decode[InfoResponse](t, env.do(t, http.MethodGet, "/api/v1/info", aliceToken, nil))
		assert.Equal(t, "alice", info.TenantID)
		assert.Equal(t, tenant.CollectionName("alice"), info.Collection)
		assert.Equal(t, 1, info.Chunks)

		info = decode[InfoResponse](t, env.do(t, http.MethodGet, "/api/v1/info", bobToken, nil))
		assert.Equal(t, 0, info.Chunks)
	})

	t.Run("rejects unsupported formats", func(t *testing.T) {
		env := setupTestServer(t)
		png := append([]byte("\x89PNG\r\n\x1a\n"), make([]byte, 64)...)

		rec := env.upload(t, aliceToken, "diagram.png", png)
		assert.Equal(t, http.StatusUnsupportedMediaType, rec.Code)
	})

	t.Run("rejects empty documents", func(t *testing.T) {
		env := setupTestServer(t)

		rec := env.upload(t, aliceToken, "empty.txt", []byte("   \n  "))
		assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	})

	t.Run("rejects oversized uploads", func(t *testing.T) {
		env := setupTestServer(t, func(c *config.ServerConfig) { c.MaxUploadBytes = 64 })

		rec := env.upload(t, aliceToken, "big.txt", bytes.Repeat([]byte("a "), 100))
		assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
	})

	t.Run("requires the file field", func(t *testing.T) {
		env := setupTestServer(t)

		rec := env.do(t, http.MethodPost, "/api/v1/documents", aliceToken, map[string]string{"x": "y"})
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}

func TestUploadURL(t *testing.T) {
	page := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte(`<html><head><title>Channels</title></head><body><p>Channels carry typed values between goroutines.</p></body></html>`))
	}))
	defer page.Close()

	env := setupTestServer(t)

	rec := env.do(t, http.MethodPost, "/api/v1/urls", aliceToken, URLRequest{URL: page.URL + "/channels"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	resp := decode[UploadResponse](t, rec)
	assert.True(t, resp.Success)
	assert.Equal(t, page.URL+"/channels", resp.URL)
	assert.Positive(t, resp.Chunks)

	rec = env.do(t, http.MethodPost, "/api/v1/urls", aliceToken, URLRequest{URL: "ftp://example.com/file"})
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	rec = env.do(t, http.MethodPost, "/api/v1/urls", aliceToken, URLRequest{})
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
}

func TestAskAndHistory(t *testing.T) {
	env := setupTestServer(t)
	require.Equal(t, http.StatusOK, env.upload(t, aliceToken, "notes.txt", []byte("goroutines are lightweight threads")).Code)

	rec := env.do(t, http.MethodPost, "/api/v1/ask", aliceToken, AskRequest{Question: "Are goroutines lightweight threads?"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	resp := decode[AskResponse](t, rec)
	assert.Equal(t, orchestrator.DecisionAnsweredLocally, resp.Decision)
	assert.Equal(t, "Goroutines are lightweight threads [1].", resp.Answer)
	assert.Equal(t, []orchestrator.Source{{Kind: orchestrator.SourceKnowledge, Ref: "notes.txt"}}, resp.Sources)
	assert.NotEmpty(t, resp.Phases)

	hist := decode[HistoryResponse](t, env.do(t, http.MethodGet, "/api/v1/history?limit=10", aliceToken, nil))
	require.Len(t, hist.Turns, 2)
	assert.Equal(t, conversation.RoleUser, hist.Turns[0].Role)
	assert.Equal(t, "answered_locally", hist.Turns[1].Metadata.Decision)

	bobHist := decode[HistoryResponse](t, env.do(t, http.MethodGet, "/api/v1/history", bobToken, nil))
	assert.Empty(t, bobHist.Turns)

	assert.Equal(t, http.StatusBadRequest, env.do(t, http.MethodGet, "/api/v1/history?limit=ten", aliceToken, nil).Code)

	assert.Equal(t, http.StatusNoContent, env.do(t, http.MethodDelete, "/api/v1/history", aliceToken, nil).Code)
	hist = decode[HistoryResponse](t, env.do(t, http.MethodGet, "/api/v1/history", aliceToken, nil))
	assert.Empty(t, hist.Turns)
}

func TestAsk_Validation(t *testing.T) {
	env := setupTestServer(t)

	rec := env.do(t, http.MethodPost, "/api/v1/ask", aliceToken, AskRequest{Question: "   "})
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	r := httptest.NewRequest(http.MethodPost, "/api/v1/ask", strings.NewReader("{not json"))
	r.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	r.Header.Set(echo.HeaderAuthorization, "Bearer "+aliceToken)
	rec = httptest.NewRecorder()
	env.server.Handler().ServeHTTP(rec, r)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAsk_ReasoningFailureIsBadGateway(t *testing.T) {
	env := setupTestServer(t)
	env.provider.ComposeErr = errors.New("upstream down")

	// Empty knowledge base and no web results: nothing to compose, so no
	// reasoning call is made.
	rec := env.do(t, http.MethodPost, "/api/v1/ask", aliceToken, AskRequest{Question: "What causes ocean tides?"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, orchestrator.DecisionUnanswerable, decode[AskResponse](t, rec).Decision)

	require.Equal(t, http.StatusOK, env.upload(t, aliceToken, "notes.txt", []byte("goroutines are lightweight threads")).Code)
	env.provider.JudgeErr = errors.New("quota exceeded")
	rec = env.do(t, http.MethodPost, "/api/v1/ask", aliceToken, AskRequest{Question: "Are goroutines lightweight threads?"})
	assert.Equal(t, http.StatusBadGateway, rec.Code)
}

func TestAskStream(t *testing.T) {
	env := setupTestServer(t)
	require.Equal(t, http.StatusOK, env.upload(t, aliceToken, "notes.txt", []byte("goroutines are lightweight threads")).Code)

	rec := env.do(t, http.MethodPost, "/api/v1/ask/stream", aliceToken, AskRequest{Question: "Are goroutines lightweight threads?"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/event-stream", rec.Header().Get(echo.HeaderContentType))

	body := rec.Body.String()
	assert.Contains(t, body, "event: progress\ndata: {\"phase\":\"start\",\"status\":\"in_progress\"")
	assert.Contains(t, body, "event: result\n")
	assert.Contains(t, body, `"decision":"answered_locally"`)
	assert.Less(t, strings.Index(body, "\"phase\":\"local_retrieval\""), strings.Index(body, "event: result"))
}

func TestClearKnowledge(t *testing.T) {
	env := setupTestServer(t)
	require.Equal(t, http.StatusOK, env.upload(t, aliceToken, "notes.txt", []byte("goroutines are lightweight threads")).Code)
	require.Equal(t, http.StatusOK, env.upload(t, bobToken, "notes.txt", []byte("channels carry values")).Code)

	assert.Equal(t, http.StatusNoContent, env.do(t, http.MethodDelete, "/api/v1/knowledge", aliceToken, nil).Code)

	assert.Equal(t, 0, decode[InfoResponse](t, env.do(t, http.MethodGet, "/api/v1/info", aliceToken, nil)).Chunks)
	assert.Equal(t, 1, decode[InfoResponse](t, env.do(t, http.MethodGet, "/api/v1/info", bobToken, nil)).Chunks)
}

func TestRateLimitIsPerTenant(t *testing.T) {
	env := setupTestServer(t, func(c *config.ServerConfig) { c.RequestsPerSecond = 1 })

	assert.Equal(t, http.StatusOK, env.do(t, http.MethodGet, "/api/v1/info", aliceToken, nil).Code)
	assert.Equal(t, http.StatusTooManyRequests, env.do(t, http.MethodGet, "/api/v1/info", aliceToken, nil).Code)
	assert.Equal(t, http.StatusOK, env.do(t, http.MethodGet, "/api/v1/info", bobToken, nil).Code)
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{tenant.ErrUnauthenticated, http.StatusUnauthorized},
		{fmt.Errorf("%w: x", tenant.ErrUnknownTenant), http.StatusUnauthorized},
		{ingestion.ErrUnsupportedFormat, http.StatusUnsupportedMediaType},
		{ingestion.ErrContentTooLarge, http.StatusRequestEntityTooLarge},
		{ingestion.ErrEmptyContent, http.StatusUnprocessableEntity},
		{orchestrator.ErrInvalidQuestion, http.StatusUnprocessableEntity},
		{ingestion.ErrFetchFailed, http.StatusBadGateway},
		{fmt.Errorf("%w: %w", reasoning.ErrReasoningFailed, errors.New("429")), http.StatusBadGateway},
		{fmt.Errorf("%w: %w", orchestrator.ErrOrchestrationFailed, vectorstore.ErrStorageUnavailable), http.StatusServiceUnavailable},
		{conversation.ErrStorage, http.StatusServiceUnavailable},
		{context.DeadlineExceeded, http.StatusGatewayTimeout},
		{echo.NewHTTPError(http.StatusTooManyRequests, "slow down"), http.StatusTooManyRequests},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, statusFor(tt.err), "%v", tt.err)
	}

	assert.Equal(t, "Internal Server Error", messageFor(errors.New("db password wrong"), http.StatusInternalServerError))
}
