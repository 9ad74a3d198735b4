package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	nethttp "net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	api "github.com/fyrsmithlabs/knowd/internal/http"
	"github.com/fyrsmithlabs/knowd/internal/orchestrator"
)

func newTestClient(t *testing.T, h nethttp.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return NewClient(srv.URL+"/", "acme-token", 5*time.Second)
}

func writeJSON(w nethttp.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func TestClient_AskSendsTokenAndQuestion(t *testing.T) {
	c := newTestClient(t, func(w nethttp.ResponseWriter, r *nethttp.Request) {
		assert.Equal(t, "/api/v1/ask", r.URL.Path)
		assert.Equal(t, "Bearer acme-token", r.Header.Get("Authorization"))
		var req api.AskRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "What causes tides?", req.Question)
		writeJSON(w, nethttp.StatusOK, api.AskResponse{
			Answer:   "The moon [1].",
			Decision: orchestrator.DecisionAnsweredViaWeb,
			Sources:  []orchestrator.Source{{Kind: orchestrator.SourceWeb, Ref: "https://example.com/tides"}},
		})
	})

	res, err := c.Ask(context.Background(), "What causes tides?")
	require.NoError(t, err)
	assert.Equal(t, "The moon [1].", res.Answer)
	assert.Equal(t, orchestrator.DecisionAnsweredViaWeb, res.Decision)
	require.Len(t, res.Sources, 1)
}

func TestClient_DecodesAPIErrors(t *testing.T) {
	c := newTestClient(t, func(w nethttp.ResponseWriter, r *nethttp.Request) {
		writeJSON(w, nethttp.StatusUnauthorized, api.ErrorResponse{Error: "unauthenticated", RequestID: "req-1"})
	})

	_, err := c.Info(context.Background())
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, nethttp.StatusUnauthorized, apiErr.Status)
	assert.Equal(t, "unauthenticated", apiErr.Message)
	assert.Contains(t, err.Error(), "req-1")
}

func TestClient_PlainTextError(t *testing.T) {
	c := newTestClient(t, func(w nethttp.ResponseWriter, r *nethttp.Request) {
		nethttp.Error(w, "bad gateway", nethttp.StatusBadGateway)
	})

	_, err := c.Health(context.Background())
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, "bad gateway", apiErr.Message)
}

func TestClient_UploadFile(t *testing.T) {
	c := newTestClient(t, func(w nethttp.ResponseWriter, r *nethttp.Request) {
		assert.Equal(t, "/api/v1/documents", r.URL.Path)
		f, fh, err := r.FormFile("file")
		require.NoError(t, err)
		defer f.Close()
		data, err := io.ReadAll(f)
		require.NoError(t, err)
		assert.Equal(t, "notes.md", fh.Filename)
		assert.Equal(t, "# Notes", string(data))
		writeJSON(w, nethttp.StatusOK, api.UploadResponse{Success: true, Message: "Indexed 1 chunks from notes.md", Chunks: 1, Filename: fh.Filename})
	})

	path := filepath.Join(t.TempDir(), "notes.md")
	require.NoError(t, os.WriteFile(path, []byte("# Notes"), 0o600))

	res, err := c.UploadFile(context.Background(), path)
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, 1, res.Chunks)
}

func TestClient_HistoryLimitAndClear(t *testing.T) {
	var calls []string
	c := newTestClient(t, func(w nethttp.ResponseWriter, r *nethttp.Request) {
		calls = append(calls, r.Method+" "+r.URL.RequestURI())
		if r.Method == nethttp.MethodDelete {
			w.WriteHeader(nethttp.StatusNoContent)
			return
		}
		writeJSON(w, nethttp.StatusOK, api.HistoryResponse{})
	})

	_, err := c.History(context.Background(), 5)
	require.NoError(t, err)
	require.NoError(t, c.ClearHistory(context.Background()))
	require.NoError(t, c.ClearKnowledge(context.Background()))

	assert.Equal(t, []string{
		"GET /api/v1/history?limit=5",
		"DELETE /api/v1/history",
		"DELETE /api/v1/knowledge",
	}, calls)
}

func TestClient_AskStream(t *testing.T) {
	c := newTestClient(t, func(w nethttp.ResponseWriter, r *nethttp.Request) {
		assert.Equal(t, "/api/v1/ask/stream", r.URL.Path)
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, ": heartbeat\n\n")
		fmt.Fprint(w, "event: progress\ndata: {\"phase\":\"local_retrieval\",\"status\":\"in_progress\"}\n\n")
		fmt.Fprint(w, "event: result\ndata: {\"answer\":\"From notes [1].\",\"decision\":\"answered_locally\",\"sources\":[]}\n\n")
	})

	var seen []orchestrator.Phase
	res, err := c.AskStream(context.Background(), "q", func(p orchestrator.PhaseResult) {
		seen = append(seen, p.Phase)
	})
	require.NoError(t, err)
	assert.Equal(t, "From notes [1].", res.Answer)
	assert.Equal(t, []orchestrator.Phase{orchestrator.PhaseLocalRetrieval}, seen)
}

func TestClient_AskStreamError(t *testing.T) {
	c := newTestClient(t, func(w nethttp.ResponseWriter, r *nethttp.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "event: error\ndata: {\"error\":\"reasoning failed\"}\n\n")
	})

	_, err := c.AskStream(context.Background(), "q", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "reasoning failed")
}

func TestOneLine(t *testing.T) {
	assert.Equal(t, "a b c", oneLine("a\n b\t c", 10))
	assert.Equal(t, "abcd…", oneLine("abcdefgh", 5))
}
