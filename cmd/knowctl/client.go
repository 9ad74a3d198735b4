package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	nethttp "net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	api "github.com/fyrsmithlabs/knowd/internal/http"
	"github.com/fyrsmithlabs/knowd/internal/orchestrator"
)

// Client calls the knowd HTTP API.
type Client struct {
	baseURL string
	token   string
	http    *nethttp.Client
}

// NewClient creates a client for the server at baseURL.
func NewClient(baseURL, token string, timeout time.Duration) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		http:    &nethttp.Client{Timeout: timeout},
	}
}

// APIError is a non-2xx response.
type APIError struct {
	Status    int
	Message   string
	RequestID string
}

func (e *APIError) Error() string {
	msg := fmt.Sprintf("server returned status %d: %s", e.Status, e.Message)
	if e.RequestID != "" {
		msg += " (request " + e.RequestID + ")"
	}
	return msg
}

func (c *Client) newRequest(ctx context.Context, method, path string, body io.Reader, contentType string) (*nethttp.Request, error) {
	req, err := nethttp.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	return req, nil
}

func (c *Client) send(req *nethttp.Request, out any) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request to %s: %w", req.URL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return decodeError(resp)
	}
	if out == nil || resp.StatusCode == nethttp.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

func (c *Client) doJSON(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	contentType := ""
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		body = bytes.NewReader(data)
		contentType = "application/json"
	}
	req, err := c.newRequest(ctx, method, path, body, contentType)
	if err != nil {
		return err
	}
	return c.send(req, out)
}

func decodeError(resp *nethttp.Response) error {
	body, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return &APIError{Status: resp.StatusCode, Message: fmt.Sprintf("failed to read response body: %v", err)}
	}
	var er api.ErrorResponse
	if json.Unmarshal(body, &er) == nil && er.Error != "" {
		return &APIError{Status: resp.StatusCode, Message: er.Error, RequestID: er.RequestID}
	}
	return &APIError{Status: resp.StatusCode, Message: strings.TrimSpace(string(body))}
}

// Health calls GET /health.
func (c *Client) Health(ctx context.Context) (*api.HealthResponse, error) {
	var out api.HealthResponse
	if err := c.doJSON(ctx, nethttp.MethodGet, "/health", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Ask calls POST /api/v1/ask.
func (c *Client) Ask(ctx context.Context, question string) (*api.AskResponse, error) {
	var out api.AskResponse
	if err := c.doJSON(ctx, nethttp.MethodPost, "/api/v1/ask", api.AskRequest{Question: question}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// AskStream calls POST /api/v1/ask/stream, reporting each phase update to
// onProgress until the result arrives.
func (c *Client) AskStream(ctx context.Context, question string, onProgress func(orchestrator.PhaseResult)) (*api.AskResponse, error) {
	data, err := json.Marshal(api.AskRequest{Question: question})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}
	req, err := c.newRequest(ctx, nethttp.MethodPost, "/api/v1/ask/stream", bytes.NewReader(data), "application/json")
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "text/event-stream")

	// Streams outlive the request timeout.
	hc := *c.http
	hc.Timeout = 0
	resp, err := hc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to send request to %s: %w", req.URL, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != nethttp.StatusOK {
		return nil, decodeError(resp)
	}

	var event string
	sc := bufio.NewScanner(resp.Body)
	sc.Buffer(make([]byte, 0, 64<<10), 4<<20)
	for sc.Scan() {
		line := sc.Text()
		switch {
		case strings.HasPrefix(line, "event: "):
			event = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			payload := []byte(strings.TrimPrefix(line, "data: "))
			switch event {
			case "progress":
				var p orchestrator.PhaseResult
				if err := json.Unmarshal(payload, &p); err == nil && onProgress != nil {
					onProgress(p)
				}
			case "result":
				var out api.AskResponse
				if err := json.Unmarshal(payload, &out); err != nil {
					return nil, fmt.Errorf("failed to decode result: %w", err)
				}
				return &out, nil
			case "error":
				var er api.ErrorResponse
				if err := json.Unmarshal(payload, &er); err != nil {
					return nil, fmt.Errorf("failed to decode error: %w", err)
				}
				return nil, &APIError{Status: nethttp.StatusOK, Message: er.Error, RequestID: er.RequestID}
			}
		}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("reading stream: %w", err)
	}
	return nil, fmt.Errorf("stream ended without a result")
}

// UploadFile calls POST /api/v1/documents with the file at path.
func (c *Client) UploadFile(ctx context.Context, path string) (*api.UploadResponse, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer f.Close()

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("file", filepath.Base(path))
	if err != nil {
		return nil, err
	}
	if _, err := io.Copy(part, f); err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	if err := mw.Close(); err != nil {
		return nil, err
	}

	req, err := c.newRequest(ctx, nethttp.MethodPost, "/api/v1/documents", &buf, mw.FormDataContentType())
	if err != nil {
		return nil, err
	}
	var out api.UploadResponse
	if err := c.send(req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// AddURL calls POST /api/v1/urls.
func (c *Client) AddURL(ctx context.Context, rawURL string) (*api.UploadResponse, error) {
	var out api.UploadResponse
	if err := c.doJSON(ctx, nethttp.MethodPost, "/api/v1/urls", api.URLRequest{URL: rawURL}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Info calls GET /api/v1/info.
func (c *Client) Info(ctx context.Context) (*api.InfoResponse, error) {
	var out api.InfoResponse
	if err := c.doJSON(ctx, nethttp.MethodGet, "/api/v1/info", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// History calls GET /api/v1/history. limit <= 0 uses the server default.
func (c *Client) History(ctx context.Context, limit int) (*api.HistoryResponse, error) {
	path := "/api/v1/history"
	if limit > 0 {
		path += "?" + url.Values{"limit": {strconv.Itoa(limit)}}.Encode()
	}
	var out api.HistoryResponse
	if err := c.doJSON(ctx, nethttp.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ClearHistory calls DELETE /api/v1/history.
func (c *Client) ClearHistory(ctx context.Context) error {
	return c.doJSON(ctx, nethttp.MethodDelete, "/api/v1/history", nil, nil)
}

// ClearKnowledge calls DELETE /api/v1/knowledge.
func (c *Client) ClearKnowledge(ctx context.Context) error {
	return c.doJSON(ctx, nethttp.MethodDelete, "/api/v1/knowledge", nil, nil)
}
