package http

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/knowd/internal/events"
	"github.com/fyrsmithlabs/knowd/internal/orchestrator"
)

const sseHeartbeat = 15 * time.Second

// handleHealth returns a simple health check response.
func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, HealthResponse{Status: "ok", Version: s.deps.Version})
}

func bindQuestion(c echo.Context) (string, error) {
	var req AskRequest
	if err := c.Bind(&req); err != nil {
		return "", echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if strings.TrimSpace(req.Question) == "" {
		return "", echo.NewHTTPError(http.StatusUnprocessableEntity, "question is required")
	}
	return req.Question, nil
}

// handleAsk answers a question.
func (s *Server) handleAsk(c echo.Context) error {
	question, err := bindQuestion(c)
	if err != nil {
		return err
	}

	res, err := s.deps.Engine.Ask(c.Request().Context(), tenantFrom(c), question)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, askResponse(res))
}

// handleAskStream answers a question, streaming phase progress as
// Server-Sent Events.
//
//	event: progress
//	data: {"phase":"local_retrieval","status":"in_progress","message":"..."}
//
//	event: result
//	data: {"answer":"...","decision":"answered_locally",...}
func (s *Server) handleAskStream(c echo.Context) error {
	question, err := bindQuestion(c)
	if err != nil {
		return err
	}

	w := c.Response()
	w.Header().Set(echo.HeaderContentType, "text/event-stream")
	w.Header().Set(echo.HeaderCacheControl, "no-cache")
	w.Header().Set(echo.HeaderConnection, "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	ctx := c.Request().Context()
	progress := make(chan orchestrator.PhaseProgress, 16)
	type outcome struct {
		res *orchestrator.Result
		err error
	}
	done := make(chan outcome, 1)

	go func() {
		res, err := s.deps.Engine.Ask(ctx, tenantFrom(c), question, orchestrator.WithProgress(func(p orchestrator.PhaseProgress) {
			select {
			case progress <- p:
			case <-ctx.Done():
			}
		}))
		done <- outcome{res: res, err: err}
	}()

	ticker := time.NewTicker(sseHeartbeat)
	defer ticker.Stop()

	for {
		select {
		case p := <-progress:
			s.writeEvent(c, "progress", p)

		case out := <-done:
			// Drain progress sent before Ask returned.
			for len(progress) > 0 {
				s.writeEvent(c, "progress", <-progress)
			}
			if out.err != nil {
				status := statusFor(out.err)
				s.writeEvent(c, "error", ErrorResponse{Error: messageFor(out.err, status)})
				return nil
			}
			s.writeEvent(c, "result", askResponse(out.res))
			return nil

		case <-ticker.C:
			fmt.Fprint(w, ": heartbeat\n\n")
			w.Flush()

		case <-ctx.Done():
			return nil
		}
	}
}

func (s *Server) writeEvent(c echo.Context, event string, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		s.logger.Warn(c.Request().Context(), "encoding event", zap.Error(err))
		return
	}
	w := c.Response()
	fmt.Fprintf(w, "event: %s\n", event)
	fmt.Fprintf(w, "data: %s\n\n", data)
	w.Flush()
}

// handleUploadDocument ingests a multipart file upload from field "file".
func (s *Server) handleUploadDocument(c echo.Context) error {
	req := c.Request()
	req.Body = http.MaxBytesReader(c.Response(), req.Body, s.config.MaxUploadBytes+1<<20)

	fh, err := c.FormFile("file")
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return echo.NewHTTPError(http.StatusRequestEntityTooLarge, "upload too large")
		}
		return echo.NewHTTPError(http.StatusBadRequest, "multipart field \"file\" is required")
	}
	if fh.Size > s.config.MaxUploadBytes {
		return echo.NewHTTPError(http.StatusRequestEntityTooLarge, "upload too large")
	}

	f, err := fh.Open()
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "unreadable upload")
	}
	defer f.Close()

	raw, err := io.ReadAll(io.LimitReader(f, s.config.MaxUploadBytes+1))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "unreadable upload")
	}
	if int64(len(raw)) > s.config.MaxUploadBytes {
		return echo.NewHTTPError(http.StatusRequestEntityTooLarge, "upload too large")
	}

	name := filepath.Base(fh.Filename)
	report, err := s.deps.Ingester.IngestDocument(req.Context(), tenantFrom(c), raw, fh.Header.Get(echo.HeaderContentType), name)
	if err != nil {
		return err
	}

	return c.JSON(http.StatusOK, UploadResponse{
		Success:    true,
		Message:    fmt.Sprintf("indexed %d chunks from %s", report.ChunksIndexed, name),
		Chunks:     report.ChunksIndexed,
		Filename:   name,
		Redactions: report.Redactions,
	})
}

// handleUploadURL fetches and ingests a web page.
func (s *Server) handleUploadURL(c echo.Context) error {
	var req URLRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	u := strings.TrimSpace(req.URL)
	if u == "" {
		return echo.NewHTTPError(http.StatusUnprocessableEntity, "url is required")
	}

	report, err := s.deps.Ingester.IngestURL(c.Request().Context(), tenantFrom(c), u)
	if err != nil {
		return err
	}

	return c.JSON(http.StatusOK, UploadResponse{
		Success:    true,
		Message:    fmt.Sprintf("indexed %d chunks from %s", report.ChunksIndexed, u),
		Chunks:     report.ChunksIndexed,
		URL:        u,
		Redactions: report.Redactions,
	})
}

// handleInfo reports the size of the tenant's knowledge base.
func (s *Server) handleInfo(c echo.Context) error {
	tc := tenantFrom(c)
	n, err := s.deps.Store.Count(c.Request().Context(), tc)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, InfoResponse{
		TenantID:   tc.TenantID,
		Collection: tc.CollectionName,
		Chunks:     n,
	})
}

// handleHistory returns recent turns, oldest first.
func (s *Server) handleHistory(c echo.Context) error {
	limit := 0
	if v := c.QueryParam("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "limit must be an integer")
		}
		limit = n
	}

	turns, err := s.deps.History.Recent(c.Request().Context(), tenantFrom(c), limit)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, HistoryResponse{Turns: turns})
}

func (s *Server) handleClearHistory(c echo.Context) error {
	if err := s.deps.History.Clear(c.Request().Context(), tenantFrom(c)); err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}

// handleClearKnowledge deletes every chunk in the tenant's collection.
func (s *Server) handleClearKnowledge(c echo.Context) error {
	ctx := c.Request().Context()
	tc := tenantFrom(c)
	if err := s.deps.Store.Clear(ctx, tc); err != nil {
		return err
	}
	if err := s.deps.Events.Publish(ctx, tc, events.TypeKnowledgeCleared, nil); err != nil {
		s.logger.Warn(ctx, "clear event not published", zap.Error(err))
	}
	s.logger.Info(ctx, "knowledge base cleared")
	return c.NoContent(http.StatusNoContent)
}
