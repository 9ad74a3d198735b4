package http

import (
	"context"
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/knowd/internal/conversation"
	"github.com/fyrsmithlabs/knowd/internal/embeddings"
	"github.com/fyrsmithlabs/knowd/internal/ingestion"
	"github.com/fyrsmithlabs/knowd/internal/logging"
	"github.com/fyrsmithlabs/knowd/internal/orchestrator"
	"github.com/fyrsmithlabs/knowd/internal/reasoning"
	"github.com/fyrsmithlabs/knowd/internal/tenant"
	"github.com/fyrsmithlabs/knowd/internal/vectorstore"
)

// ErrorResponse is the body of every error reply.
type ErrorResponse struct {
	Error     string `json:"error"`
	RequestID string `json:"request_id,omitempty"`
}

// statusFor maps domain errors to HTTP status codes. Storage outages are
// checked first because they surface wrapped in orchestration errors.
func statusFor(err error) int {
	var he *echo.HTTPError
	switch {
	case errors.As(err, &he):
		return he.Code
	case errors.Is(err, tenant.ErrUnauthenticated), errors.Is(err, tenant.ErrUnknownTenant):
		return http.StatusUnauthorized
	case errors.Is(err, vectorstore.ErrStorageUnavailable), errors.Is(err, conversation.ErrStorage):
		return http.StatusServiceUnavailable
	case errors.Is(err, ingestion.ErrUnsupportedFormat):
		return http.StatusUnsupportedMediaType
	case errors.Is(err, ingestion.ErrContentTooLarge):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, orchestrator.ErrInvalidQuestion),
		errors.Is(err, ingestion.ErrInvalidURL),
		errors.Is(err, ingestion.ErrExtractionFailed),
		errors.Is(err, ingestion.ErrEmptyContent),
		errors.Is(err, tenant.ErrInvalidTenantID),
		errors.Is(err, tenant.ErrInvalidCollection):
		return http.StatusUnprocessableEntity
	case errors.Is(err, vectorstore.ErrAuthRejected),
		errors.Is(err, ingestion.ErrFetchFailed),
		errors.Is(err, embeddings.ErrEmbeddingFailed),
		errors.Is(err, embeddings.ErrMissingCredential),
		errors.Is(err, reasoning.ErrReasoningFailed),
		errors.Is(err, reasoning.ErrMissingCredential),
		errors.Is(err, orchestrator.ErrOrchestrationFailed):
		return http.StatusBadGateway
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// messageFor returns the client-facing text for err. Internal errors are
// not echoed back.
func messageFor(err error, status int) string {
	var he *echo.HTTPError
	if errors.As(err, &he) {
		if msg, ok := he.Message.(string); ok {
			return msg
		}
		return http.StatusText(he.Code)
	}
	if status == http.StatusInternalServerError {
		return http.StatusText(status)
	}
	return err.Error()
}

func httpErrorHandler(logger *logging.Logger) echo.HTTPErrorHandler {
	return func(err error, c echo.Context) {
		if c.Response().Committed {
			return
		}
		status := statusFor(err)
		ctx := c.Request().Context()
		if status >= http.StatusInternalServerError {
			logger.Error(ctx, "request failed", zap.Int("status", status), zap.Error(err))
		} else {
			logger.Debug(ctx, "request rejected", zap.Int("status", status), zap.Error(err))
		}

		resp := ErrorResponse{
			Error:     messageFor(err, status),
			RequestID: logging.RequestIDFromContext(ctx),
		}
		if c.Request().Method == http.MethodHead {
			err = c.NoContent(status)
		} else {
			err = c.JSON(status, resp)
		}
		if err != nil {
			logger.Warn(ctx, "writing error response", zap.Error(err))
		}
	}
}
