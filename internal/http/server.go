// Package http provides the knowd HTTP API.
package http

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/knowd/internal/config"
	"github.com/fyrsmithlabs/knowd/internal/conversation"
	"github.com/fyrsmithlabs/knowd/internal/events"
	"github.com/fyrsmithlabs/knowd/internal/ingestion"
	"github.com/fyrsmithlabs/knowd/internal/logging"
	"github.com/fyrsmithlabs/knowd/internal/orchestrator"
	"github.com/fyrsmithlabs/knowd/internal/tenant"
	"github.com/fyrsmithlabs/knowd/internal/vectorstore"
)

const (
	defaultMaxUploadBytes = 25 << 20
	tenantKey             = "knowd.tenant"
)

// Asker answers questions. *orchestrator.Engine satisfies it.
type Asker interface {
	Ask(ctx context.Context, tc tenant.Context, question string, opts ...orchestrator.AskOption) (*orchestrator.Result, error)
}

// Dependencies are the services behind the API.
type Dependencies struct {
	Engine   Asker
	Ingester ingestion.Ingester
	Store    vectorstore.Store
	History  conversation.Log
	Resolver tenant.Resolver
	Events   events.Publisher
	Logger   *logging.Logger
	Version  string
}

// Server provides HTTP endpoints for knowd.
type Server struct {
	echo     *echo.Echo
	deps     Dependencies
	logger   *logging.Logger
	config   config.ServerConfig
	limiters *tenantLimiters
	metrics  *HTTPMetrics
}

// NewServer creates a new HTTP server.
func NewServer(cfg config.ServerConfig, deps Dependencies) (*Server, error) {
	switch {
	case deps.Engine == nil:
		return nil, errors.New("engine is required")
	case deps.Ingester == nil:
		return nil, errors.New("ingester is required")
	case deps.Store == nil:
		return nil, errors.New("store is required")
	case deps.History == nil:
		return nil, errors.New("history is required")
	case deps.Resolver == nil:
		return nil, errors.New("resolver is required")
	}
	if deps.Events == nil {
		deps.Events = events.Nop{}
	}
	logger := deps.Logger
	if logger == nil {
		logger = logging.Nop()
	}
	if cfg.Host == "" {
		cfg.Host = "127.0.0.1"
	}
	if cfg.Port == 0 {
		cfg.Port = 8000
	}
	if cfg.MaxUploadBytes <= 0 {
		cfg.MaxUploadBytes = defaultMaxUploadBytes
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = httpErrorHandler(logger)

	s := &Server{
		echo:     e,
		deps:     deps,
		logger:   logger,
		config:   cfg,
		limiters: newTenantLimiters(cfg.RequestsPerSecond),
		metrics:  NewHTTPMetrics(logger.Underlying()),
	}

	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	e.Use(s.metrics.MetricsMiddleware())
	e.Use(s.requestLogger)

	s.registerRoutes()
	return s, nil
}

// registerRoutes sets up the HTTP endpoints.
func (s *Server) registerRoutes() {
	s.echo.GET("/health", s.handleHealth)
	s.echo.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	v1 := s.echo.Group("/api/v1", s.authenticate, s.rateLimit)
	v1.POST("/ask", s.handleAsk)
	v1.POST("/ask/stream", s.handleAskStream)
	v1.POST("/documents", s.handleUploadDocument)
	v1.POST("/urls", s.handleUploadURL)
	v1.GET("/info", s.handleInfo)
	v1.GET("/history", s.handleHistory)
	v1.DELETE("/history", s.handleClearHistory)
	v1.DELETE("/knowledge", s.handleClearKnowledge)
}

// requestLogger tags the request context with its ID and logs completion.
func (s *Server) requestLogger(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		start := time.Now()
		req := c.Request()
		ctx := logging.WithRequestID(req.Context(), c.Response().Header().Get(echo.HeaderXRequestID))
		c.SetRequest(req.WithContext(ctx))

		err := next(c)
		if err != nil {
			c.Error(err)
		}

		s.logger.Info(c.Request().Context(), "http request",
			zap.String("method", req.Method),
			zap.String("path", c.Path()),
			zap.Int("status", c.Response().Status),
			zap.Duration("duration", time.Since(start)),
		)
		return nil
	}
}

// authenticate resolves the bearer token to a tenant.
func (s *Server) authenticate(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		scheme, token, ok := strings.Cut(c.Request().Header.Get(echo.HeaderAuthorization), " ")
		if !ok || !strings.EqualFold(scheme, "Bearer") {
			token = ""
		}
		tc, err := s.deps.Resolver.Resolve(c.Request().Context(), strings.TrimSpace(token))
		if err != nil {
			return err
		}

		c.Set(tenantKey, tc)
		ctx := logging.WithTenant(c.Request().Context(), tc.TenantID, tc.CollectionName)
		c.SetRequest(c.Request().WithContext(ctx))
		return next(c)
	}
}

// rateLimit applies the per-tenant request budget.
func (s *Server) rateLimit(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		tc := tenantFrom(c)
		if !s.limiters.allow(tc.TenantID) {
			s.logger.Warn(c.Request().Context(), "rate limited")
			return echo.NewHTTPError(http.StatusTooManyRequests, "rate limit exceeded")
		}
		return next(c)
	}
}

func tenantFrom(c echo.Context) tenant.Context {
	tc, _ := c.Get(tenantKey).(tenant.Context)
	return tc
}

// Handler exposes the router for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.echo
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
	s.logger.Info(context.Background(), "starting http server", zap.String("addr", addr))
	return s.echo.Start(addr)
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info(ctx, "shutting down http server")
	return s.echo.Shutdown(ctx)
}
