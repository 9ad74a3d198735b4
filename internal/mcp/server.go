package mcp

import (
	"context"
	"errors"
	"fmt"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/knowd/internal/conversation"
	"github.com/fyrsmithlabs/knowd/internal/ingestion"
	"github.com/fyrsmithlabs/knowd/internal/orchestrator"
	"github.com/fyrsmithlabs/knowd/internal/secrets"
	"github.com/fyrsmithlabs/knowd/internal/tenant"
	"github.com/fyrsmithlabs/knowd/internal/vectorstore"
)

// Asker answers questions. *orchestrator.Engine satisfies it.
type Asker interface {
	Ask(ctx context.Context, tc tenant.Context, question string, opts ...orchestrator.AskOption) (*orchestrator.Result, error)
}

// TenantLookup finds configured tenants by ID. *tenant.StaticResolver
// satisfies it.
type TenantLookup interface {
	Lookup(tenantID string) (tenant.Context, error)
	IDs() []string
}

// Services are the components exposed as tools.
type Services struct {
	Engine   Asker
	Ingester ingestion.Ingester
	Store    vectorstore.Store
	History  conversation.Log
	Tenants  TenantLookup
	Scrubber secrets.Scrubber
}

// Server exposes knowd as MCP tools over stdio. The process is trusted:
// callers name the tenant instead of presenting a token.
type Server struct {
	mcp     *mcp.Server
	svc     Services
	metrics *Metrics
	logger  *zap.Logger
}

// Config configures the MCP server.
type Config struct {
	// Name is the server implementation name (default: "knowd")
	Name string

	// Version is the server version (default: "dev")
	Version string

	// Logger for structured logging
	Logger *zap.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Name:    "knowd",
		Version: "dev",
		Logger:  zap.NewNop(),
	}
}

// NewServer creates a new MCP server with the given services.
func NewServer(cfg *Config, svc Services) (*Server, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	switch {
	case svc.Engine == nil:
		return nil, errors.New("engine is required")
	case svc.Ingester == nil:
		return nil, errors.New("ingester is required")
	case svc.Store == nil:
		return nil, errors.New("store is required")
	case svc.History == nil:
		return nil, errors.New("history is required")
	case svc.Tenants == nil:
		return nil, errors.New("tenant lookup is required")
	case svc.Scrubber == nil:
		return nil, errors.New("scrubber is required")
	}

	s := &Server{
		mcp: mcp.NewServer(&mcp.Implementation{
			Name:    cfg.Name,
			Version: cfg.Version,
		}, nil),
		svc:     svc,
		metrics: NewMetrics(cfg.Logger),
		logger:  cfg.Logger,
	}
	s.registerTools()
	return s, nil
}

// resolveTenant returns the named tenant, or the only configured tenant when
// id is empty.
func (s *Server) resolveTenant(id string) (tenant.Context, error) {
	if id != "" {
		return s.svc.Tenants.Lookup(id)
	}
	ids := s.svc.Tenants.IDs()
	if len(ids) != 1 {
		return tenant.Context{}, fmt.Errorf("%w: tenant_id is required when %d tenants are configured", tenant.ErrInvalidTenantID, len(ids))
	}
	return s.svc.Tenants.Lookup(ids[0])
}

// Run starts the MCP server on the stdio transport.
func (s *Server) Run(ctx context.Context) error {
	s.logger.Info("starting MCP server on stdio transport")
	if err := s.mcp.Run(ctx, &mcp.StdioTransport{}); err != nil {
		return fmt.Errorf("server run failed: %w", err)
	}
	return nil
}
