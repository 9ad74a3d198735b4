package main

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/knowd/internal/config"
	"github.com/fyrsmithlabs/knowd/internal/conversation"
	"github.com/fyrsmithlabs/knowd/internal/embeddings"
	"github.com/fyrsmithlabs/knowd/internal/events"
	"github.com/fyrsmithlabs/knowd/internal/ingestion"
	"github.com/fyrsmithlabs/knowd/internal/logging"
	"github.com/fyrsmithlabs/knowd/internal/orchestrator"
	"github.com/fyrsmithlabs/knowd/internal/reasoning"
	"github.com/fyrsmithlabs/knowd/internal/retry"
	"github.com/fyrsmithlabs/knowd/internal/secrets"
	"github.com/fyrsmithlabs/knowd/internal/telemetry"
	"github.com/fyrsmithlabs/knowd/internal/tenant"
	"github.com/fyrsmithlabs/knowd/internal/vectorstore"
	"github.com/fyrsmithlabs/knowd/internal/websearch"
)

// app holds the wired components shared by serve and mcp.
type app struct {
	cfg       *config.Config
	logger    *logging.Logger
	telemetry *telemetry.Telemetry
	store     vectorstore.Store
	embedders *embeddings.Registry
	history   *conversation.GormLog
	events    events.Publisher
	scrubber  secrets.Scrubber
	pipeline  *ingestion.Pipeline
	engine    *orchestrator.Engine
	tenants   *tenant.StaticResolver

	closers []func(context.Context) error
}

// newApp initializes all dependencies in order:
//  1. Telemetry and logger
//  2. Tenant table
//  3. Vector store and embedding providers
//  4. Conversation log and event publisher
//  5. Ingestion pipeline, web search, reasoning and the engine
//
// stderrLogs routes console logs to stderr.
func newApp(ctx context.Context, cfg *config.Config, stderrLogs bool) (*app, error) {
	a := &app{cfg: cfg}
	ok := false
	defer func() {
		if !ok {
			_ = a.Close(context.Background())
		}
	}()

	tel, err := telemetry.New(ctx, telemetry.FromSettings(cfg, version))
	if err != nil {
		return nil, fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	a.telemetry = tel
	a.closers = append(a.closers, tel.Shutdown)

	logCfg := logging.FromSettings(cfg.Logging)
	logCfg.Output.OTEL = cfg.Telemetry.Enabled
	if stderrLogs {
		logCfg.Output.Stdout = false
		logCfg.Output.Stderr = true
	}
	logger, err := logging.NewLogger(logCfg, tel.LoggerProvider())
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	a.logger = logger
	a.closers = append(a.closers, func(context.Context) error {
		_ = logger.Sync()
		return nil
	})
	zl := logger.Underlying()

	logger.Info(ctx, "starting knowd",
		zap.String("version", version),
		zap.String("vectorstore", cfg.VectorStore.Provider),
		zap.String("embeddings", cfg.Embeddings.Provider),
		zap.String("websearch", cfg.WebSearch.Provider),
		logging.Secret("websearch_api_key", cfg.WebSearch.APIKey),
		zap.Int("tenants", len(cfg.Tenants)))
	for _, reason := range tel.Degraded() {
		logger.Warn(ctx, "telemetry export unavailable", zap.String("reason", reason))
	}

	if a.tenants, err = tenant.NewStaticResolver(cfg.Tenants); err != nil {
		return nil, fmt.Errorf("failed to load tenants: %w", err)
	}

	policy := retry.FromConfig(cfg.Retry)

	if a.store, err = vectorstore.New(cfg.VectorStore, policy, zl); err != nil {
		return nil, fmt.Errorf("failed to initialize vector store: %w", err)
	}
	a.closers = append(a.closers, func(context.Context) error { return a.store.Close() })

	if a.embedders, err = embeddings.NewRegistry(cfg.Embeddings, policy, zl); err != nil {
		return nil, fmt.Errorf("failed to initialize embeddings: %w", err)
	}
	a.closers = append(a.closers, func(context.Context) error { return a.embedders.Close() })

	if a.history, err = conversation.Open(cfg.Conversation, zl); err != nil {
		return nil, fmt.Errorf("failed to open conversation log: %w", err)
	}
	a.closers = append(a.closers, func(context.Context) error { return a.history.Close() })

	if a.events, err = events.New(cfg.Events, zl); err != nil {
		return nil, fmt.Errorf("failed to connect event publisher: %w", err)
	}
	a.closers = append(a.closers, func(context.Context) error { return a.events.Close() })

	if a.scrubber, err = secrets.New(secrets.FromSettings(cfg.Secrets)); err != nil {
		return nil, fmt.Errorf("failed to initialize secret scrubber: %w", err)
	}

	a.pipeline, err = ingestion.New(cfg.Ingestion, a.store, a.embedders, policy,
		ingestion.WithScrubber(a.scrubber),
		ingestion.WithPublisher(a.events),
		ingestion.WithLogger(logger.Named("ingestion")),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize ingestion: %w", err)
	}

	search, err := websearch.New(cfg.WebSearch, zl)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize web search: %w", err)
	}

	a.engine, err = orchestrator.NewEngine(cfg.Orchestrator, orchestrator.Dependencies{
		Store:       a.store,
		Embedders:   a.embedders,
		Reasoner:    reasoning.New(reasoning.NewOpenAIProvider(cfg.Reasoning, policy, zl)),
		Search:      search,
		Ingester:    a.pipeline,
		History:     a.history,
		Events:      a.events,
		Logger:      logger.Named("orchestrator"),
		SearchRetry: policy,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize orchestrator: %w", err)
	}

	ok = true
	return a, nil
}

// Close releases resources in reverse order of creation.
func (a *app) Close(ctx context.Context) error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.LoadWithFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	return cfg, nil
}
