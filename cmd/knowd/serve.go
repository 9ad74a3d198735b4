package main

import (
	"context"
	"errors"
	"fmt"
	nethttp "net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/fyrsmithlabs/knowd/internal/config"
	"github.com/fyrsmithlabs/knowd/internal/http"
	"github.com/fyrsmithlabs/knowd/internal/watch"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP API",
	Long: `Start the knowd HTTP API.

Also starts the inbox watcher when watch.enabled is set. Stops gracefully on
SIGINT or SIGTERM.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		return runServe(ctx, cfg)
	},
}

// runServe blocks until ctx is cancelled or a component fails.
func runServe(ctx context.Context, cfg *config.Config) error {
	a, err := newApp(ctx, cfg, false)
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		_ = a.Close(shutdownCtx)
	}()

	srv, err := http.NewServer(cfg.Server, http.Dependencies{
		Engine:   a.engine,
		Ingester: a.pipeline,
		Store:    a.store,
		History:  a.history,
		Resolver: a.tenants,
		Events:   a.events,
		Logger:   a.logger.Named("http"),
		Version:  version,
	})
	if err != nil {
		return fmt.Errorf("failed to create http server: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := srv.Start(); err != nil && !errors.Is(err, nethttp.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if cfg.Watch.Enabled {
		w, err := watch.New(cfg.Watch, a.tenants, a.pipeline, watch.WithLogger(a.logger.Named("watch")))
		if err != nil {
			return fmt.Errorf("failed to create inbox watcher: %w", err)
		}
		g.Go(func() error { return w.Run(gctx) })
	}

	a.logger.Info(ctx, "knowd ready",
		zap.String("health_endpoint", fmt.Sprintf("http://%s:%d/health", cfg.Server.Host, cfg.Server.Port)),
		zap.String("metrics_endpoint", "/metrics"),
		zap.Bool("watch", cfg.Watch.Enabled))

	err = g.Wait()
	a.logger.Info(context.Background(), "knowd stopped")
	return err
}
