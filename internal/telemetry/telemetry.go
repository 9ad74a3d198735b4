package telemetry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/log"
	"go.opentelemetry.io/otel/propagation"
)

// Telemetry installs the global trace and meter providers and holds the
// log provider handed to the logger. An exporter that cannot be built
// leaves its signal on the no-op provider; startup goes on and the reason
// is kept in Degraded.
type Telemetry struct {
	timeout   time.Duration
	logs      log.LoggerProvider
	shutdowns []func(context.Context) error
	degraded  []string
}

// New sets up exporters for cfg. A disabled config installs nothing.
func New(ctx context.Context, cfg *Config) (*Telemetry, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid telemetry config: %w", err)
	}
	t := &Telemetry{timeout: cfg.ShutdownTimeout}
	if !cfg.Enabled {
		return t, nil
	}

	res := newResource(cfg)

	if tp, err := newTracerProvider(ctx, cfg, res); err != nil {
		t.degraded = append(t.degraded, err.Error())
	} else {
		otel.SetTracerProvider(tp)
		t.shutdowns = append(t.shutdowns, tp.Shutdown)
	}

	if cfg.Metrics {
		if mp, err := newMeterProvider(ctx, cfg, res); err != nil {
			t.degraded = append(t.degraded, err.Error())
		} else {
			otel.SetMeterProvider(mp)
			t.shutdowns = append(t.shutdowns, mp.Shutdown)
		}
	}

	if cfg.Logs {
		if lp, err := newLoggerProvider(ctx, cfg, res); err != nil {
			t.degraded = append(t.degraded, err.Error())
		} else {
			t.logs = lp
			t.shutdowns = append(t.shutdowns, lp.Shutdown)
		}
	}

	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	return t, nil
}

// LoggerProvider returns the OTLP log provider, or nil when log export is
// off or failed.
func (t *Telemetry) LoggerProvider() log.LoggerProvider {
	if t == nil {
		return nil
	}
	return t.logs
}

// Degraded lists the exporters that failed to start.
func (t *Telemetry) Degraded() []string {
	if t == nil {
		return nil
	}
	return append([]string(nil), t.degraded...)
}

// Shutdown flushes and stops every provider, bounded by the configured
// timeout when ctx has no deadline.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	if t == nil {
		return nil
	}
	if _, ok := ctx.Deadline(); !ok && t.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.timeout)
		defer cancel()
	}
	var errs []error
	for i := len(t.shutdowns) - 1; i >= 0; i-- {
		errs = append(errs, t.shutdowns[i](ctx))
	}
	t.shutdowns = nil
	return errors.Join(errs...)
}
