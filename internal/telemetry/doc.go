// Package telemetry exports knowd's traces, metrics and logs over OTLP.
//
// When telemetry.enabled is set, New installs global trace and meter
// providers and builds a log provider for the zap bridge. Otherwise nothing
// is installed and every tracer and meter stays a no-op.
//
//	tel, err := telemetry.New(ctx, telemetry.FromSettings(cfg, version))
//	if err != nil {
//	    return err
//	}
//	defer tel.Shutdown(context.Background())
//	logger, err := logging.NewLogger(logCfg, tel.LoggerProvider())
//
// Packages resolve tracers through otel.Tracer. Tests capture spans with
// RecordSpans.
package telemetry
