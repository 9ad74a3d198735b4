// Package logging provides structured logging for knowd.
//
// Logger wraps Zap with:
//   - a Trace level (-2, below Debug)
//   - stdout output plus an optional OpenTelemetry log bridge
//   - automatic context fields (request.id, tenant.id, tenant.collection, trace_id)
//   - secret redaction by field name and value pattern
//   - level-aware sampling (errors are never sampled)
//
// Create a logger from the application config:
//
//	logger, err := logging.NewLogger(logging.FromSettings(cfg.Logging), otelProvider)
//	if err != nil {
//	    return err
//	}
//	defer logger.Sync()
//
// Attach request scope once per request; every log line picks it up:
//
//	ctx = logging.WithRequestID(ctx, requestID)
//	ctx = logging.WithTenant(ctx, tc.TenantID, tc.CollectionName)
//	logger.Info(ctx, "document ingested", zap.Int("chunks", n))
//
// The tenant attached here is for correlation only. Tenant scoping of data is
// always done through an explicit tenant.Context argument.
//
// Use TestLogger in tests:
//
//	tl := logging.NewTestLogger()
//	tl.AssertLogged(t, zapcore.InfoLevel, "document ingested")
//	tl.AssertNoSecrets(t, apiKey)
package logging
