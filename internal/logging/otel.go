package logging

import (
	"errors"
	"io"
	"os"

	"go.opentelemetry.io/contrib/bridges/otelzap"
	"go.opentelemetry.io/otel/log"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const otelScope = "github.com/fyrsmithlabs/knowd"

// buildCore tees the console and OTEL outputs, each behind its own
// redaction, and samples the result.
func buildCore(cfg *Config, otelProvider log.LoggerProvider) (zapcore.Core, error) {
	var cores []zapcore.Core
	if w := consoleWriter(cfg.Output); w != nil {
		cores = append(cores, zapcore.NewCore(newEncoder(cfg.Format), zapcore.AddSync(w), cfg.Level))
	}
	if cfg.Output.OTEL && otelProvider != nil {
		otelCore := otelzap.NewCore(otelScope, otelzap.WithLoggerProvider(otelProvider))
		cores = append(cores, &levelRangeCore{Core: otelCore, min: cfg.Level, max: zapcore.FatalLevel})
	}
	if len(cores) == 0 {
		return nil, errors.New("no log output available: enable stdout, stderr, or otel with telemetry on")
	}

	if cfg.Redaction.Enabled {
		r, err := newRedactor(cfg.Redaction)
		if err != nil {
			return nil, err
		}
		for i, c := range cores {
			cores[i] = &redactCore{Core: c, r: r}
		}
	}
	return newSampledCore(zapcore.NewTee(cores...), cfg.Sampling), nil
}

// consoleWriter picks stderr over stdout. The stdio tool server keeps
// stdout for the protocol.
func consoleWriter(out OutputConfig) io.Writer {
	switch {
	case out.Stderr:
		return os.Stderr
	case out.Stdout:
		return os.Stdout
	}
	return nil
}

func newEncoder(format string) zapcore.Encoder {
	ec := zap.NewProductionEncoderConfig()
	ec.TimeKey = "ts"
	ec.EncodeTime = zapcore.ISO8601TimeEncoder
	ec.EncodeLevel = encodeLevel
	if format == "console" {
		return zapcore.NewConsoleEncoder(ec)
	}
	return zapcore.NewJSONEncoder(ec)
}

// encodeLevel prints TraceLevel as "trace" instead of "Level(-2)".
func encodeLevel(l zapcore.Level, enc zapcore.PrimitiveArrayEncoder) {
	if l == TraceLevel {
		enc.AppendString("trace")
		return
	}
	zapcore.LowercaseLevelEncoder(l, enc)
}
