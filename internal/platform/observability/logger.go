package observability

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/solucity-dev/solucity-sub000/internal/platform/requestctx"
)

const defaultLogLevel = "info"

// NewLogger builds the JSON logger used by the process. LOG_LEVEL selects the level.
func NewLogger() (*zap.Logger, error) {
	level := zap.NewAtomicLevel()
	if err := level.UnmarshalText([]byte(strings.ToLower(strings.TrimSpace(os.Getenv("LOG_LEVEL"))))); err != nil {
		_ = level.UnmarshalText([]byte(defaultLogLevel))
	}

	cfg := zap.Config{
		Level:    level,
		Encoding: "json",
		EncoderConfig: zapcore.EncoderConfig{
			MessageKey:    "message",
			TimeKey:       "timestamp",
			LevelKey:      "severity",
			NameKey:       "logger",
			CallerKey:     "caller",
			StacktraceKey: "stacktrace",
			EncodeTime:    zapcore.RFC3339NanoTimeEncoder,
			EncodeCaller:  zapcore.ShortCallerEncoder,
			EncodeLevel: func(level zapcore.Level, enc zapcore.PrimitiveArrayEncoder) {
				enc.AppendString(strings.ToUpper(level.String()))
			},
		},
		OutputPaths:       []string{"stdout"},
		ErrorOutputPaths:  []string{"stderr"},
		DisableStacktrace: true,
	}
	return cfg.Build()
}

// FromContext retrieves the request logger, defaulting to a no-op logger.
func FromContext(ctx context.Context) *zap.Logger {
	return requestctx.Logger(ctx)
}

// EventLogger adapts zap to the func(ctx, event, fields) logging hook taken by services. The
// request logger wins when the context carries one so service events keep request fields.
// Events ending in ".failed" or ".conflict" are logged at warn level.
func EventLogger(base *zap.Logger) func(context.Context, string, map[string]any) {
	if base == nil {
		base = zap.NewNop()
	}
	return func(ctx context.Context, event string, fields map[string]any) {
		logger := base
		if requestctx.HasLogger(ctx) {
			logger = requestctx.Logger(ctx)
		}
		zapFields := fieldsFromMap(fields)
		if strings.HasSuffix(event, ".failed") || strings.HasSuffix(event, ".conflict") {
			logger.Warn(event, zapFields...)
			return
		}
		logger.Info(event, zapFields...)
	}
}

func fieldsFromMap(fields map[string]any) []zap.Field {
	keys := make([]string, 0, len(fields))
	for key := range fields {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	out := make([]zap.Field, 0, len(keys))
	for _, key := range keys {
		switch v := fields[key].(type) {
		case string:
			out = append(out, zap.String(key, v))
		case int:
			out = append(out, zap.Int(key, v))
		case int64:
			out = append(out, zap.Int64(key, v))
		case bool:
			out = append(out, zap.Bool(key, v))
		case time.Duration:
			out = append(out, zap.Duration(key, v))
		case time.Time:
			out = append(out, zap.Time(key, v))
		case error:
			out = append(out, zap.NamedError(key, v))
		case fmt.Stringer:
			out = append(out, zap.Stringer(key, v))
		default:
			out = append(out, zap.Any(key, v))
		}
	}
	return out
}

// PrintfAdapter adapts zap to printf-style logging interfaces.
type PrintfAdapter struct {
	logger *zap.SugaredLogger
}

// NewPrintfAdapter creates a PrintfAdapter backed by the supplied logger.
func NewPrintfAdapter(logger *zap.Logger) PrintfAdapter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return PrintfAdapter{logger: logger.Sugar()}
}

// Printf implements the Printf-style logging expected by the auth validators.
func (a PrintfAdapter) Printf(format string, args ...any) {
	a.logger.Infof(format, args...)
}
