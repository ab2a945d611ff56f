package observability

import (
	"context"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const defaultLogLevel = "info"

type loggerContextKey struct{}

// NewLogger constructs a zap logger emitting structured JSON at the given level.
func NewLogger(level string) (*zap.Logger, error) {
	atomic := zap.NewAtomicLevel()
	if err := atomic.UnmarshalText([]byte(strings.ToLower(strings.TrimSpace(level)))); err != nil {
		// Fallback to default level when unset or invalid.
		_ = atomic.UnmarshalText([]byte(defaultLogLevel))
	}

	encoderCfg := zapcore.EncoderConfig{
		MessageKey: "message",
		TimeKey:    "timestamp",
		LevelKey:   "severity",
		EncodeTime: zapcore.RFC3339NanoTimeEncoder,
		EncodeLevel: func(level zapcore.Level, enc zapcore.PrimitiveArrayEncoder) {
			enc.AppendString(strings.ToUpper(level.String()))
		},
		CallerKey:      "caller",
		EncodeCaller:   zapcore.ShortCallerEncoder,
		StacktraceKey:  "stacktrace",
		EncodeDuration: zapcore.MillisDurationEncoder,
	}

	cfg := zap.Config{
		Level:             atomic,
		Encoding:          "json",
		EncoderConfig:     encoderCfg,
		OutputPaths:       []string{"stderr"},
		ErrorOutputPaths:  []string{"stderr"},
		DisableStacktrace: true,
	}
	return cfg.Build()
}

// WithLogger injects the logger into the provided context.
func WithLogger(ctx context.Context, logger *zap.Logger) context.Context {
	if logger == nil {
		return ctx
	}
	return context.WithValue(ctx, loggerContextKey{}, logger)
}

// FromContext retrieves the logger from context, defaulting to a no-op logger.
func FromContext(ctx context.Context) *zap.Logger {
	if ctx != nil {
		if logger, ok := ctx.Value(loggerContextKey{}).(*zap.Logger); ok && logger != nil {
			return logger
		}
	}
	return zap.NewNop()
}
