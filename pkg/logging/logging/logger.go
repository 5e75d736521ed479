package logging

import (
	"context"
	"os"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type ctxKey int

const loggerKey ctxKey = iota

var (
	defaultLogger     *zap.Logger
	defaultLoggerOnce sync.Once
)

// Options selects the encoder and level. Empty fields fall back to the ENV
// and LOG_LEVEL environment variables.
type Options struct {
	Env   string // "dev"/"development" for console output, anything else for JSON
	Level string // debug, info, warn, error
}

// NewLogger builds a zap logger from opts.
func NewLogger(opts Options) (*zap.Logger, error) {
	if opts.Env == "" {
		opts.Env = os.Getenv("ENV")
	}
	if opts.Level == "" {
		opts.Level = os.Getenv("LOG_LEVEL")
	}

	var config zap.Config
	if opts.Env == "dev" || opts.Env == "development" {
		config = zap.NewDevelopmentConfig()
		config.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	} else {
		config = zap.NewProductionConfig()
		config.DisableCaller = false
	}

	if opts.Level != "" {
		var level zapcore.Level
		if err := level.UnmarshalText([]byte(opts.Level)); err == nil {
			config.Level = zap.NewAtomicLevelAt(level)
		}
	}

	return config.Build()
}

// DefaultLogger is the process-wide logger built from the environment.
func DefaultLogger() *zap.Logger {
	defaultLoggerOnce.Do(func() {
		l, err := NewLogger(Options{})
		if err != nil {
			_, _ = os.Stderr.WriteString("failed to create logger: " + err.Error() + "\n")
			l = zap.NewNop()
		}
		defaultLogger = l
	})
	return defaultLogger
}

// WithLogger attaches a logger to ctx.
func WithLogger(ctx context.Context, logger *zap.Logger) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, loggerKey, logger)
}

// FromContext returns the request-scoped logger, or the default one.
func FromContext(ctx context.Context) *zap.Logger {
	if ctx == nil {
		return DefaultLogger()
	}
	if logger, ok := ctx.Value(loggerKey).(*zap.Logger); ok && logger != nil {
		return logger
	}
	return DefaultLogger()
}

func L(ctx context.Context) *zap.Logger {
	return FromContext(ctx)
}

// WithFields adds structured fields to the logger in context.
func WithFields(ctx context.Context, fields ...zap.Field) context.Context {
	return WithLogger(ctx, FromContext(ctx).With(fields...))
}

// Or returns l, or a no-op logger when l is nil.
func Or(l *zap.Logger) *zap.Logger {
	if l == nil {
		return zap.NewNop()
	}
	return l
}
