package log

import (
	"context"
	"fmt"
	"os"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

type ctxKey struct{}

var (
	mu   sync.RWMutex
	base = newDefaultLogger()
)

func newDefaultLogger() *zap.Logger {
	l, err := zap.NewProduction()
	if err != nil {
		return zap.NewNop()
	}
	return l
}

// Config configures the root logger
type Config struct {
	Level string // debug, info, warn, error
	// File, if not empty, redirects the logs to a rotated file
	File       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
}

// Configure replaces the root logger
func Configure(cfg Config) error {
	var level zapcore.Level
	if cfg.Level == "" {
		cfg.Level = "info"
	}
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		return fmt.Errorf("Configure.level: %w", err)
	}

	var ws zapcore.WriteSyncer = zapcore.Lock(os.Stderr)
	if cfg.File != "" {
		if cfg.MaxSizeMB == 0 {
			cfg.MaxSizeMB = 100
		}
		ws = zapcore.AddSync(&lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAgeDays,
			Compress:   true,
		})
	}

	encoderCfg := zap.NewProductionEncoderConfig()
	encoderCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	core := zapcore.NewCore(zapcore.NewJSONEncoder(encoderCfg), ws, zap.NewAtomicLevelAt(level))

	mu.Lock()
	defer mu.Unlock()
	_ = base.Sync()
	base = zap.New(core, zap.AddCaller())
	return nil
}

// Logger returns the logger of the context, or the root logger
func Logger(ctx context.Context) *zap.Logger {
	if l, ok := ctx.Value(ctxKey{}).(*zap.Logger); ok {
		return l
	}
	return root()
}

func root() *zap.Logger {
	mu.RLock()
	defer mu.RUnlock()
	return base
}

// With returns a context whose logger has the additional string field
func With(ctx context.Context, key, value string) context.Context {
	return WithFields(ctx, zap.String(key, value))
}

// WithFields returns a context whose logger has the additional fields
func WithFields(ctx context.Context, fields ...zap.Field) context.Context {
	return context.WithValue(ctx, ctxKey{}, Logger(ctx).With(fields...))
}

// Fatal logs the message and exits
func Fatal(msg string, fields ...zap.Field) {
	root().Fatal(msg, fields...)
}

// Sync flushes the root logger
func Sync() {
	_ = root().Sync()
}
