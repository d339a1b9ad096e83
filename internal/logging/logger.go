// Package logging wraps zap the way the rest of this lineage's services do:
// a thin sugared-logger handle with a chainable With(...) for contextual
// fields, rather than exposing zap types to callers directly.
package logging

import (
	"strings"

	"go.uber.org/zap"
)

type Logger struct {
	sugar *zap.SugaredLogger
}

// New builds a Logger for the given mode ("dev"/"development" or
// "prod"/"production"); any other value falls back to development config,
// matching the teacher's permissive default.
func New(mode string) (*Logger, error) {
	var cfg zap.Config
	switch strings.ToLower(strings.TrimSpace(mode)) {
	case "prod", "production":
		cfg = zap.NewProductionConfig()
	default:
		cfg = zap.NewDevelopmentConfig()
	}
	cfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	z, err := cfg.Build()
	if err != nil {
		return nil, err
	}
	return &Logger{sugar: z.Sugar()}, nil
}

// NewNop returns a Logger that discards everything, for tests that want a
// non-nil logger without configuring zap.
func NewNop() *Logger {
	return &Logger{sugar: zap.NewNop().Sugar()}
}

func (l *Logger) Sync() {
	if l == nil || l.sugar == nil {
		return
	}
	_ = l.sugar.Sync()
}

func (l *Logger) Debug(msg string, kv ...interface{}) { l.log(l.sugar.Debugw, msg, kv) }
func (l *Logger) Info(msg string, kv ...interface{})  { l.log(l.sugar.Infow, msg, kv) }
func (l *Logger) Warn(msg string, kv ...interface{})  { l.log(l.sugar.Warnw, msg, kv) }
func (l *Logger) Error(msg string, kv ...interface{}) { l.log(l.sugar.Errorw, msg, kv) }
func (l *Logger) Fatal(msg string, kv ...interface{}) { l.log(l.sugar.Fatalw, msg, kv) }

func (l *Logger) log(fn func(string, ...interface{}), msg string, kv []interface{}) {
	if l == nil || l.sugar == nil {
		return
	}
	fn(msg, sanitizeKVs(kv)...)
}

func (l *Logger) With(kv ...interface{}) *Logger {
	if l == nil || l.sugar == nil {
		return l
	}
	return &Logger{sugar: l.sugar.With(sanitizeKVs(kv)...)}
}
