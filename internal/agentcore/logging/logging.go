// Package logging provides the narrow structured-logging interface used
// across agentcore, backed by zap in production and a no-op implementation
// in tests.
package logging

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logger is the structured-logging surface the rest of agentcore depends on.
// Keeping it narrow lets package tests use NoOp instead of building a zap
// logger (this package itself still imports zap).
type Logger interface {
	Debug(msg string, fields ...Field)
	Info(msg string, fields ...Field)
	Warn(msg string, fields ...Field)
	Error(msg string, fields ...Field)
	With(fields ...Field) Logger
}

// Field is a structured key/value pair. It mirrors zap.Field's construction
// style without leaking the zap type into call sites that don't need it.
type Field = zap.Field

// Convenience constructors re-exported so callers don't import zap directly.
var (
	String = zap.String
	Int    = zap.Int
	Int64  = zap.Int64
	Float64 = zap.Float64
	Bool   = zap.Bool
	Err    = zap.Error
	Duration = zap.Duration
)

type zapLogger struct {
	l *zap.Logger
}

// NewZap wraps a *zap.Logger as a Logger.
func NewZap(l *zap.Logger) Logger {
	return &zapLogger{l: l}
}

// NewProduction builds a production zap logger (JSON, info level) wrapped as
// a Logger. Callers should defer Sync() is not exposed here deliberately;
// agentcore treats logging as best-effort and never blocks shutdown on it.
func NewProduction() (Logger, error) {
	l, err := zap.NewProduction()
	if err != nil {
		return nil, err
	}
	return NewZap(l), nil
}

// NewProductionAtLevel builds a production zap logger at the given level
// (debug/info/warn/error; unrecognized or empty falls back to info), for
// the LOG_LEVEL configuration knob.
func NewProductionAtLevel(level string) (Logger, error) {
	var zl zapcore.Level
	if err := zl.UnmarshalText([]byte(level)); err != nil {
		zl = zapcore.InfoLevel
	}

	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(zl)

	l, err := cfg.Build()
	if err != nil {
		return nil, err
	}
	return NewZap(l), nil
}

func (z *zapLogger) Debug(msg string, fields ...Field) { z.l.Debug(msg, fields...) }
func (z *zapLogger) Info(msg string, fields ...Field)  { z.l.Info(msg, fields...) }
func (z *zapLogger) Warn(msg string, fields ...Field)  { z.l.Warn(msg, fields...) }
func (z *zapLogger) Error(msg string, fields ...Field) { z.l.Error(msg, fields...) }
func (z *zapLogger) With(fields ...Field) Logger {
	return &zapLogger{l: z.l.With(fields...)}
}

type noOpLogger struct{}

// NoOp returns a Logger that discards everything, for unit tests.
func NoOp() Logger { return noOpLogger{} }

func (noOpLogger) Debug(string, ...Field) {}
func (noOpLogger) Info(string, ...Field)  {}
func (noOpLogger) Warn(string, ...Field)  {}
func (noOpLogger) Error(string, ...Field) {}
func (n noOpLogger) With(...Field) Logger { return n }
