package logging

import (
	"context"
	"sync/atomic"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Options controls how Init builds the process logger.
type Options struct {
	Level       string // debug, info, warn, error
	Development bool   // console encoding with caller info
}

var (
	disabled atomic.Bool
	base     atomic.Pointer[zap.Logger]
)

func init() {
	base.Store(zap.NewNop())
}

// Init builds the process-wide logger. Safe to call more than once; the last call wins.
func Init(opts Options) error {
	var cfg zap.Config
	if opts.Development {
		cfg = zap.NewDevelopmentConfig()
	} else {
		cfg = zap.NewProductionConfig()
		cfg.Sampling = nil
	}
	lvl := zapcore.InfoLevel
	if opts.Level != "" {
		if err := lvl.Set(opts.Level); err != nil {
			return err
		}
	}
	cfg.Level = zap.NewAtomicLevelAt(lvl)

	l, err := cfg.Build()
	if err != nil {
		return err
	}
	SetLogger(l)
	return nil
}

// SetLogger replaces the process logger. Tests use this with zaptest/observer.
func SetLogger(l *zap.Logger) {
	if l == nil {
		l = zap.NewNop()
	}
	base.Store(l)
}

// L returns the base logger.
func L() *zap.Logger {
	if disabled.Load() {
		return zap.NewNop()
	}
	return base.Load()
}

// Named returns a sugared logger for one component.
func Named(name string) *zap.SugaredLogger {
	return L().Named(name).Sugar()
}

// Sync flushes buffered entries.
func Sync() {
	_ = base.Load().Sync()
}

// Disable turns off all logging
func Disable() {
	disabled.Store(true)
}

// Enable turns logging back on
func Enable() {
	disabled.Store(false)
}

func sugar() *zap.SugaredLogger {
	return L().WithOptions(zap.AddCallerSkip(1)).Sugar()
}

// Info logs an info message
func Info(v ...any) { sugar().Info(v...) }

// Infof logs a formatted info message
func Infof(format string, v ...any) { sugar().Infof(format, v...) }

// Error logs an error message
func Error(v ...any) { sugar().Error(v...) }

// Errorf logs a formatted error message
func Errorf(format string, v ...any) { sugar().Errorf(format, v...) }

// Warn logs a warning message
func Warn(v ...any) { sugar().Warn(v...) }

// Warnf logs a formatted warning message
func Warnf(format string, v ...any) { sugar().Warnf(format, v...) }

// Debug logs a debug message
func Debug(v ...any) { sugar().Debug(v...) }

// Debugf logs a formatted debug message
func Debugf(format string, v ...any) { sugar().Debugf(format, v...) }

type ctxKey struct{}

// WithFields attaches structured fields to ctx for FromContext.
func WithFields(ctx context.Context, fields ...zap.Field) context.Context {
	prev, _ := ctx.Value(ctxKey{}).([]zap.Field)
	merged := make([]zap.Field, 0, len(prev)+len(fields))
	merged = append(merged, prev...)
	merged = append(merged, fields...)
	return context.WithValue(ctx, ctxKey{}, merged)
}

// FromContext returns the base logger with any fields stored by WithFields.
func FromContext(ctx context.Context) *zap.Logger {
	l := L()
	if fields, ok := ctx.Value(ctxKey{}).([]zap.Field); ok {
		l = l.With(fields...)
	}
	return l
}
