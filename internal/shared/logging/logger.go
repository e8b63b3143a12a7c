package logging

import (
	"context"
	"fmt"
	"reflect"
	"strings"

	id "missionloop/internal/shared/utils/id"
)

// Logger defines a minimal, printf-style logging contract.
//
// Domain packages depend on this interface only, so they never import the
// zap backend directly.
type Logger interface {
	Debug(format string, args ...any)
	Info(format string, args ...any)
	Warn(format string, args ...any)
	Error(format string, args ...any)
}

type nopLogger struct{}

func (nopLogger) Debug(string, ...any) {}
func (nopLogger) Info(string, ...any)  {}
func (nopLogger) Warn(string, ...any)  {}
func (nopLogger) Error(string, ...any) {}

// Nop returns a logger that discards all output.
func Nop() Logger {
	return nopLogger{}
}

// IsNil reports whether logger is nil or wraps a nil pointer receiver.
func IsNil(logger Logger) bool {
	if logger == nil {
		return true
	}
	val := reflect.ValueOf(logger)
	switch val.Kind() {
	case reflect.Ptr, reflect.Interface, reflect.Slice, reflect.Map, reflect.Func:
		return val.IsNil()
	default:
		return false
	}
}

// OrNop returns logger when non-nil, otherwise a no-op logger.
func OrNop(logger Logger) Logger {
	if IsNil(logger) {
		return Nop()
	}
	return logger
}

// NewComponentLogger returns the process logger scoped to a component.
func NewComponentLogger(component string) Logger {
	return newZapComponentLogger(currentBase(), component)
}

// FromContext scopes logger to the run and session carried by ctx, so lines
// written deep inside tool calls still name the run they belong to.
func FromContext(ctx context.Context, logger Logger) Logger {
	logger = OrNop(logger)
	if ctx == nil {
		return logger
	}
	var parts []string
	if runID := id.RunIDFromContext(ctx); runID != "" {
		parts = append(parts, "run="+runID)
	}
	if sessionID := id.SessionIDFromContext(ctx); sessionID != "" {
		parts = append(parts, "session="+sessionID)
	}
	if len(parts) == 0 {
		return logger
	}
	return &scopedLogger{inner: logger, prefix: "[" + strings.Join(parts, " ") + "] "}
}

type scopedLogger struct {
	inner  Logger
	prefix string
}

func (l *scopedLogger) Debug(format string, args ...any) { l.inner.Debug(l.prefix+format, args...) }
func (l *scopedLogger) Info(format string, args ...any)  { l.inner.Info(l.prefix+format, args...) }
func (l *scopedLogger) Warn(format string, args ...any)  { l.inner.Warn(l.prefix+format, args...) }
func (l *scopedLogger) Error(format string, args ...any) { l.inner.Error(l.prefix+format, args...) }

// Recorder captures formatted log lines in memory. Tests use it to assert on
// warnings without touching the process logger.
type Recorder struct {
	Lines []string
}

func (r *Recorder) record(level, format string, args ...any) {
	r.Lines = append(r.Lines, level+" "+fmt.Sprintf(format, args...))
}

func (r *Recorder) Debug(format string, args ...any) { r.record("DEBUG", format, args...) }
func (r *Recorder) Info(format string, args ...any)  { r.record("INFO", format, args...) }
func (r *Recorder) Warn(format string, args ...any)  { r.record("WARN", format, args...) }
func (r *Recorder) Error(format string, args ...any) { r.record("ERROR", format, args...) }
