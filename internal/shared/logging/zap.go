package logging

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"missionloop/internal/security/redaction"
)

// Config configures the process-wide zap backend.
type Config struct {
	Level  string // debug, info, warn, error
	Format string // json, console
	Output io.Writer
}

var (
	baseMu sync.RWMutex
	base   *zap.Logger
)

// Configure installs the process logger used by NewComponentLogger. Loggers
// created before the call keep their previous backend.
func Configure(cfg Config) {
	logger := Build(cfg)
	baseMu.Lock()
	base = logger
	baseMu.Unlock()
}

// Build constructs a zap logger from cfg without installing it.
func Build(cfg Config) *zap.Logger {
	level := zapcore.InfoLevel
	switch strings.ToLower(strings.TrimSpace(cfg.Level)) {
	case "debug":
		level = zapcore.DebugLevel
	case "warn", "warning":
		level = zapcore.WarnLevel
	case "error":
		level = zapcore.ErrorLevel
	}

	output := cfg.Output
	if output == nil {
		output = os.Stderr
	}

	encoderCfg := zap.NewProductionEncoderConfig()
	encoderCfg.TimeKey = "ts"
	encoderCfg.EncodeTime = zapcore.ISO8601TimeEncoder

	var encoder zapcore.Encoder
	if strings.EqualFold(cfg.Format, "json") {
		encoder = zapcore.NewJSONEncoder(encoderCfg)
	} else {
		encoderCfg.EncodeLevel = zapcore.CapitalLevelEncoder
		encoder = zapcore.NewConsoleEncoder(encoderCfg)
	}

	core := zapcore.NewCore(encoder, zapcore.AddSync(output), level)
	return zap.New(core, zap.AddCaller(), zap.AddCallerSkip(1))
}

func currentBase() *zap.Logger {
	baseMu.RLock()
	logger := base
	baseMu.RUnlock()
	if logger != nil {
		return logger
	}
	baseMu.Lock()
	defer baseMu.Unlock()
	if base == nil {
		base = Build(Config{Level: "info", Format: "console"})
	}
	return base
}

type zapComponentLogger struct {
	sugar *zap.SugaredLogger
}

// FromZap adapts an existing zap logger to the printf Logger contract.
func FromZap(logger *zap.Logger, component string) Logger {
	if logger == nil {
		return Nop()
	}
	return newZapComponentLogger(logger, component)
}

func newZapComponentLogger(logger *zap.Logger, component string) Logger {
	if component != "" {
		logger = logger.With(zap.String("component", component))
	}
	return &zapComponentLogger{sugar: logger.Sugar()}
}

func (l *zapComponentLogger) Debug(format string, args ...any) {
	l.sugar.Debug(sanitize(format, args...))
}

func (l *zapComponentLogger) Info(format string, args ...any) {
	l.sugar.Info(sanitize(format, args...))
}

func (l *zapComponentLogger) Warn(format string, args ...any) {
	l.sugar.Warn(sanitize(format, args...))
}

func (l *zapComponentLogger) Error(format string, args ...any) {
	l.sugar.Error(sanitize(format, args...))
}

func sanitize(format string, args ...any) string {
	return redaction.RedactLine(fmt.Sprintf(format, args...))
}
