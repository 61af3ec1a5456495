// Package logger is the engine's structured-logging layer over zap.
//
// Components receive a *Logger at construction and derive field-scoped
// children with WithFields; there is no package-level default. The level,
// encoding, and sink come from LoggingConfig, which the config package
// populates (including picking JSON vs console for the environment).
package logger

import (
	"fmt"
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// LoggingConfig selects the level, encoding, and sink for a new Logger.
type LoggingConfig struct {
	Level      string // debug, info, warn, or error; anything else falls back to info
	Format     string // "json" or "text" ("console" is accepted as an alias for text)
	OutputPath string // "stdout", "stderr", or a file path
}

// Logger is a leveled, field-structured logger. Construct one with
// NewLogger; the zero value is not usable.
type Logger struct {
	zl *zap.Logger
}

// NewLogger builds a Logger from cfg. File sinks are opened in append mode
// so an engine restart does not truncate the previous run's log.
func NewLogger(cfg LoggingConfig) (*Logger, error) {
	sink, err := openSink(cfg.OutputPath)
	if err != nil {
		return nil, fmt.Errorf("opening log sink %q: %w", cfg.OutputPath, err)
	}
	core := zapcore.NewCore(newEncoder(cfg.Format), sink, levelOf(cfg.Level))
	// Skip the wrapper frame so caller= points at the call site, not at
	// this package.
	zl := zap.New(core,
		zap.AddCaller(),
		zap.AddCallerSkip(1),
		zap.AddStacktrace(zapcore.ErrorLevel),
	)
	return &Logger{zl: zl}, nil
}

func levelOf(s string) zapcore.Level {
	var lvl zapcore.Level
	if err := lvl.UnmarshalText([]byte(s)); err != nil {
		return zapcore.InfoLevel
	}
	return lvl
}

func newEncoder(format string) zapcore.Encoder {
	ec := zap.NewProductionEncoderConfig()
	ec.TimeKey = "timestamp"
	ec.EncodeTime = zapcore.ISO8601TimeEncoder
	switch format {
	case "text", "console":
		ec.EncodeLevel = zapcore.CapitalColorLevelEncoder
		return zapcore.NewConsoleEncoder(ec)
	default:
		ec.EncodeLevel = zapcore.LowercaseLevelEncoder
		return zapcore.NewJSONEncoder(ec)
	}
}

func openSink(path string) (zapcore.WriteSyncer, error) {
	switch path {
	case "", "stdout":
		return zapcore.AddSync(os.Stdout), nil
	case "stderr":
		return zapcore.AddSync(os.Stderr), nil
	default:
		f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
		if err != nil {
			return nil, err
		}
		return zapcore.AddSync(f), nil
	}
}

// WithFields returns a child Logger that carries the given fields on every
// entry it writes.
func (l *Logger) WithFields(fields ...zap.Field) *Logger {
	return &Logger{zl: l.zl.With(fields...)}
}

// Sync flushes any buffered entries.
func (l *Logger) Sync() error {
	return l.zl.Sync()
}

// Debug logs a message at debug level.
func (l *Logger) Debug(msg string, fields ...zap.Field) {
	l.zl.Debug(msg, fields...)
}

// Info logs a message at info level.
func (l *Logger) Info(msg string, fields ...zap.Field) {
	l.zl.Info(msg, fields...)
}

// Warn logs a message at warn level.
func (l *Logger) Warn(msg string, fields ...zap.Field) {
	l.zl.Warn(msg, fields...)
}

// Error logs a message at error level.
func (l *Logger) Error(msg string, fields ...zap.Field) {
	l.zl.Error(msg, fields...)
}

// Fatal logs a message at fatal level and exits the process.
func (l *Logger) Fatal(msg string, fields ...zap.Field) {
	l.zl.Fatal(msg, fields...)
}
