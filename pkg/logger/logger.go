package logger

import (
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	mu    sync.RWMutex
	Log   = zap.NewNop()
	sugar = Log.Sugar()
)

// Init initializes the global logger from BATCHOPS_LOG_LEVEL and
// BATCHOPS_LOG_SINK.
func Init() error {
	return InitWithLevel("")
}

// InitWithLevel initializes the global logger but honors the provided
// level ("debug", "info", "warn", "error"). If level is empty the
// BATCHOPS_LOG_LEVEL env var is used.
func InitWithLevel(level string) error {
	lvl := strings.TrimSpace(level)
	if lvl == "" {
		lvl = os.Getenv("BATCHOPS_LOG_LEVEL")
	}

	// e.g. "file:/path/to/log"
	out := "stdout"
	if sink := os.Getenv("BATCHOPS_LOG_SINK"); strings.HasPrefix(sink, "file:") {
		out = strings.TrimPrefix(sink, "file:")
	}

	encoderConfig := zap.NewProductionEncoderConfig()
	encoderConfig.TimeKey = "timestamp"
	encoderConfig.MessageKey = "event"
	encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	cfg := zap.Config{
		Level:            zap.NewAtomicLevelAt(ParseLevel(lvl)),
		Encoding:         "json",
		EncoderConfig:    encoderConfig,
		OutputPaths:      []string{out},
		ErrorOutputPaths: []string{"stderr"},
	}
	l, err := cfg.Build(zap.AddStacktrace(zapcore.ErrorLevel))
	if err != nil {
		return errors.Wrapf(err, "build logger for %s", out)
	}
	Set(l)
	return nil
}

// ParseLevel maps a level name to a zap level, defaulting to info.
func ParseLevel(level string) zapcore.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return zapcore.DebugLevel
	case "warn", "warning":
		return zapcore.WarnLevel
	case "error":
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

// Set replaces the global logger. Tests use it to observe output.
func Set(l *zap.Logger) {
	mu.Lock()
	defer mu.Unlock()
	Log = l
	sugar = l.Sugar()
}

// L returns the global logger, for components that take an injected one.
func L() *zap.Logger {
	mu.RLock()
	defer mu.RUnlock()
	return Log
}

// Named returns the global logger tagged with a component name.
func Named(component string) *zap.Logger {
	return L().With(zap.String("component", component))
}

func s() *zap.SugaredLogger {
	mu.RLock()
	defer mu.RUnlock()
	return sugar
}

// Sync flushes any buffered logs.
func Sync() {
	_ = L().Sync()
}

// Debug logs an event with key/value pairs.
func Debug(event string, kv ...interface{}) { s().Debugw(event, kv...) }

// Info logs an event with key/value pairs.
func Info(event string, kv ...interface{}) { s().Infow(event, kv...) }

// Warn logs an event with key/value pairs.
func Warn(event string, kv ...interface{}) { s().Warnw(event, kv...) }

// Error logs an event with key/value pairs.
func Error(event string, kv ...interface{}) { s().Errorw(event, kv...) }

// LogConfigSummary prints a human-friendly, hyphenated list of configuration
// results to stdout. The block is printed regardless of the configured level
// so startup config dumps stay visible.
func LogConfigSummary(title string, items []string) {
	if len(items) == 0 {
		return
	}
	human := strings.ReplaceAll(title, "_", " ")
	if human != "" {
		human = strings.ToUpper(human[:1]) + human[1:]
	}
	header := "== " + human + " "
	// pad header to a fixed width for visual separation
	const width = 60
	if len(header) < width {
		header = header + strings.Repeat("=", width-len(header))
	}
	fmt.Fprintln(os.Stdout, header)
	for _, it := range items {
		fmt.Fprintln(os.Stdout, "- "+it)
	}
	fmt.Fprintln(os.Stdout)
}
