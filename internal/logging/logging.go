// logging.go - process-wide structured logger.
// A zap sugared logger behind package-level functions so call sites stay
// one import away from logging. Initialize is called once from the CLI;
// everything before that falls back to a no-op logger so library code and
// tests never nil-check.
package logging

import (
	"sync/atomic"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var logger atomic.Pointer[zap.SugaredLogger]

func init() {
	logger.Store(zap.NewNop().Sugar())
}

// Initialize builds the global logger at the given level ("debug", "info",
// "warn", "error"). Unknown levels fall back to info. Output goes to stderr
// so stdio transports keep stdout clean.
func Initialize(level string) error {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		lvl = zapcore.InfoLevel
	}
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	cfg.OutputPaths = []string{"stderr"}
	cfg.ErrorOutputPaths = []string{"stderr"}
	l, err := cfg.Build()
	if err != nil {
		return err
	}
	logger.Store(l.Sugar())
	return nil
}

// Set replaces the global logger. Tests use this to capture output.
func Set(l *zap.SugaredLogger) { logger.Store(l) }

// Sync flushes buffered log entries. Best-effort at shutdown.
func Sync() { _ = logger.Load().Sync() }

func Debugf(format string, args ...any)       { logger.Load().Debugf(format, args...) }
func Infof(format string, args ...any)        { logger.Load().Infof(format, args...) }
func Warnf(format string, args ...any)        { logger.Load().Warnf(format, args...) }
func Errorf(format string, args ...any)       { logger.Load().Errorf(format, args...) }
func Debugw(msg string, keysAndValues ...any) { logger.Load().Debugw(msg, keysAndValues...) }
func Infow(msg string, keysAndValues ...any)  { logger.Load().Infow(msg, keysAndValues...) }
func Warnw(msg string, keysAndValues ...any)  { logger.Load().Warnw(msg, keysAndValues...) }
func Errorw(msg string, keysAndValues ...any) { logger.Load().Errorw(msg, keysAndValues...) }
