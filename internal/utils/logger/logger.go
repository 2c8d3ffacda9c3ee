package logger

import (
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	mu      sync.Mutex
	sugared *zap.SugaredLogger
	verbose bool
)

// Logger returns the process-wide sugared logger, building it on first use.
func Logger() *zap.SugaredLogger {
	mu.Lock()
	defer mu.Unlock()
	if sugared == nil {
		sugared = build(verbose)
	}
	return sugared
}

// SetVerbose switches the logger to debug level. Safe to call before or
// after the first Logger() call.
func SetVerbose(v bool) {
	mu.Lock()
	defer mu.Unlock()
	verbose = v
	sugared = build(verbose)
}

func build(debug bool) *zap.SugaredLogger {
	cfg := zap.NewProductionConfig()
	cfg.Encoding = "console"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	cfg.EncoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder
	cfg.DisableStacktrace = true
	if debug {
		cfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
	} else {
		cfg.Level = zap.NewAtomicLevelAt(zapcore.InfoLevel)
	}
	l, err := cfg.Build()
	if err != nil {
		// console config with no custom sinks cannot fail; fall back anyway
		l = zap.NewNop()
	}
	return l.Sugar()
}
