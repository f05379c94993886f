package logging

import (
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	logger *zap.Logger
	once   sync.Once
)

// Init builds the process-wide logger. format is "json" or "console",
// level is a zap level name ("debug", "info", ...). Safe to call more
// than once; only the first call takes effect.
func Init(level, format string) *zap.Logger {
	once.Do(func() {
		cfg := zap.NewProductionConfig()
		cfg.EncoderConfig.TimeKey = "timestamp"
		cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
		cfg.DisableStacktrace = true

		if format != "json" {
			cfg.Encoding = "console"
			cfg.EncoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder
		}

		if lvl, err := zapcore.ParseLevel(level); err == nil {
			cfg.Level = zap.NewAtomicLevelAt(lvl)
		}

		cfg.OutputPaths = []string{"stdout"}
		cfg.ErrorOutputPaths = []string{"stderr"}

		var err error
		logger, err = cfg.Build()
		if err != nil {
			panic("failed to initialize logger: " + err.Error())
		}
		zap.ReplaceGlobals(logger)
	})
	return logger
}

// L returns the process logger, initializing a default one if Init was
// never called (tests, mostly).
func L() *zap.Logger {
	if logger == nil {
		return Init("info", "console")
	}
	return logger
}

// Sync flushes buffered log entries. Called from main on exit.
func Sync() {
	if logger != nil {
		_ = logger.Sync()
	}
}
