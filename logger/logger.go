package logger

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Log is a no-op logger until Init is called, so packages can log freely in tests.
var Log = zap.NewNop().Sugar()

// Init builds the process logger. development switches to the console encoder.
func Init(level string, development bool) {
	cfg := zap.NewProductionConfig()
	if development {
		cfg = zap.NewDevelopmentConfig()
	}

	if level != "" {
		lvl, err := zapcore.ParseLevel(level)
		if err != nil {
			panic("invalid log level " + level + ": " + err.Error())
		}
		cfg.Level = zap.NewAtomicLevelAt(lvl)
	}

	logger, err := cfg.Build()
	if err != nil {
		panic("failed to initialize zap logger: " + err.Error())
	}
	Log = logger.Sugar()
}

// Sync flushes buffered entries.
func Sync() {
	_ = Log.Sync()
}
