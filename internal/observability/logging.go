// Package observability owns process-wide logging. Commands use the
// shared CLILogger; long-running components receive a named child of it.
package observability

import (
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// CLILogger is the process logger. It is a nop until Init runs so early
// code paths can log unconditionally.
var CLILogger = zap.NewNop()

// Init builds the process logger at the given level. Structured JSON
// output; development switches to the console encoder.
func Init(level string, development bool) error {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return fmt.Errorf("parse log level %q: %w", level, err)
	}

	var cfg zap.Config
	if development {
		cfg = zap.NewDevelopmentConfig()
	} else {
		cfg = zap.NewProductionConfig()
	}
	cfg.Level = zap.NewAtomicLevelAt(lvl)

	logger, err := cfg.Build()
	if err != nil {
		return fmt.Errorf("build logger: %w", err)
	}
	CLILogger = logger
	return nil
}

// Sync flushes buffered log entries; called on process exit.
func Sync() {
	_ = CLILogger.Sync()
}
