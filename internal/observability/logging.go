// Package observability owns the process-wide logger.
package observability

import (
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// CLILogger is the shared logger for command-line entry points. It starts
// as a console logger at info level; Init reconfigures it from loaded
// config.
var CLILogger = mustConsoleLogger(zapcore.InfoLevel)

// Init reconfigures CLILogger. Level is a zap level name ("debug", "info",
// "warn", "error"); format is "console" or "json".
func Init(level, format string) error {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return fmt.Errorf("parse log level %q: %w", level, err)
	}

	var cfg zap.Config
	switch format {
	case "", "console":
		cfg = consoleConfig(lvl)
	case "json":
		cfg = zap.NewProductionConfig()
		cfg.Level = zap.NewAtomicLevelAt(lvl)
	default:
		return fmt.Errorf("unknown log format %q", format)
	}

	log, err := cfg.Build()
	if err != nil {
		return fmt.Errorf("build logger: %w", err)
	}
	CLILogger = log
	return nil
}

// Sync flushes buffered log entries. Safe to call at process exit.
func Sync() {
	_ = CLILogger.Sync()
}

func consoleConfig(lvl zapcore.Level) zap.Config {
	cfg := zap.NewDevelopmentConfig()
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	cfg.DisableStacktrace = true
	cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	return cfg
}

func mustConsoleLogger(lvl zapcore.Level) *zap.Logger {
	log, err := consoleConfig(lvl).Build()
	if err != nil {
		panic(err)
	}
	return log
}
