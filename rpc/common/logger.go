// Package common provides the shared building blocks of the RPC system:
// server configuration, the error taxonomy, per-call context propagation,
// hostname canonicalization and logging.
package common

import (
	"fmt"
	"os"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// --------------------------------------------------------------------------
// Named logger factory
// --------------------------------------------------------------------------

var (
	loggerMu   sync.Mutex
	loggerRoot *zap.Logger
	logLevel   = zap.NewAtomicLevelAt(zapcore.InfoLevel)
)

// GetLogger returns a named logger for the given package. All loggers share
// one level, controlled by InitLoggers.
func GetLogger(pkgName string) *zap.SugaredLogger {
	loggerMu.Lock()
	defer loggerMu.Unlock()

	if loggerRoot == nil {
		encCfg := zap.NewProductionEncoderConfig()
		encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
		encCfg.EncodeLevel = zapcore.CapitalLevelEncoder

		core := zapcore.NewCore(
			zapcore.NewConsoleEncoder(encCfg),
			zapcore.Lock(os.Stdout),
			logLevel,
		)
		loggerRoot = zap.New(core)
	}

	return loggerRoot.Named(pkgName).Sugar()
}

// InitLoggers sets the level for all named loggers. Valid levels are
// debug, info, warn and error.
func InitLoggers(level string) error {
	parsed, err := zapcore.ParseLevel(level)
	if err != nil {
		return fmt.Errorf("invalid log level: %s. must be one of debug, info, warn, error", level)
	}
	logLevel.SetLevel(parsed)
	return nil
}
