// Package observability holds the structured logger, the Sentry hookup, and
// the outermost HTTP middleware (request logging, panic recovery, security
// headers).
package observability

import (
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// LoggerConfig selects the log level and output encoding.
type LoggerConfig struct {
	Level       string
	Environment string
}

// NewLogger builds a zap logger. Development environments get the
// human-readable console encoder; everything else logs JSON to stdout with
// ISO8601 timestamps.
func NewLogger(cfg LoggerConfig) *zap.Logger {
	level := levelFromString(cfg.Level)

	if cfg.Environment == "development" {
		devCfg := zap.NewDevelopmentConfig()
		devCfg.Level = zap.NewAtomicLevelAt(level)
		logger, err := devCfg.Build()
		if err != nil {
			return zap.NewNop()
		}
		return logger
	}

	encoderCfg := zap.NewProductionEncoderConfig()
	encoderCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	core := zapcore.NewCore(zapcore.NewJSONEncoder(encoderCfg), zapcore.AddSync(os.Stdout), level)
	return zap.New(core, zap.AddStacktrace(zapcore.ErrorLevel))
}

func levelFromString(raw string) zapcore.Level {
	switch raw {
	case "debug":
		return zapcore.DebugLevel
	case "info", "":
		return zapcore.InfoLevel
	case "warn", "warning":
		return zapcore.WarnLevel
	case "error":
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}
