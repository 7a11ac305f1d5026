package logger

import (
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/isdmx/codegrader/config"
)

// ServiceName is attached to every entry written by NewFromConfig.
const ServiceName = "codegrader"

// NewFromConfig builds the application logger. Entries carry the service
// name and, when known, the host that wrote them, so logs from several
// workers sharing a queue can be told apart.
func NewFromConfig(cfg *config.Config) (*zap.Logger, error) {
	fields := []zap.Field{zap.String("service", ServiceName)}
	if cfg.System.Hostname != "" {
		fields = append(fields, zap.String("host", cfg.System.Hostname))
	}
	return New(cfg.Logging.Mode, cfg.Logging.Level, fields...)
}

// New creates a logger for mode and level. Output goes to stderr in both
// modes, which keeps stdout free for the MCP stdio transport.
func New(mode, level string, fields ...zap.Field) (*zap.Logger, error) {
	var cfg zap.Config

	switch mode {
	case "development":
		cfg = zap.NewDevelopmentConfig()
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	case "production":
		cfg = zap.NewProductionConfig()
		cfg.EncoderConfig.TimeKey = "timestamp"
		cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
		cfg.EncoderConfig.EncodeDuration = zapcore.StringDurationEncoder
	default:
		return nil, fmt.Errorf("invalid logging mode: %s, must be 'production' or 'development'", mode)
	}
	cfg.OutputPaths = []string{"stderr"}

	logLevel, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("invalid logging level: %s, must be one of 'debug', 'info', 'warn', 'error', 'dpanic', 'panic', 'fatal'", level)
	}
	cfg.Level = zap.NewAtomicLevelAt(logLevel)

	logger, err := cfg.Build()
	if err != nil {
		return nil, fmt.Errorf("failed to build logger: %w", err)
	}
	return logger.With(fields...), nil
}
