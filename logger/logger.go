package logger

import (
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/isdmx/codestation/config"
)

// Option adjusts the zap configuration before the logger is built
type Option func(*zap.Config)

// WithEncoding overrides the mode's encoder ("json" or "console")
func WithEncoding(encoding string) Option {
	return func(cfg *zap.Config) {
		if encoding != "" {
			cfg.Encoding = encoding
		}
	}
}

// WithOutputPaths overrides where log entries are written
func WithOutputPaths(paths ...string) Option {
	return func(cfg *zap.Config) {
		if len(paths) > 0 {
			cfg.OutputPaths = paths
		}
	}
}

// NewFromConfig builds the logger described by cfg.Logging. Output always goes
// to stderr so an MCP stdio session keeps stdout to itself.
func NewFromConfig(cfg *config.Config) (*zap.Logger, error) {
	logger, err := New(cfg.Logging.Mode, cfg.Logging.Level,
		WithEncoding(cfg.Logging.Encoding),
		WithOutputPaths("stderr"),
	)
	if err != nil {
		return nil, err
	}
	return logger.With(zap.String("service", "codestation")), nil
}

// New creates a new logger instance based on configuration
func New(mode, level string, opts ...Option) (*zap.Logger, error) {
	var cfg zap.Config

	switch mode {
	case "development":
		cfg = zap.NewDevelopmentConfig()
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	case "production":
		cfg = zap.NewProductionConfig()
		cfg.EncoderConfig.TimeKey = "timestamp"
		cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	default:
		return nil, fmt.Errorf("invalid logging mode: %s, must be 'production' or 'development'", mode)
	}

	// Set the log level
	logLevel, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("invalid logging level: %s, must be one of 'debug', 'info', 'warn', 'error', 'dpanic', 'panic', 'fatal'", level)
	}
	cfg.Level = zap.NewAtomicLevelAt(logLevel)

	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.Encoding == "json" {
		// color codes only make sense on a console
		cfg.EncoderConfig.EncodeLevel = zapcore.LowercaseLevelEncoder
	}

	return cfg.Build()
}
