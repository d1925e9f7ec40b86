package core

import (
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// logTimeLayout keeps worker tick logs readable when interleaved at high
// tick rates; sub-second precision is noise at the volumes this server logs.
const logTimeLayout = "2006-01-02 15:04:05"

// NewLogger builds the shared logger for the dispatcher, the workers, and
// the debug endpoints from the config's logging section. Per-connection
// events are logged at debug level, so production configs typically set
// log_level to info.
func NewLogger(cfg *Config) (*zap.SugaredLogger, error) {
	level, err := zapcore.ParseLevel(cfg.Logging.LogLevel)
	if err != nil {
		return nil, fmt.Errorf("parsing log level: %w", err)
	}

	logConfig := zap.NewDevelopmentConfig()
	logConfig.Level = zap.NewAtomicLevelAt(level)
	if cfg.Logging.LogFilePath != "" {
		logConfig.OutputPaths = []string{cfg.Logging.LogFilePath}
	}
	logConfig.DisableCaller = !cfg.Logging.IncludeCaller

	logConfig.EncoderConfig = zap.NewDevelopmentEncoderConfig()
	logConfig.EncoderConfig.EncodeTime = zapcore.TimeEncoderOfLayout(logTimeLayout)
	logConfig.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder

	logger, err := logConfig.Build()
	if err != nil {
		return nil, fmt.Errorf("building logger: %w", err)
	}

	return logger.Sugar(), nil
}
