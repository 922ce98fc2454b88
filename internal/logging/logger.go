// Package logging builds the zap logger shared by the crawl session,
// the lock service and the HTTP surface.
package logging

import (
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// New builds the process logger. Development mode gets colored console
// output for local crawl runs; production mode emits JSON with
// stacktraces for the pipeline's log ingestion.
func New(development bool) (*zap.Logger, error) {
	logger, err := buildConfig(development).Build()
	if err != nil {
		return nil, fmt.Errorf("build logger: %w", err)
	}
	return logger, nil
}

func buildConfig(development bool) zap.Config {
	if development {
		cfg := zap.NewDevelopmentConfig()
		cfg.EncoderConfig.TimeKey = "ts"
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
		return cfg
	}
	cfg := zap.NewProductionConfig()
	cfg.DisableStacktrace = false
	cfg.EncoderConfig.TimeKey = "ts"
	return cfg
}
