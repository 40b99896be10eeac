package cmd

import (
	"fmt"
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/steroidsdev/steroids/internal/config"
	"github.com/steroidsdev/steroids/internal/hooks"
)

// buildLogger constructs the zap logger shared by every steroids process
// (runner, wakeup, api): JSON to stderr by default, or to cfg.File when set
// (the "--detach" runner mode, since a detached process has no terminal to
// write to).
func buildLogger(cfg config.LogConfig) (*zap.Logger, error) {
	var level zapcore.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		level = zapcore.InfoLevel
	}

	encoderCfg := zap.NewProductionEncoderConfig()
	encoderCfg.TimeKey = "ts"
	encoderCfg.EncodeTime = zapcore.ISO8601TimeEncoder

	out := zapcore.Lock(os.Stderr)
	if cfg.File != "" {
		f, err := os.OpenFile(cfg.File, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
		if err != nil {
			return nil, fmt.Errorf("open log file %s: %w", cfg.File, err)
		}
		out = zapcore.Lock(zapcore.AddSync(f))
	}

	core := zapcore.NewCore(zapcore.NewJSONEncoder(encoderCfg), out, level)
	return zap.New(core), nil
}

// buildDispatcher wires the log sink (always on) plus one webhook sink per
// configured URL (spec.md §6's hook delivery).
func buildDispatcher(cfg *config.Config, logger *zap.Logger) *hooks.Dispatcher {
	sinks := []hooks.Sink{hooks.NewLogSink(logger)}
	for _, url := range cfg.Hooks.WebhookURLs {
		sinks = append(sinks, hooks.NewWebhookSink(url))
	}
	return hooks.NewDispatcher(logger, sinks...)
}
