package logger

import (
	"context"
	"fmt"

	"rewards-core/pkg/config"

	"go.uber.org/fx"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Module provides the process logger. It also becomes the zap global, which
// is what the services log through.
var Module = fx.Module("zap",
	fx.Provide(New),
	fx.Invoke(syncOnStop),
)

type ConfigParams struct {
	fx.In
	Cfg *config.Config
}

func productionEncoder() zapcore.EncoderConfig {
	enc := zap.NewProductionEncoderConfig()
	enc.TimeKey = "timestamp"
	enc.EncodeTime = zapcore.ISO8601TimeEncoder
	enc.LevelKey = "severity"
	enc.EncodeLevel = zapcore.CapitalLevelEncoder
	enc.CallerKey = "caller"
	enc.EncodeCaller = zapcore.ShortCallerEncoder
	enc.StacktraceKey = "stacktrace"
	return enc
}

// New builds a JSON logger in production and a console logger elsewhere.
// LOG_LEVEL overrides the environment's default level. Every line carries the
// snowflake node so entries written by different devices can be told apart.
func New(p ConfigParams) (*zap.Logger, error) {
	cfg := p.Cfg
	if cfg == nil {
		cfg = &config.Config{}
	}

	zc := zap.NewDevelopmentConfig()
	if cfg.AppEnv == "production" {
		zc = zap.NewProductionConfig()
		zc.EncoderConfig = productionEncoder()
		zc.OutputPaths = []string{"stdout"}
		zc.ErrorOutputPaths = []string{"stderr"}
	}

	if cfg.LogLevel != "" {
		lvl, err := zapcore.ParseLevel(cfg.LogLevel)
		if err != nil {
			return nil, fmt.Errorf("invalid LOG_LEVEL %q: %w", cfg.LogLevel, err)
		}
		zc.Level = zap.NewAtomicLevelAt(lvl)
	}

	log, err := zc.Build()
	if err != nil {
		return nil, err
	}

	log = log.With(
		zap.String("env", cfg.AppEnv),
		zap.String("service_name", cfg.AppName),
		zap.Int64("node_id", cfg.NodeID),
	)
	zap.ReplaceGlobals(log)

	return log, nil
}

func syncOnStop(lc fx.Lifecycle, log *zap.Logger) {
	lc.Append(fx.Hook{
		OnStop: func(context.Context) error {
			// Sync on a console fd reports EINVAL on some platforms.
			_ = log.Sync()
			return nil
		},
	})
}
