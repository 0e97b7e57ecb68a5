package main

import (
	"log"

	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"

	"rewards-core/pkg/config"
	"rewards-core/pkg/connectivity"
	"rewards-core/pkg/db"
	"rewards-core/pkg/gen"
	"rewards-core/pkg/lock"
	"rewards-core/pkg/logger"
	"rewards-core/pkg/otelcol"
	"rewards-core/pkg/remote"
	"rewards-core/pkg/task"
	"rewards-core/services/ledger"
	"rewards-core/services/reconcile"
	"rewards-core/services/redemption"
)

// The worker drains the sync queue and runs redemption housekeeping from
// asynq tasks. It shares the database with the API process, which owns
// migrations.
func main() {
	opts := []fx.Option{
		config.Module,
		logger.Module,
		otelcol.Module,
		db.Module,
		gen.Module,
		lock.Module,
		remote.Module,
		fx.Provide(provideProber),
		connectivity.Module,
		task.Server,
		task.Scheduler,
		reconcile.Module,
		reconcile.Worker,
		ledger.Module,
		redemption.Module,
		redemption.Worker,
		fxLogger,
	}

	if err := fx.ValidateApp(opts...); err != nil {
		log.Fatalf("fx validation failed: %v", err)
	}

	fx.New(opts...).Run()
}

var fxLogger = fx.WithLogger(func(cfg *config.Config, logger *zap.Logger) fxevent.Logger {
	return fxevent.NopLogger
})

func provideProber(s remote.Store) connectivity.Prober {
	return s
}
