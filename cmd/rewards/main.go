package main

import (
	"log"

	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"rewards-core/pkg/config"
	"rewards-core/pkg/connectivity"
	"rewards-core/pkg/db"
	"rewards-core/pkg/gen"
	"rewards-core/pkg/httpapi"
	"rewards-core/pkg/lock"
	"rewards-core/pkg/logger"
	"rewards-core/pkg/otelcol"
	"rewards-core/pkg/profiling"
	"rewards-core/pkg/redis"
	"rewards-core/pkg/remote"
	"rewards-core/pkg/server"
	"rewards-core/pkg/task"
	"rewards-core/services/ledger"
	"rewards-core/services/reconcile"
	"rewards-core/services/redemption"
)

func main() {
	opts := []fx.Option{
		config.Module,
		logger.Module,
		otelcol.Module,
		profiling.Module,
		db.Module,
		gen.Module,
		lock.Module,
		remote.Module,
		fx.Provide(provideProber),
		connectivity.Module,
		redis.Module,
		task.Client,
		fx.Invoke(migrate),
		reconcile.Module,
		reconcile.Scheduling,
		reconcile.Gateway,
		ledger.Module,
		ledger.Gateway,
		redemption.Module,
		redemption.Gateway,
		server.ProvideHTTPServer,
		httpapi.Module,
		fxLogger,
	}

	if err := fx.ValidateApp(opts...); err != nil {
		log.Fatalf("fx validation failed: %v", err)
	}

	app := fx.New(opts...)

	app.Run()
}

var fxLogger = fx.WithLogger(func(cfg *config.Config, logger *zap.Logger) fxevent.Logger {
	return fxevent.NopLogger
})

// provideProber lets the connectivity monitor probe the remote store itself.
func provideProber(s remote.Store) connectivity.Prober {
	return s
}

func migrate(gdb *gorm.DB) error {
	return db.Migrate(gdb,
		&ledger.RewardEntry{},
		&redemption.RedemptionTransaction{},
		&redemption.RedemptionOption{},
		&reconcile.SyncQueueEntry{},
	)
}
