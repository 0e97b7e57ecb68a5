package reconcile

import (
	"context"
	"time"

	"rewards-core/pkg/config"
	"rewards-core/pkg/connectivity"
	"rewards-core/pkg/task"
	"rewards-core/pkg/taskname"

	"github.com/gin-gonic/gin"
	"github.com/hibiken/asynq"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("reconcile.service",
	fx.Provide(NewQueue, NewReconciler),
	fx.Invoke(recoverOnStart),
)

// Scheduling runs the in-process drain loop.
var Scheduling = fx.Module("reconcile.scheduler",
	fx.Invoke(runScheduler),
)

var Gateway = fx.Module("reconcile.gateway",
	fx.Provide(NewHandler),
	fx.Invoke(registerRoutes),
)

// Worker serves drain tasks from asynq and schedules them periodically.
var Worker = fx.Module("reconcile.worker",
	fx.Provide(periodicDrain),
	fx.Invoke(registerTaskHandlers),
)

func recoverOnStart(lc fx.Lifecycle, q *Queue) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			_, err := q.RecoverInFlight(ctx)
			return err
		},
	})
}

type schedulerParams struct {
	fx.In
	Lifecycle  fx.Lifecycle
	Config     *config.Config
	Reconciler *Reconciler
	Oracle     connectivity.Oracle
	Monitor    *connectivity.Monitor `optional:"true"`
}

func runScheduler(p schedulerParams) {
	var notifier Notifier
	if p.Monitor != nil {
		notifier = p.Monitor
	}
	s := NewScheduler(p.Reconciler, p.Oracle, notifier, p.Config.Sync.Interval)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	p.Lifecycle.Append(fx.Hook{
		OnStart: func(context.Context) error {
			go func() {
				defer close(done)
				s.Run(ctx)
			}()
			zap.L().Info("sync scheduler started", zap.Duration("interval", s.interval))
			return nil
		},
		OnStop: func(stopCtx context.Context) error {
			cancel()
			select {
			case <-done:
			case <-stopCtx.Done():
			}
			return nil
		},
	})
}

func registerTaskHandlers(mux *asynq.ServeMux, r *Reconciler) {
	mux.HandleFunc(taskname.SyncDrain, r.HandleDrainTask)
}

func periodicDrain(cfg *config.Config) task.PeriodicResult {
	interval := cfg.Sync.Interval
	if interval <= 0 {
		interval = time.Minute
	}
	t, opts := task.NewSyncDrainTask(interval)
	return task.PeriodicResult{
		Task: task.Periodic{Every: interval, Task: t, Opts: opts},
	}
}

type routeParams struct {
	fx.In
	Engine  *gin.Engine
	Handler *HTTPHandler
}

func registerRoutes(p routeParams) {
	v1 := p.Engine.Group("/v1/sync")
	v1.POST("", p.Handler.SyncNow)
	v1.GET("/stats", p.Handler.Stats)
	v1.GET("/dead", p.Handler.ListDead)
	v1.DELETE("/dead", p.Handler.PurgeDead)
	v1.POST("/dead/:id/requeue", p.Handler.Requeue)
	v1.DELETE("/entries/:id", p.Handler.Abandon)
}
