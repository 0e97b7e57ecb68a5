package task

import (
	"context"
	"fmt"
	"time"

	"rewards-core/pkg/config"

	"github.com/hibiken/asynq"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Periodic is a task enqueued on a fixed interval by the asynq scheduler.
type Periodic struct {
	Every time.Duration
	Task  *asynq.Task
	Opts  []asynq.Option
}

// CronSpec renders the interval in the scheduler's @every syntax.
func (p Periodic) CronSpec() string {
	return fmt.Sprintf("@every %s", p.Every)
}

// PeriodicResult lets service modules contribute periodic tasks.
type PeriodicResult struct {
	fx.Out
	Task Periodic `group:"periodic_tasks"`
}

var Scheduler = fx.Module("asynq:scheduler",
	fx.Invoke(registerScheduler),
)

type schedulerParams struct {
	fx.In
	Lifecycle fx.Lifecycle
	Config    *config.Config
	Tasks     []Periodic `group:"periodic_tasks"`
}

func registerScheduler(p schedulerParams) error {
	scheduler := asynq.NewScheduler(
		asynq.RedisClientOpt{
			Addr:     p.Config.Redis.Addr,
			Password: p.Config.Redis.Password,
			DB:       p.Config.Redis.DB,
		},
		&asynq.SchedulerOpts{
			Location: p.Config.Location(),
		},
	)

	for _, t := range p.Tasks {
		id, err := scheduler.Register(t.CronSpec(), t.Task, t.Opts...)
		if err != nil {
			zap.L().Error("[Asynq] failed to register periodic task", zap.String("task_type", t.Task.Type()), zap.Error(err))
			return err
		}
		zap.L().Info("[Asynq] periodic task registered",
			zap.String("task_type", t.Task.Type()),
			zap.String("spec", t.CronSpec()),
			zap.String("entry_id", id))
	}

	p.Lifecycle.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			return scheduler.Start()
		},
		OnStop: func(ctx context.Context) error {
			scheduler.Shutdown()
			return nil
		},
	})
	return nil
}
