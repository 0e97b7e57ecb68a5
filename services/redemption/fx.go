package redemption

import (
	"time"

	"rewards-core/pkg/task"
	"rewards-core/pkg/taskname"

	"github.com/gin-gonic/gin"
	"github.com/hibiken/asynq"
	"go.uber.org/fx"
)

const (
	expireInterval  = time.Hour
	refreshInterval = 6 * time.Hour
)

var Module = fx.Module("redemption.service",
	fx.Provide(
		NewService,
		provideSyncHandler,
	),
)

var Gateway = fx.Module("redemption.gateway",
	fx.Provide(NewHandler),
	fx.Invoke(registerRoutes),
)

var Worker = fx.Module("redemption.worker",
	fx.Provide(
		periodicExpire,
		periodicRefresh,
	),
	fx.Invoke(registerTaskHandlers),
)

func registerTaskHandlers(mux *asynq.ServeMux, s *Service) {
	mux.HandleFunc(taskname.RedemptionExpire, s.HandleExpireTask)
	mux.HandleFunc(taskname.RedemptionOptionsRefresh, s.HandleRefreshTask)
}

func periodicExpire() task.PeriodicResult {
	t, opts := task.NewRedemptionExpireTask()
	return task.PeriodicResult{Task: task.Periodic{Every: expireInterval, Task: t, Opts: opts}}
}

func periodicRefresh() task.PeriodicResult {
	t, opts := task.NewOptionsRefreshTask()
	return task.PeriodicResult{Task: task.Periodic{Every: refreshInterval, Task: t, Opts: opts}}
}

type routeParams struct {
	fx.In
	Engine  *gin.Engine
	Handler *Handler
}

func registerRoutes(p routeParams) {
	v1 := p.Engine.Group("/v1")

	redemptions := v1.Group("/redemptions")
	redemptions.POST("/validate", p.Handler.Validate)
	redemptions.POST("", p.Handler.Redeem)
	redemptions.GET("/:id", p.Handler.Get)
	redemptions.POST("/:id/cancel", p.Handler.Cancel)
	redemptions.POST("/:id/status", p.Handler.UpdateStatus)

	v1.GET("/users/:user_id/redemptions", p.Handler.History)

	v1.GET("/families/:family_id/options", p.Handler.ListOptions)
	v1.POST("/families/:family_id/options/refresh", p.Handler.RefreshOptions)
}
