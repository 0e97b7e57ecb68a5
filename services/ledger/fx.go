package ledger

import (
	"rewards-core/services/redemption"

	"github.com/gin-gonic/gin"
	"go.uber.org/fx"
)

var Module = fx.Module("ledger.service",
	fx.Provide(
		NewService,
		provideBalanceReader,
		provideSyncHandlers,
	),
)

var Gateway = fx.Module("ledger.gateway",
	fx.Provide(NewHandler),
	fx.Invoke(registerRoutes),
)

func provideBalanceReader(s *Service) redemption.BalanceReader {
	return s
}

type routeParams struct {
	fx.In
	Engine  *gin.Engine
	Handler *Handler
}

func registerRoutes(p routeParams) {
	v1 := p.Engine.Group("/v1")

	users := v1.Group("/users/:user_id")
	users.GET("/points", p.Handler.AvailablePoints)
	users.GET("/points/daily", p.Handler.DailyPoints)
	users.GET("/rewards", p.Handler.ListRewardEntries)
	users.DELETE("/rewards/:id", p.Handler.DeleteRewardEntry)
	users.POST("/rewards/resync", p.Handler.Resync)

	v1.POST("/rewards", p.Handler.RecordRewardEntry)
}
