package health

import (
	"context"
	"net/http"
	"time"

	"rewards-core/pkg/connectivity"

	"github.com/gin-gonic/gin"
	"go.uber.org/fx"
	"gorm.io/gorm"
)

var Module = fx.Module("health", fx.Provide(ProvideHealth))

const (
	statusHealthy   = "healthy"
	statusUnhealthy = "unhealthy"
	statusDegraded  = "degraded"
)

type Dependency struct {
	Name    string `json:"name"`
	Status  string `json:"status"`
	Message string `json:"message"`
}

type Health struct {
	Status  string       `json:"status"`
	Message string       `json:"message"`
	Deps    []Dependency `json:"deps"`
}

type HealthService interface {
	Liveness(c *gin.Context)
	Readiness(c *gin.Context)
}

type health struct {
	db     *gorm.DB
	oracle connectivity.Oracle
}

type HealthParams struct {
	fx.In
	DB     *gorm.DB            `optional:"true"`
	Oracle connectivity.Oracle `optional:"true"`
}

func ProvideHealth(p HealthParams) HealthService {
	return &health{
		db:     p.DB,
		oracle: p.Oracle,
	}
}

func (h *health) Liveness(c *gin.Context) {
	c.JSON(http.StatusOK, &Health{
		Status:  statusHealthy,
		Message: "OK",
	})
}

// Readiness fails only when the local store is unusable. Losing the remote
// store degrades the report; the service keeps working offline.
func (h *health) Readiness(c *gin.Context) {
	this := &Health{
		Status:  statusHealthy,
		Message: "OK",
		Deps:    make([]Dependency, 0, 2),
	}
	code := http.StatusOK

	if h.db != nil {
		dep := Dependency{Name: "local_store", Status: statusHealthy, Message: "OK"}

		ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer cancel()

		sqlDB, err := h.db.DB()
		if err == nil {
			err = sqlDB.PingContext(ctx)
		}
		if err != nil {
			dep.Status = statusUnhealthy
			dep.Message = err.Error()
			this.Status = statusUnhealthy
			this.Message = "local store unavailable"
			code = http.StatusServiceUnavailable
		}

		this.Deps = append(this.Deps, dep)
	}

	if h.oracle != nil {
		dep := Dependency{Name: "remote_store", Status: statusHealthy, Message: "online"}
		if !h.oracle.Online() {
			dep.Status = statusDegraded
			dep.Message = "offline, mutations are queued"
			if this.Status == statusHealthy {
				this.Status = statusDegraded
				this.Message = "running offline"
			}
		}
		this.Deps = append(this.Deps, dep)
	}

	c.JSON(code, this)
}
