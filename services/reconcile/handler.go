package reconcile

import (
	"net/http"
	"time"

	"rewards-core/pkg/errutil"
	"rewards-core/pkg/task"

	"github.com/gin-gonic/gin"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

type HTTPHandler struct {
	reconciler *Reconciler
	enqueuer   task.Enqueuer
}

type HandlerParams struct {
	fx.In
	Reconciler *Reconciler
	Enqueuer   task.Enqueuer `optional:"true"`
}

func NewHandler(p HandlerParams) *HTTPHandler {
	return &HTTPHandler{reconciler: p.Reconciler, enqueuer: p.Enqueuer}
}

// SyncNow drains inline, or hands the drain to the worker with ?async=true.
func (h *HTTPHandler) SyncNow(c *gin.Context) {
	if c.Query("async") == "true" {
		if h.enqueuer == nil {
			_ = c.Error(errutil.NotImplemented("async sync requires the task client", nil))
			return
		}
		t, opts := task.NewSyncDrainTask(10 * time.Second)
		info, err := h.enqueuer.Enqueue(t, opts...)
		if err != nil {
			zap.L().Warn("failed to enqueue drain task", zap.Error(err))
			_ = c.Error(errutil.ServiceUnavailable("failed to schedule sync", err))
			return
		}
		c.JSON(http.StatusAccepted, gin.H{"task_id": info.ID, "queue": info.Queue})
		return
	}

	res, err := h.reconciler.SyncNow(c.Request.Context())
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (h *HTTPHandler) Stats(c *gin.Context) {
	stats, err := h.reconciler.Queue().Stats(c.Request.Context())
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": stats})
}

func (h *HTTPHandler) ListDead(c *gin.Context) {
	entries, err := h.reconciler.Queue().ListDead(c.Request.Context())
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": entries})
}

func (h *HTTPHandler) Requeue(c *gin.Context) {
	e, err := h.reconciler.Queue().Requeue(c.Request.Context(), c.Param("id"))
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, e)
}

func (h *HTTPHandler) Abandon(c *gin.Context) {
	if err := h.reconciler.Queue().Abandon(c.Request.Context(), c.Param("id")); err != nil {
		_ = c.Error(err)
		return
	}
	c.Status(http.StatusNoContent)
}

// PurgeDead deletes dead entries older than ?older_than (Go duration, default 0).
func (h *HTTPHandler) PurgeDead(c *gin.Context) {
	var olderThan time.Duration
	if raw := c.Query("older_than"); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil || d < 0 {
			_ = c.Error(errutil.BadRequest("older_than must be a non-negative duration", err))
			return
		}
		olderThan = d
	}

	n, err := h.reconciler.Queue().PurgeDead(c.Request.Context(), olderThan)
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"purged": n})
}
