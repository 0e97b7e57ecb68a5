package ledger

import (
	"net/http"

	"rewards-core/pkg/db/pagination"
	"rewards-core/pkg/errutil"

	"github.com/gin-gonic/gin"
)

type Handler struct {
	service *Service
}

func NewHandler(s *Service) *Handler {
	return &Handler{service: s}
}

func (h *Handler) AvailablePoints(c *gin.Context) {
	userID := c.Param("user_id")
	points, err := h.service.GetAvailablePoints(c.Request.Context(), userID)
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"user_id": userID, "available_points": points})
}

// DailyPoints serves the net for ?date=YYYY-MM-DD, today when omitted.
func (h *Handler) DailyPoints(c *gin.Context) {
	w := NewDayWindow(h.service.now(), h.service.loc)
	if raw := c.Query("date"); raw != "" {
		var err error
		if w, err = ParseDay(raw, h.service.loc); err != nil {
			_ = c.Error(err)
			return
		}
	}

	userID := c.Param("user_id")
	net, err := h.service.GetNetPointsForDay(c.Request.Context(), userID, w.Start)
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"user_id": userID, "date": w.Key, "net_points": net})
}

func (h *Handler) RecordRewardEntry(c *gin.Context) {
	var req RewardEntryParams
	if err := c.ShouldBindJSON(&req); err != nil {
		_ = c.Error(errutil.BadRequest("invalid request body", err))
		return
	}
	entry, err := h.service.RecordRewardEntry(c.Request.Context(), req)
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusCreated, entry)
}

func (h *Handler) ListRewardEntries(c *gin.Context) {
	var p pagination.Pagination
	if err := c.ShouldBindQuery(&p); err != nil {
		_ = c.Error(errutil.BadRequest("invalid query", err))
		return
	}
	page, err := h.service.ListRewardEntries(c.Request.Context(), c.Param("user_id"), p)
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, page)
}

func (h *Handler) DeleteRewardEntry(c *gin.Context) {
	if err := h.service.DeleteRewardEntry(c.Request.Context(), c.Param("user_id"), c.Param("id")); err != nil {
		_ = c.Error(err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *Handler) Resync(c *gin.Context) {
	entry, err := h.service.ResyncUser(c.Request.Context(), c.Param("user_id"))
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusAccepted, entry)
}
