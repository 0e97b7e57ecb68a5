package redemption

import (
	"net/http"
	"time"

	"rewards-core/pkg/errutil"

	"github.com/gin-gonic/gin"
)

type Handler struct {
	service *Service
}

func NewHandler(s *Service) *Handler {
	return &Handler{service: s}
}

type validateRequest struct {
	UserID   string `json:"user_id" binding:"required"`
	OptionID string `json:"option_id" binding:"required"`
	Points   int64  `json:"points"`
}

type cancelRequest struct {
	UserID string `json:"user_id" binding:"required"`
	Reason string `json:"reason"`
}

type statusRequest struct {
	Status Status `json:"status" binding:"required"`
}

type historyQuery struct {
	Page   int    `form:"page,default=1"`
	Limit  int    `form:"limit,default=10"`
	Status string `form:"status"`
	From   string `form:"from"`
	To     string `form:"to"`
}

func (h *Handler) Validate(c *gin.Context) {
	var req validateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		_ = c.Error(errutil.BadRequest("invalid request body", err))
		return
	}
	if err := h.service.ValidateRedemption(c.Request.Context(), req.UserID, req.OptionID, req.Points); err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"valid": true})
}

func (h *Handler) Redeem(c *gin.Context) {
	var req RedeemRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		_ = c.Error(errutil.BadRequest("invalid request body", err))
		return
	}
	txn, err := h.service.RedeemPoints(c.Request.Context(), req)
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusCreated, txn)
}

func (h *Handler) Get(c *gin.Context) {
	txn, err := h.service.GetRedemption(c.Request.Context(), c.Param("id"))
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, txn)
}

func (h *Handler) Cancel(c *gin.Context) {
	var req cancelRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		_ = c.Error(errutil.BadRequest("invalid request body", err))
		return
	}
	txn, err := h.service.CancelRedemption(c.Request.Context(), c.Param("id"), req.UserID, req.Reason)
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, txn)
}

func (h *Handler) UpdateStatus(c *gin.Context) {
	var req statusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		_ = c.Error(errutil.BadRequest("invalid request body", err))
		return
	}
	txn, err := h.service.UpdateTransactionStatus(c.Request.Context(), c.Param("id"), req.Status)
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, txn)
}

func parseBound(raw, field string) (*time.Time, error) {
	if raw == "" {
		return nil, nil
	}
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return &t, nil
	}
	t, err := time.Parse(dayLayout, raw)
	if err != nil {
		return nil, errutil.BadRequest(field+" must be RFC3339 or YYYY-MM-DD", err)
	}
	return &t, nil
}

func (h *Handler) History(c *gin.Context) {
	var q historyQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		_ = c.Error(errutil.BadRequest("invalid query", err))
		return
	}
	from, err := parseBound(q.From, "from")
	if err != nil {
		_ = c.Error(err)
		return
	}
	to, err := parseBound(q.To, "to")
	if err != nil {
		_ = c.Error(err)
		return
	}

	page, err := h.service.GetRedemptionHistory(c.Request.Context(), c.Param("user_id"), HistoryQuery{
		Page:   q.Page,
		Limit:  q.Limit,
		Status: Status(q.Status),
		From:   from,
		To:     to,
	})
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, page)
}

// ListOptions serves the cached catalog; ?all=true includes inactive options.
func (h *Handler) ListOptions(c *gin.Context) {
	options, err := h.service.ListOptions(c.Request.Context(), c.Param("family_id"), c.Query("all") != "true")
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": options})
}

func (h *Handler) RefreshOptions(c *gin.Context) {
	n, err := h.service.RefreshOptions(c.Request.Context(), c.Param("family_id"))
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"refreshed": n})
}
