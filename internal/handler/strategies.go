package handler

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"autopilot/internal/supervisor"
)

// StrategyHandler exposes the operator transitions of the lifecycle.
type StrategyHandler struct {
	Supervisor *supervisor.Supervisor
}

func (h *StrategyHandler) Register(r *gin.Engine) {
	g := r.Group("/api/v1/strategies")
	g.POST("/:id/approve", h.approve)
	g.POST("/:id/reject", h.reject)
	g.POST("/:id/retire", h.retire)
}

// @Summary Approve a strategy awaiting promotion
// @Tags strategies
// @Param id path string true "strategy id"
// @Success 200 {object} apiResponse
// @Failure 409 {object} apiResponse
// @Router /api/v1/strategies/{id}/approve [post]
func (h *StrategyHandler) approve(c *gin.Context) {
	st, err := h.Supervisor.ApproveStrategy(c.Request.Context(), c.Param("id"))
	if err != nil {
		Fail(c, err)
		return
	}
	Ok(c, st, nil)
}

// @Summary Reject a strategy awaiting promotion
// @Tags strategies
// @Param id path string true "strategy id"
// @Success 200 {object} apiResponse
// @Failure 409 {object} apiResponse
// @Router /api/v1/strategies/{id}/reject [post]
func (h *StrategyHandler) reject(c *gin.Context) {
	st, err := h.Supervisor.RejectStrategy(c.Request.Context(), c.Param("id"))
	if err != nil {
		Fail(c, err)
		return
	}
	Ok(c, st, nil)
}

type retireRequest struct {
	Reason string `json:"reason"`
}

// @Summary Retire a strategy
// @Tags strategies
// @Param id path string true "strategy id"
// @Param body body retireRequest false "reason"
// @Success 200 {object} apiResponse
// @Failure 409 {object} apiResponse
// @Router /api/v1/strategies/{id}/retire [post]
func (h *StrategyHandler) retire(c *gin.Context) {
	var req retireRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			Error(c, http.StatusBadRequest, "invalid body", nil)
			return
		}
	}
	st, err := h.Supervisor.RetireStrategy(c.Request.Context(), c.Param("id"), strings.TrimSpace(req.Reason))
	if err != nil {
		Fail(c, err)
		return
	}
	Ok(c, st, nil)
}
