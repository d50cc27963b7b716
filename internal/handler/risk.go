package handler

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"autopilot/internal/repository"
	"autopilot/internal/supervisor"
)

type RiskHandler struct {
	Supervisor *supervisor.Supervisor
}

func (h *RiskHandler) Register(r *gin.Engine) {
	g := r.Group("/api/v1/risk")
	g.GET("/decisions", h.decisions)
	g.GET("/kill-switch", h.killSwitch)
	g.PUT("/kill-switch", h.putKillSwitch)
}

// @Summary Risk gate audit trail
// @Tags risk
// @Param account_id query string false "account"
// @Param session_id query string false "session"
// @Param decision query string false "approved or rejected"
// @Param limit query int false "max rows"
// @Param offset query int false "offset"
// @Success 200 {object} apiResponse
// @Router /api/v1/risk/decisions [get]
func (h *RiskHandler) decisions(c *gin.Context) {
	params := repository.ListRiskDecisionsParams{
		AccountID: strings.TrimSpace(c.Query("account_id")),
		SessionID: strings.TrimSpace(c.Query("session_id")),
		Decision:  strings.TrimSpace(c.Query("decision")),
		Limit:     intQuery(c, "limit", 100),
		Offset:    intQuery(c, "offset", 0),
	}
	items, err := h.Supervisor.ListRiskDecisions(c.Request.Context(), params)
	if err != nil {
		Fail(c, err)
		return
	}
	Ok(c, items, pageMeta(params.Limit, params.Offset, len(items)))
}

// @Summary Kill switch state
// @Tags risk
// @Success 200 {object} apiResponse
// @Router /api/v1/risk/kill-switch [get]
func (h *RiskHandler) killSwitch(c *gin.Context) {
	engaged, err := h.Supervisor.KillSwitch(c.Request.Context())
	if err != nil {
		Fail(c, err)
		return
	}
	Ok(c, map[string]any{"engaged": engaged}, nil)
}

type killSwitchRequest struct {
	Engaged *bool `json:"engaged"`
}

// @Summary Engage or release the kill switch
// @Tags risk
// @Accept json
// @Param body body killSwitchRequest true "state"
// @Success 200 {object} apiResponse
// @Router /api/v1/risk/kill-switch [put]
func (h *RiskHandler) putKillSwitch(c *gin.Context) {
	var req killSwitchRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.Engaged == nil {
		Error(c, http.StatusBadRequest, "engaged is required", nil)
		return
	}
	if err := h.Supervisor.SetKillSwitch(c.Request.Context(), *req.Engaged); err != nil {
		Fail(c, err)
		return
	}
	Ok(c, map[string]any{"engaged": *req.Engaged}, nil)
}
