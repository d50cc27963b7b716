package handler

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"autopilot/internal/models"
	"autopilot/internal/supervisor"
)

type SessionHandler struct {
	Supervisor *supervisor.Supervisor
}

func (h *SessionHandler) Register(r *gin.Engine) {
	g := r.Group("/api/v1/sessions")
	g.POST("", h.start)
	g.GET("/:id", h.status)
	g.POST("/:id/stop", h.stop)
	g.POST("/:id/pause", h.pause)
	g.POST("/:id/resume", h.resume)
	g.PUT("/:id/config", h.putConfig)
	g.GET("/:id/strategies", h.strategies)
	g.GET("/:id/allocations", h.allocations)
	g.POST("/:id/allocations/run", h.runAllocation)

	r.GET("/api/v1/users/:user_id/session", h.active)
}

type startSessionRequest struct {
	UserID string                `json:"user_id"`
	Config *models.SessionConfig `json:"config"`
}

// @Summary Start a session
// @Tags sessions
// @Accept json
// @Param body body startSessionRequest true "user and optional config"
// @Success 200 {object} apiResponse
// @Failure 409 {object} apiResponse
// @Router /api/v1/sessions [post]
func (h *SessionHandler) start(c *gin.Context) {
	var req startSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		Error(c, http.StatusBadRequest, "invalid body", nil)
		return
	}
	userID := strings.TrimSpace(req.UserID)
	if userID == "" {
		Error(c, http.StatusBadRequest, "user_id is required", nil)
		return
	}
	sess, err := h.Supervisor.StartSession(c.Request.Context(), userID, req.Config)
	if err != nil {
		Fail(c, err)
		return
	}
	h.writeStatus(c, sess.ID)
}

// @Summary Session status
// @Tags sessions
// @Param id path string true "session id"
// @Success 200 {object} apiResponse
// @Failure 404 {object} apiResponse
// @Router /api/v1/sessions/{id} [get]
func (h *SessionHandler) status(c *gin.Context) {
	h.writeStatus(c, c.Param("id"))
}

func (h *SessionHandler) writeStatus(c *gin.Context, id string) {
	st, err := h.Supervisor.Status(c.Request.Context(), id)
	if err != nil {
		Fail(c, err)
		return
	}
	Ok(c, st, nil)
}

// @Summary Stop a session
// @Tags sessions
// @Param id path string true "session id"
// @Success 200 {object} apiResponse
// @Router /api/v1/sessions/{id}/stop [post]
func (h *SessionHandler) stop(c *gin.Context) {
	id := c.Param("id")
	if err := h.Supervisor.StopSession(c.Request.Context(), id); err != nil {
		Fail(c, err)
		return
	}
	h.writeStatus(c, id)
}

// @Summary Pause a session
// @Tags sessions
// @Param id path string true "session id"
// @Success 200 {object} apiResponse
// @Failure 409 {object} apiResponse
// @Router /api/v1/sessions/{id}/pause [post]
func (h *SessionHandler) pause(c *gin.Context) {
	id := c.Param("id")
	if err := h.Supervisor.PauseSession(c.Request.Context(), id); err != nil {
		Fail(c, err)
		return
	}
	h.writeStatus(c, id)
}

// @Summary Resume a paused session
// @Tags sessions
// @Param id path string true "session id"
// @Success 200 {object} apiResponse
// @Failure 409 {object} apiResponse
// @Router /api/v1/sessions/{id}/resume [post]
func (h *SessionHandler) resume(c *gin.Context) {
	id := c.Param("id")
	if err := h.Supervisor.ResumeSession(c.Request.Context(), id); err != nil {
		Fail(c, err)
		return
	}
	h.writeStatus(c, id)
}

// @Summary Replace the session config
// @Tags sessions
// @Accept json
// @Param id path string true "session id"
// @Param body body models.SessionConfig true "config"
// @Success 200 {object} apiResponse
// @Router /api/v1/sessions/{id}/config [put]
func (h *SessionHandler) putConfig(c *gin.Context) {
	var cfg models.SessionConfig
	if err := c.ShouldBindJSON(&cfg); err != nil {
		Error(c, http.StatusBadRequest, "invalid body", nil)
		return
	}
	id := c.Param("id")
	if err := h.Supervisor.UpdateConfig(c.Request.Context(), id, cfg); err != nil {
		Fail(c, err)
		return
	}
	h.writeStatus(c, id)
}

// @Summary List session strategies
// @Tags strategies
// @Param id path string true "session id"
// @Param status query string false "comma separated statuses"
// @Param limit query int false "max rows"
// @Success 200 {object} apiResponse
// @Router /api/v1/sessions/{id}/strategies [get]
func (h *SessionHandler) strategies(c *gin.Context) {
	limit := intQuery(c, "limit", 200)
	items, err := h.Supervisor.ListStrategies(c.Request.Context(), c.Param("id"), listQuery(c, "status"), limit)
	if err != nil {
		Fail(c, err)
		return
	}
	Ok(c, items, pageMeta(limit, 0, len(items)))
}

// @Summary Latest allocation table
// @Tags allocation
// @Param id path string true "session id"
// @Success 200 {object} apiResponse
// @Router /api/v1/sessions/{id}/allocations [get]
func (h *SessionHandler) allocations(c *gin.Context) {
	items, err := h.Supervisor.ListAllocations(c.Request.Context(), c.Param("id"))
	if err != nil {
		Fail(c, err)
		return
	}
	Ok(c, items, nil)
}

// @Summary Run an allocation pass now
// @Tags allocation
// @Param id path string true "session id"
// @Success 200 {object} apiResponse
// @Failure 403 {object} apiResponse
// @Failure 409 {object} apiResponse
// @Router /api/v1/sessions/{id}/allocations/run [post]
func (h *SessionHandler) runAllocation(c *gin.Context) {
	entries, err := h.Supervisor.RunAllocation(c.Request.Context(), c.Param("id"))
	if err != nil {
		Fail(c, err)
		return
	}
	Ok(c, entries, nil)
}

// @Summary Running session of a user
// @Tags sessions
// @Param user_id path string true "user id"
// @Success 200 {object} apiResponse
// @Failure 404 {object} apiResponse
// @Router /api/v1/users/{user_id}/session [get]
func (h *SessionHandler) active(c *gin.Context) {
	id, ok := h.Supervisor.ActiveSession(c.Param("user_id"))
	if !ok {
		Error(c, http.StatusNotFound, "no running session", nil)
		return
	}
	h.writeStatus(c, id)
}
