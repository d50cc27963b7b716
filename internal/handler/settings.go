package handler

import (
	"net/http"
	"sort"
	"strings"

	"github.com/gin-gonic/gin"

	"autopilot/internal/service"
)

// SettingsHandler toggles the runtime feature switches.
type SettingsHandler struct {
	Settings *service.SystemSettingsService
}

func (h *SettingsHandler) Register(r *gin.Engine) {
	g := r.Group("/api/v1/settings/switches")
	g.GET("", h.listSwitches)
	g.GET("/:name", h.getSwitch)
	g.PUT("/:name", h.putSwitch)
}

type switchView struct {
	Name    string `json:"name"`
	Key     string `json:"key"`
	Enabled bool   `json:"enabled"`
}

// @Summary List feature switches
// @Tags settings
// @Success 200 {object} apiResponse
// @Router /api/v1/settings/switches [get]
func (h *SettingsHandler) listSwitches(c *gin.Context) {
	if h.Settings == nil {
		Error(c, http.StatusInternalServerError, "settings service unavailable", nil)
		return
	}
	defaults := service.DefaultFeatureSwitches()
	keys := make([]string, 0, len(defaults))
	for key := range defaults {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	out := make([]switchView, 0, len(keys))
	for _, key := range keys {
		out = append(out, switchView{
			Name:    strings.TrimPrefix(key, "feature."),
			Key:     key,
			Enabled: h.Settings.IsEnabled(c.Request.Context(), key, defaults[key]),
		})
	}
	Ok(c, out, nil)
}

// switchKey resolves name to a known feature key.
func switchKey(name string) (string, bool, bool) {
	key := "feature." + strings.TrimSpace(name)
	def, ok := service.DefaultFeatureSwitches()[key]
	return key, def, ok
}

// @Summary Feature switch state
// @Tags settings
// @Param name path string true "switch name"
// @Success 200 {object} apiResponse
// @Failure 404 {object} apiResponse
// @Router /api/v1/settings/switches/{name} [get]
func (h *SettingsHandler) getSwitch(c *gin.Context) {
	if h.Settings == nil {
		Error(c, http.StatusInternalServerError, "settings service unavailable", nil)
		return
	}
	key, def, ok := switchKey(c.Param("name"))
	if !ok {
		Error(c, http.StatusNotFound, "unknown switch", nil)
		return
	}
	Ok(c, switchView{
		Name:    strings.TrimPrefix(key, "feature."),
		Key:     key,
		Enabled: h.Settings.IsEnabled(c.Request.Context(), key, def),
	}, nil)
}

type putSwitchRequest struct {
	Enabled bool `json:"enabled"`
}

// @Summary Set a feature switch
// @Tags settings
// @Accept json
// @Param name path string true "switch name"
// @Param body body putSwitchRequest true "state"
// @Success 200 {object} apiResponse
// @Router /api/v1/settings/switches/{name} [put]
func (h *SettingsHandler) putSwitch(c *gin.Context) {
	if h.Settings == nil {
		Error(c, http.StatusInternalServerError, "settings service unavailable", nil)
		return
	}
	key, _, ok := switchKey(c.Param("name"))
	if !ok {
		Error(c, http.StatusNotFound, "unknown switch", nil)
		return
	}
	var req putSwitchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		Error(c, http.StatusBadRequest, "invalid body", nil)
		return
	}
	if err := h.Settings.SetEnabled(c.Request.Context(), key, req.Enabled); err != nil {
		Error(c, http.StatusBadGateway, err.Error(), nil)
		return
	}
	Ok(c, switchView{
		Name:    strings.TrimPrefix(key, "feature."),
		Key:     key,
		Enabled: req.Enabled,
	}, nil)
}
