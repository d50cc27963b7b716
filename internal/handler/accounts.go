package handler

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"gorm.io/datatypes"

	"autopilot/internal/models"
	"autopilot/internal/repository"
)

// AccountHandler manages per-user supervisor preferences.
type AccountHandler struct {
	Repo repository.Repository
}

func (h *AccountHandler) Register(r *gin.Engine) {
	g := r.Group("/api/v1/accounts")
	g.GET("/:user_id", h.get)
	g.PUT("/:user_id", h.put)
}

type accountView struct {
	UserID        string                `json:"user_id"`
	AlwaysRun     bool                  `json:"always_run"`
	CredentialRef string                `json:"credential_ref,omitempty"`
	DefaultConfig *models.SessionConfig `json:"default_config,omitempty"`
}

func viewAccount(item *models.AccountSetting) (accountView, error) {
	out := accountView{UserID: item.UserID, AlwaysRun: item.AlwaysRun, CredentialRef: item.CredentialRef}
	if len(item.DefaultConfig) > 0 {
		var cfg models.SessionConfig
		if err := json.Unmarshal(item.DefaultConfig, &cfg); err != nil {
			return accountView{}, err
		}
		out.DefaultConfig = &cfg
	}
	return out, nil
}

// @Summary Account settings
// @Tags accounts
// @Param user_id path string true "user id"
// @Success 200 {object} apiResponse
// @Failure 404 {object} apiResponse
// @Router /api/v1/accounts/{user_id} [get]
func (h *AccountHandler) get(c *gin.Context) {
	if h.Repo == nil {
		Error(c, http.StatusInternalServerError, "repo unavailable", nil)
		return
	}
	item, err := h.Repo.GetAccountSetting(c.Request.Context(), strings.TrimSpace(c.Param("user_id")))
	if err != nil {
		Error(c, http.StatusBadGateway, err.Error(), nil)
		return
	}
	if item == nil {
		Error(c, http.StatusNotFound, "account not found", nil)
		return
	}
	out, err := viewAccount(item)
	if err != nil {
		Error(c, http.StatusInternalServerError, err.Error(), nil)
		return
	}
	Ok(c, out, nil)
}

type putAccountRequest struct {
	AlwaysRun     *bool                 `json:"always_run"`
	CredentialRef *string               `json:"credential_ref"`
	DefaultConfig *models.SessionConfig `json:"default_config"`
}

// @Summary Create or update account settings
// @Tags accounts
// @Accept json
// @Param user_id path string true "user id"
// @Param body body putAccountRequest true "fields to change"
// @Success 200 {object} apiResponse
// @Router /api/v1/accounts/{user_id} [put]
func (h *AccountHandler) put(c *gin.Context) {
	if h.Repo == nil {
		Error(c, http.StatusInternalServerError, "repo unavailable", nil)
		return
	}
	userID := strings.TrimSpace(c.Param("user_id"))
	if userID == "" {
		Error(c, http.StatusBadRequest, "invalid user id", nil)
		return
	}
	var req putAccountRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		Error(c, http.StatusBadRequest, "invalid body", nil)
		return
	}
	ctx := c.Request.Context()
	item, err := h.Repo.GetAccountSetting(ctx, userID)
	if err != nil {
		Error(c, http.StatusBadGateway, err.Error(), nil)
		return
	}
	if item == nil {
		item = &models.AccountSetting{UserID: userID}
	}
	if req.AlwaysRun != nil {
		item.AlwaysRun = *req.AlwaysRun
	}
	if req.CredentialRef != nil {
		item.CredentialRef = strings.TrimSpace(*req.CredentialRef)
	}
	if req.DefaultConfig != nil {
		raw, err := json.Marshal(req.DefaultConfig.Normalize())
		if err != nil {
			Error(c, http.StatusBadRequest, "invalid default_config", nil)
			return
		}
		item.DefaultConfig = datatypes.JSON(raw)
	}
	if err := h.Repo.UpsertAccountSetting(ctx, item); err != nil {
		Error(c, http.StatusBadGateway, err.Error(), nil)
		return
	}
	out, err := viewAccount(item)
	if err != nil {
		Error(c, http.StatusInternalServerError, err.Error(), nil)
		return
	}
	Ok(c, out, nil)
}
