package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// RegisterDocs serves a short operator guide at /docs.
func RegisterDocs(r *gin.Engine) {
	r.GET("/docs", func(c *gin.Context) {
		c.Header("Content-Type", "text/markdown; charset=utf-8")
		c.String(http.StatusOK, `# Autopilot operator API

## Auth

All /api/* routes take "Authorization: Bearer <token>" when server.auth.jwt_secret is set.
Mint one with "autopilot token -sub <name> -role admin|viewer". Viewer tokens are read-only.
Health endpoints are public.

## Routes

- GET  /healthz
- GET  /readyz
- GET  /swagger/index.html
- POST /api/v1/sessions                      {"user_id": "...", "config": {...}}
- GET  /api/v1/sessions/:id
- POST /api/v1/sessions/:id/stop|pause|resume
- PUT  /api/v1/sessions/:id/config
- GET  /api/v1/sessions/:id/strategies?status=paper_trading,live
- GET  /api/v1/sessions/:id/allocations
- POST /api/v1/sessions/:id/allocations/run
- GET  /api/v1/users/:user_id/session
- POST /api/v1/strategies/:id/approve|reject|retire
- GET  /api/v1/risk/decisions
- GET  /api/v1/risk/kill-switch
- PUT  /api/v1/risk/kill-switch              {"engaged": true}
- GET  /api/v1/settings/switches
- PUT  /api/v1/settings/switches/:name       {"enabled": false}
- GET  /api/v1/accounts/:user_id
- PUT  /api/v1/accounts/:user_id             {"always_run": true, "credential_ref": "..."}
`)
	})
}
