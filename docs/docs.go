// Package docs holds the swagger document served at /swagger.
// Regenerate with: swag init -g cmd/autopilot/main.go -o docs
package docs

import "github.com/swaggo/swag"

const docTemplate = `{
    "schemes": {{ marshal .Schemes }},
    "swagger": "2.0",
    "info": {
        "description": "{{escape .Description}}",
        "title": "{{.Title}}",
        "contact": {},
        "version": "{{.Version}}"
    },
    "host": "{{.Host}}",
    "basePath": "{{.BasePath}}",
    "securityDefinitions": {
        "BearerAuth": {"type": "apiKey", "name": "Authorization", "in": "header"}
    },
    "security": [{"BearerAuth": []}],
    "paths": {
        "/healthz": {"get": {"tags": ["health"], "summary": "Health check", "responses": {"200": {"description": "OK"}}}},
        "/readyz": {"get": {"tags": ["health"], "summary": "Readiness check", "responses": {"200": {"description": "OK"}, "503": {"description": "Service Unavailable"}}}},
        "/api/v1/sessions": {"post": {"tags": ["sessions"], "summary": "Start a session", "responses": {"200": {"description": "OK"}, "409": {"description": "Conflict"}}}},
        "/api/v1/sessions/{id}": {"get": {"tags": ["sessions"], "summary": "Session status", "parameters": [{"type": "string", "name": "id", "in": "path", "required": true}], "responses": {"200": {"description": "OK"}, "404": {"description": "Not Found"}}}},
        "/api/v1/sessions/{id}/stop": {"post": {"tags": ["sessions"], "summary": "Stop a session", "parameters": [{"type": "string", "name": "id", "in": "path", "required": true}], "responses": {"200": {"description": "OK"}}}},
        "/api/v1/sessions/{id}/pause": {"post": {"tags": ["sessions"], "summary": "Pause a session", "parameters": [{"type": "string", "name": "id", "in": "path", "required": true}], "responses": {"200": {"description": "OK"}, "409": {"description": "Conflict"}}}},
        "/api/v1/sessions/{id}/resume": {"post": {"tags": ["sessions"], "summary": "Resume a paused session", "parameters": [{"type": "string", "name": "id", "in": "path", "required": true}], "responses": {"200": {"description": "OK"}, "409": {"description": "Conflict"}}}},
        "/api/v1/sessions/{id}/config": {"put": {"tags": ["sessions"], "summary": "Replace the session config", "parameters": [{"type": "string", "name": "id", "in": "path", "required": true}], "responses": {"200": {"description": "OK"}}}},
        "/api/v1/sessions/{id}/strategies": {"get": {"tags": ["strategies"], "summary": "List session strategies", "parameters": [{"type": "string", "name": "id", "in": "path", "required": true}, {"type": "string", "name": "status", "in": "query"}, {"type": "integer", "name": "limit", "in": "query"}], "responses": {"200": {"description": "OK"}}}},
        "/api/v1/sessions/{id}/allocations": {"get": {"tags": ["allocation"], "summary": "Latest allocation table", "parameters": [{"type": "string", "name": "id", "in": "path", "required": true}], "responses": {"200": {"description": "OK"}}}},
        "/api/v1/sessions/{id}/allocations/run": {"post": {"tags": ["allocation"], "summary": "Run an allocation pass now", "parameters": [{"type": "string", "name": "id", "in": "path", "required": true}], "responses": {"200": {"description": "OK"}, "403": {"description": "Forbidden"}, "409": {"description": "Conflict"}}}},
        "/api/v1/users/{user_id}/session": {"get": {"tags": ["sessions"], "summary": "Running session of a user", "parameters": [{"type": "string", "name": "user_id", "in": "path", "required": true}], "responses": {"200": {"description": "OK"}, "404": {"description": "Not Found"}}}},
        "/api/v1/strategies/{id}/approve": {"post": {"tags": ["strategies"], "summary": "Approve a strategy awaiting promotion", "parameters": [{"type": "string", "name": "id", "in": "path", "required": true}], "responses": {"200": {"description": "OK"}, "409": {"description": "Conflict"}}}},
        "/api/v1/strategies/{id}/reject": {"post": {"tags": ["strategies"], "summary": "Reject a strategy awaiting promotion", "parameters": [{"type": "string", "name": "id", "in": "path", "required": true}], "responses": {"200": {"description": "OK"}, "409": {"description": "Conflict"}}}},
        "/api/v1/strategies/{id}/retire": {"post": {"tags": ["strategies"], "summary": "Retire a strategy", "parameters": [{"type": "string", "name": "id", "in": "path", "required": true}], "responses": {"200": {"description": "OK"}, "409": {"description": "Conflict"}}}},
        "/api/v1/risk/decisions": {"get": {"tags": ["risk"], "summary": "Risk gate audit trail", "responses": {"200": {"description": "OK"}}}},
        "/api/v1/risk/kill-switch": {
            "get": {"tags": ["risk"], "summary": "Kill switch state", "responses": {"200": {"description": "OK"}}},
            "put": {"tags": ["risk"], "summary": "Engage or release the kill switch", "responses": {"200": {"description": "OK"}}}
        },
        "/api/v1/settings/switches": {"get": {"tags": ["settings"], "summary": "List feature switches", "responses": {"200": {"description": "OK"}}}},
        "/api/v1/settings/switches/{name}": {
            "get": {"tags": ["settings"], "summary": "Feature switch state", "parameters": [{"type": "string", "name": "name", "in": "path", "required": true}], "responses": {"200": {"description": "OK"}, "404": {"description": "Not Found"}}},
            "put": {"tags": ["settings"], "summary": "Set a feature switch", "parameters": [{"type": "string", "name": "name", "in": "path", "required": true}], "responses": {"200": {"description": "OK"}}}
        },
        "/api/v1/accounts/{user_id}": {
            "get": {"tags": ["accounts"], "summary": "Account settings", "parameters": [{"type": "string", "name": "user_id", "in": "path", "required": true}], "responses": {"200": {"description": "OK"}, "404": {"description": "Not Found"}}},
            "put": {"tags": ["accounts"], "summary": "Create or update account settings", "parameters": [{"type": "string", "name": "user_id", "in": "path", "required": true}], "responses": {"200": {"description": "OK"}}}
        }
    }
}`

// SwaggerInfo holds exported Swagger Info so clients can modify it
var SwaggerInfo = &swag.Spec{
	Version:          "0.1.0",
	Host:             "localhost:8080",
	BasePath:         "/",
	Schemes:          []string{"http"},
	Title:            "Autopilot API",
	Description:      "Session supervisor, strategy lifecycle and risk controls.",
	InfoInstanceName: "swagger",
	SwaggerTemplate:  docTemplate,
	LeftDelim:        "{{",
	RightDelim:       "}}",
}

func init() {
	swag.Register(SwaggerInfo.InstanceName(), SwaggerInfo)
}
