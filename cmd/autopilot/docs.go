package main

//go:generate swag init -g cmd/autopilot/main.go -o docs

// @title           Autopilot API
// @version         0.1.0
// @description     Session supervisor, strategy lifecycle and risk controls.
// @host            localhost:8080
// @BasePath        /
// @schemes         http
// @securityDefinitions.apikey BearerAuth
// @in header
// @name Authorization
