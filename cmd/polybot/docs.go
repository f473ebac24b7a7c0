package main

//go:generate swag init -g cmd/polybot/main.go -o docs

// @title           Polybot API
// @version         0.1.0
// @description     Strategy status, risk controls and paper trading results.
// @host            localhost:8080
// @BasePath        /
// @schemes         http
