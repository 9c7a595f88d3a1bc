package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	_ "lambda-live-bridge/internal/docs"
)

// @title Live Lambda Relay API
// @version 1.0
// @description Connection registry and routing counters of the live Lambda relay
// @host localhost:8080
// @BasePath /api
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := newRootCmd().ExecuteContext(ctx)
	stop()
	if err != nil {
		os.Exit(1)
	}
}
