// Command relay-lambda runs the relay behind an API Gateway WebSocket API.
// Connections live in API Gateway; the registry must be a shared backend.
package main

import (
	"context"
	"log"

	"github.com/aws/aws-lambda-go/lambda"
	"go.uber.org/zap"

	"lambda-live-bridge/internal/config"
	"lambda-live-bridge/internal/logging"
	"lambda-live-bridge/internal/registry"
	"lambda-live-bridge/internal/relay"
)

func main() {
	ctx := context.Background()

	cfg, err := config.Load("")
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if cfg.Relay.CallbackURL == "" {
		log.Fatalf("%s_RELAY_CALLBACK_URL is required", config.EnvPrefix)
	}
	if cfg.Registry.Backend == "memory" {
		log.Fatalf("the memory registry does not survive across Lambda invocations; set %s_REGISTRY_BACKEND", config.EnvPrefix)
	}

	logger, err := logging.New(cfg.LogLevel, cfg.Development)
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer logger.Sync()

	reg, closeReg, err := registry.Open(ctx, cfg.Registry)
	if err != nil {
		logger.Fatal("Failed to open registry", zap.Error(err))
	}
	defer closeReg()

	sender, err := relay.NewAPIGatewaySender(ctx, cfg.Relay.CallbackURL)
	if err != nil {
		logger.Fatal("Failed to initialize API Gateway client", zap.Error(err))
	}

	router := relay.NewRouter(reg, sender, logger)
	lambda.Start(router.LambdaHandler())
}
