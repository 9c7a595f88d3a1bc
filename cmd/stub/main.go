// Command stub is deployed in place of a Lambda function's code. Every
// invocation is forwarded through the relay to the developer's machine and
// the local result is returned to the caller.
package main

import (
	"context"
	"log"

	"github.com/aws/aws-lambda-go/lambda"
	"go.uber.org/zap"

	"lambda-live-bridge/internal/config"
	"lambda-live-bridge/internal/logging"
	"lambda-live-bridge/internal/services"
	"lambda-live-bridge/internal/stub"
	"lambda-live-bridge/internal/transport"
)

func main() {
	cfg, err := config.LoadStub()
	if err != nil {
		log.Fatalf("Failed to load stub config: %v", err)
	}

	logger, err := logging.New(cfg.LogLevel, false)
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer logger.Sync()

	location := cfg.Payload.Path
	if cfg.Payload.Store == "s3" {
		location = cfg.Payload.Bucket
	}
	store, err := services.NewStorageService(context.Background(), cfg.Payload.Store, location)
	if err != nil {
		logger.Fatal("Failed to initialize payload store", zap.Error(err))
	}

	s := stub.New(transport.WebSocketDialer{}, stub.Options{
		RelayURL:       cfg.RelayURL,
		FunctionID:     cfg.FunctionID,
		SafetyMargin:   cfg.SafetyMargin,
		DefaultBudget:  cfg.DefaultBudget,
		Store:          store,
		MaxInlineBytes: cfg.Payload.MaxInlineBytes,
		Logger:         logger,
	})
	defer s.Close()

	logger.Info("stub ready", zap.String("function_id", cfg.FunctionID), zap.String("relay", cfg.RelayURL))
	lambda.Start(s.HandleLambda)
}
