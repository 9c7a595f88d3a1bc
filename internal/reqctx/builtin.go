package reqctx

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"

	"lambda-live-bridge/internal/models"
)

var (
	// Event is the raw triggering event of the current invocation.
	Event = Create[json.RawMessage]("event")

	// Metadata is the platform context of the current invocation.
	Metadata = Create[models.ExecutionMetadata]("metadata")

	// Body is the request body of an HTTP style event, nil when the event has none.
	Body = Derive("body", func(ctx context.Context) ([]byte, error) {
		raw, err := Event.Use(ctx)
		if err != nil {
			return nil, err
		}
		var envelope struct {
			Body            *string `json:"body"`
			IsBase64Encoded bool    `json:"isBase64Encoded"`
		}
		if err := json.Unmarshal(raw, &envelope); err != nil || envelope.Body == nil {
			return nil, nil
		}
		if !envelope.IsBase64Encoded {
			return []byte(*envelope.Body), nil
		}
		decoded, err := base64.StdEncoding.DecodeString(*envelope.Body)
		if err != nil {
			return nil, fmt.Errorf("decode base64 body: %w", err)
		}
		return decoded, nil
	})
)

// Bind returns a ctx with a fresh scope holding the event and metadata of req.
func Bind(parent context.Context, req models.InvocationRequest) context.Context {
	ctx := WithScope(parent)
	// Provide cannot fail on a scope created just above.
	_ = Event.Provide(ctx, req.Event)
	_ = Metadata.Provide(ctx, req.Metadata)
	return ctx
}
