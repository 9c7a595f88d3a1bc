// Package relay routes bridge messages between the developer's client
// connection and the stub connections of in-flight remote invocations.
//
// The Router is transport independent: it is driven by Connect, Handle and
// Disconnect calls and writes through a Sender. Hub serves it over a
// WebSocket endpoint; LambdaHandler serves it behind an API Gateway
// WebSocket API.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"lambda-live-bridge/internal/logging"
	"lambda-live-bridge/internal/models"
	"lambda-live-bridge/internal/registry"
)

// ErrGone reports that the peer of a connection id can no longer be reached.
var ErrGone = errors.New("connection gone")

// Sender delivers one message to a connection. Implementations wrap ErrGone
// when the transport reports the peer as gone.
type Sender interface {
	Send(ctx context.Context, connectionID string, data []byte) error
}

// Stats counts routing outcomes.
type Stats struct {
	Forwarded   int64 `json:"forwarded"`
	Undelivered int64 `json:"undelivered"`
	Gone        int64 `json:"gone"`
	Discarded   int64 `json:"discarded"`
}

type Router struct {
	registry registry.Registry
	sender   Sender
	log      *zap.Logger
	now      func() time.Time

	forwarded   atomic.Int64
	undelivered atomic.Int64
	gone        atomic.Int64
	discarded   atomic.Int64
}

func NewRouter(reg registry.Registry, sender Sender, log *zap.Logger) *Router {
	return &Router{
		registry: reg,
		sender:   sender,
		log:      logging.OrNop(log),
		now:      time.Now,
	}
}

// Stats returns a snapshot of the routing counters.
func (r *Router) Stats() Stats {
	return Stats{
		Forwarded:   r.forwarded.Load(),
		Undelivered: r.undelivered.Load(),
		Gone:        r.gone.Load(),
		Discarded:   r.discarded.Load(),
	}
}

// Connect is called when a transport accepts a connection. Nothing is
// recorded until the connection announces its role.
func (r *Router) Connect(_ context.Context, connectionID string) {
	r.log.Debug("connection opened", zap.String("connection_id", connectionID))
}

// Disconnect removes the connection from the registry. Transports do not
// reliably report closure, so stale entries are also cleaned up on failed sends.
func (r *Router) Disconnect(ctx context.Context, connectionID string) error {
	r.log.Debug("connection closed", zap.String("connection_id", connectionID))
	if err := r.registry.Remove(ctx, connectionID); err != nil {
		return fmt.Errorf("remove %s: %w", connectionID, err)
	}
	return nil
}

// Handle routes one inbound message from connectionID. Delivery failures are
// never reported back to the sender; only malformed input and registry
// failures return an error.
func (r *Router) Handle(ctx context.Context, connectionID string, data []byte) error {
	var head struct {
		Action           models.Action `json:"action"`
		RequestID        string        `json:"requestID"`
		StubConnectionID string        `json:"stubConnectionId"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return fmt.Errorf("decode message from %s: %w", connectionID, err)
	}

	switch head.Action {
	case models.ActionRegisterClient:
		return r.registerClient(ctx, connectionID)
	case models.ActionNewRequest:
		return r.newRequest(ctx, connectionID, head.RequestID, data)
	case models.ActionNewResponse:
		return r.newResponse(ctx, head.RequestID, head.StubConnectionID, data)
	default:
		r.log.Warn("ignoring unknown action",
			zap.String("connection_id", connectionID),
			zap.String("action", string(head.Action)),
		)
		return nil
	}
}

func (r *Router) registerClient(ctx context.Context, connectionID string) error {
	err := r.registry.Put(ctx, models.Connection{
		ID:           connectionID,
		Role:         models.RoleClient,
		RegisteredAt: r.now(),
	})
	if err != nil {
		return fmt.Errorf("register client %s: %w", connectionID, err)
	}
	r.log.Info("client registered", zap.String("connection_id", connectionID))

	ack, err := json.Marshal(models.Message{Action: models.ActionClientRegistered, ConnectionID: connectionID})
	if err != nil {
		return err
	}
	r.deliver(ctx, connectionID, ack)
	return nil
}

func (r *Router) newRequest(ctx context.Context, stubID, requestID string, data []byte) error {
	err := r.registry.Put(ctx, models.Connection{
		ID:           stubID,
		Role:         models.RoleStub,
		RegisteredAt: r.now(),
	})
	if err != nil {
		return fmt.Errorf("register stub %s: %w", stubID, err)
	}

	client, err := r.registry.Get(ctx, models.RoleClient)
	if err != nil {
		return fmt.Errorf("lookup client: %w", err)
	}
	if client == nil {
		// The stub's own expiry is the only recovery path.
		r.undelivered.Add(1)
		r.log.Warn("no client registered, request not delivered",
			zap.String("request_id", requestID),
			zap.String("stub_connection_id", stubID),
		)
		return nil
	}

	forward, err := annotate(data, stubID)
	if err != nil {
		return fmt.Errorf("annotate request %s: %w", requestID, err)
	}
	if r.deliver(ctx, client.ID, forward) {
		r.log.Debug("request forwarded",
			zap.String("request_id", requestID),
			zap.String("client_connection_id", client.ID),
			zap.String("stub_connection_id", stubID),
		)
	} else {
		r.undelivered.Add(1)
	}
	return nil
}

func (r *Router) newResponse(ctx context.Context, requestID, stubID string, data []byte) error {
	if stubID == "" {
		r.discarded.Add(1)
		r.log.Warn("response without stubConnectionId discarded", zap.String("request_id", requestID))
		return nil
	}
	stub, err := r.registry.Lookup(ctx, stubID)
	if err != nil {
		return fmt.Errorf("lookup stub %s: %w", stubID, err)
	}
	if stub == nil {
		r.discarded.Add(1)
		r.log.Info("response for unknown stub discarded",
			zap.String("request_id", requestID),
			zap.String("stub_connection_id", stubID),
		)
		return nil
	}
	r.deliver(ctx, stubID, data)
	return nil
}

// deliver sends data and removes connectionID from the registry when the
// transport reports it gone. It reports whether the send succeeded.
func (r *Router) deliver(ctx context.Context, connectionID string, data []byte) bool {
	err := r.sender.Send(ctx, connectionID, data)
	if err == nil {
		r.forwarded.Add(1)
		return true
	}
	if errors.Is(err, ErrGone) {
		r.gone.Add(1)
		r.log.Info("connection gone, removing from registry",
			zap.String("connection_id", connectionID),
			zap.Error(err),
		)
		if err := r.registry.Remove(ctx, connectionID); err != nil {
			r.log.Error("failed to remove stale connection",
				zap.String("connection_id", connectionID),
				zap.Error(err),
			)
		}
		return false
	}
	r.log.Error("send failed", zap.String("connection_id", connectionID), zap.Error(err))
	return false
}

// annotate adds stubConnectionId to a message, keeping all other fields as sent.
func annotate(data []byte, stubID string) ([]byte, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return nil, err
	}
	id, err := json.Marshal(stubID)
	if err != nil {
		return nil, err
	}
	fields["stubConnectionId"] = id
	return json.Marshal(fields)
}
