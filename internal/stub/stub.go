// Package stub is the side of the bridge that runs in the deployed Lambda.
// It forwards each invocation to the relay and blocks until the developer's
// machine answers or the invocation budget runs out.
package stub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/aws/aws-lambda-go/lambda/messages"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"lambda-live-bridge/internal/logging"
	"lambda-live-bridge/internal/models"
	"lambda-live-bridge/internal/services"
	"lambda-live-bridge/internal/transport"
)

var (
	// ErrInvocationTimeout is returned when no response arrived before the request expired.
	ErrInvocationTimeout = errors.New("invocation timed out waiting for a local response")
	// ErrConnectionLost is returned when the relay connection dropped while waiting.
	ErrConnectionLost = errors.New("relay connection lost")
)

const (
	DefaultSafetyMargin  = 500 * time.Millisecond
	DefaultBudget        = 30 * time.Second
	DefaultMaxInlineSize = 96 * 1024
)

type Options struct {
	RelayURL   string
	FunctionID string
	// SafetyMargin is reserved from the remaining budget so the stub can
	// still report a timeout before the platform kills it.
	SafetyMargin time.Duration
	// DefaultBudget applies when the context carries no deadline.
	DefaultBudget time.Duration
	// Env is forwarded with every request. Nil forwards the process environment.
	Env map[string]string

	Store          services.StorageService
	MaxInlineBytes int
	Logger         *zap.Logger
}

type Stub struct {
	opts   Options
	dialer transport.Dialer
	log    *zap.Logger
	now    func() time.Time

	mu   sync.Mutex
	conn *relayConn
}

func New(dialer transport.Dialer, opts Options) *Stub {
	if opts.SafetyMargin <= 0 {
		opts.SafetyMargin = DefaultSafetyMargin
	}
	if opts.DefaultBudget <= 0 {
		opts.DefaultBudget = DefaultBudget
	}
	if opts.MaxInlineBytes <= 0 {
		opts.MaxInlineBytes = DefaultMaxInlineSize
	}
	if opts.Env == nil {
		opts.Env = processEnv()
	}
	return &Stub{
		opts:   opts,
		dialer: dialer,
		log:    logging.OrNop(opts.Logger),
		now:    time.Now,
	}
}

// Invoke forwards one invocation and waits for its response. A failure
// reported by the local handler is returned as messages.InvokeResponse_Error
// so the platform surfaces the original error type and message.
func (s *Stub) Invoke(ctx context.Context, functionID string, event json.RawMessage, meta models.ExecutionMetadata) (json.RawMessage, error) {
	if functionID == "" {
		functionID = s.opts.FunctionID
	}

	req := s.newRequest(ctx, functionID, event, meta)
	log := s.log.With(zap.String("request_id", req.RequestID), zap.String("function_id", functionID))
	if !req.ExpiresAt.After(s.now()) {
		return nil, fmt.Errorf("%w: %s has no budget left", ErrInvocationTimeout, req.RequestID)
	}

	msg := models.NewRequestMessage(req)
	inline, ref, err := services.Offload(ctx, s.opts.Store, s.opts.MaxInlineBytes, req.RequestID, "event", event)
	if err != nil {
		return nil, err
	}
	msg.Event, msg.EventRef = inline, ref

	data, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}

	conn, err := s.connection(ctx)
	if err != nil {
		return nil, err
	}
	replies := conn.await(req.RequestID)
	defer conn.forget(req.RequestID)

	if err := conn.write(data); err != nil {
		s.reset(conn)
		return nil, fmt.Errorf("%w: send request: %v", ErrConnectionLost, err)
	}
	log.Debug("request sent", zap.Time("expires_at", req.ExpiresAt))

	timer := time.NewTimer(req.ExpiresAt.Sub(s.now()))
	defer timer.Stop()

	select {
	case resp := <-replies:
		return s.result(ctx, resp.Payload)
	case <-timer.C:
		log.Warn("no local response before expiry")
		return nil, fmt.Errorf("%w: %s", ErrInvocationTimeout, req.RequestID)
	case <-conn.done:
		s.reset(conn)
		return nil, fmt.Errorf("%w: %v", ErrConnectionLost, conn.err)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close drops the relay connection. A later Invoke reconnects.
func (s *Stub) Close() error {
	s.mu.Lock()
	conn := s.conn
	s.conn = nil
	s.mu.Unlock()
	if conn != nil {
		conn.close(errors.New("stub closed"))
	}
	return nil
}

func (s *Stub) newRequest(ctx context.Context, functionID string, event json.RawMessage, meta models.ExecutionMetadata) models.InvocationRequest {
	now := s.now()
	remaining := s.opts.DefaultBudget
	if deadline, ok := ctx.Deadline(); ok {
		remaining = deadline.Sub(now)
	}
	budget := remaining - s.opts.SafetyMargin
	if budget < 0 {
		budget = 0
	}
	expiresAt := now.Add(budget)

	platformID := meta.AwsRequestID
	if platformID == "" {
		platformID = uuid.New().String()
		meta.AwsRequestID = platformID
	}

	return models.InvocationRequest{
		RequestID:        fmt.Sprintf("%s-%d", platformID, expiresAt.UnixMilli()),
		ExpiresAt:        expiresAt,
		TimeoutRemaining: budget,
		FunctionID:       functionID,
		Event:            event,
		Metadata:         meta,
		Env:              s.opts.Env,
	}
}

func (s *Stub) result(ctx context.Context, p models.ResponsePayload) (json.RawMessage, error) {
	if p.Failed() {
		f := p.Error
		if f == nil {
			f = &models.Failure{ErrorType: models.ErrorTypeBridge, ErrorMessage: "failure without details"}
		}
		return nil, messages.InvokeResponse_Error{
			Type:    f.ErrorType,
			Message: f.ErrorMessage,
		}
	}
	return services.Resolve(ctx, s.opts.Store, p.Body, p.Ref)
}

// connection returns the live relay connection, dialing when there is none.
func (s *Stub) connection(ctx context.Context) (*relayConn, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn != nil && !s.conn.closed() {
		return s.conn, nil
	}
	ws, err := s.dialer.Dial(ctx, s.opts.RelayURL)
	if err != nil {
		return nil, fmt.Errorf("%w: dial %s: %v", ErrConnectionLost, s.opts.RelayURL, err)
	}
	s.conn = newRelayConn(ws, s.log)
	s.log.Debug("connected to relay", zap.String("url", s.opts.RelayURL))
	return s.conn, nil
}

func (s *Stub) reset(conn *relayConn) {
	s.mu.Lock()
	if s.conn == conn {
		s.conn = nil
	}
	s.mu.Unlock()
}
