// Package supervisor is the developer-machine end of the bridge. It keeps a
// client connection to the relay, runs forwarded invocations on the worker
// pool and sends back exactly one response per request.
package supervisor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"lambda-live-bridge/internal/events"
	"lambda-live-bridge/internal/logging"
	"lambda-live-bridge/internal/models"
	"lambda-live-bridge/internal/services"
	"lambda-live-bridge/internal/transport"
	"lambda-live-bridge/internal/workerpool"
)

// Invoker runs invocations. *workerpool.Pool implements it.
type Invoker interface {
	Ensure(ctx context.Context, functionID string, env map[string]string) (*workerpool.Worker, error)
	Invoke(ctx context.Context, workerID string, req models.InvocationRequest) models.InvocationResponse
	Messages() <-chan models.WorkerMessage
}

// InvocationLog records completed invocations. *services.DBService implements it.
type InvocationLog interface {
	RecordInvocation(ctx context.Context, rec *models.InvocationRecord) error
}

type Options struct {
	RelayURL         string
	ReconnectInitial time.Duration
	ReconnectMax     time.Duration

	Events         events.Publisher
	History        InvocationLog
	Store          services.StorageService
	MaxInlineBytes int
	Logger         *zap.Logger
}

type Supervisor struct {
	opts   Options
	dialer transport.Dialer
	pool   Invoker
	log    *zap.Logger
	events events.Publisher
	now    func() time.Time

	outbox *outbox

	mu       sync.Mutex
	inflight map[string]struct{}
	workers  map[string]bool

	connected atomic.Bool
	wg        sync.WaitGroup
}

func New(dialer transport.Dialer, pool Invoker, opts Options) *Supervisor {
	if opts.ReconnectInitial <= 0 {
		opts.ReconnectInitial = 500 * time.Millisecond
	}
	if opts.ReconnectMax <= 0 {
		opts.ReconnectMax = 30 * time.Second
	}
	pub := opts.Events
	if pub == nil {
		pub = events.Nop{}
	}
	return &Supervisor{
		opts:     opts,
		dialer:   dialer,
		pool:     pool,
		log:      logging.OrNop(opts.Logger),
		events:   pub,
		now:      time.Now,
		outbox:   newOutbox(),
		inflight: make(map[string]struct{}),
		workers:  make(map[string]bool),
	}
}

// Connected reports whether the relay has acknowledged the current connection.
func (s *Supervisor) Connected() bool {
	return s.connected.Load()
}

// Run keeps the relay connection alive until ctx is done, reconnecting with
// exponential backoff. In-flight invocations are waited for before it returns.
func (s *Supervisor) Run(ctx context.Context) error {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.pumpWorkerMessages(ctx)
	}()
	defer s.wg.Wait()

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = s.opts.ReconnectInitial
	bo.MaxInterval = s.opts.ReconnectMax
	bo.MaxElapsedTime = 0
	bo.Reset()

	for {
		s.publish(ctx, events.BridgeConnecting, map[string]string{"url": s.opts.RelayURL})
		registered, err := s.session(ctx)
		s.connected.Store(false)
		if ctx.Err() != nil {
			return nil
		}
		if registered {
			bo.Reset()
		}

		s.log.Warn("relay connection lost", zap.String("url", s.opts.RelayURL), zap.Error(err))
		s.publish(ctx, events.BridgeDisconnected, map[string]string{"error": errString(err)})

		delay := bo.NextBackOff()
		s.publish(ctx, events.BridgeReconnecting, map[string]any{"delayMs": delay.Milliseconds()})
		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return nil
		}
	}
}

// session serves one relay connection. It reports whether the relay
// acknowledged the registration before the connection ended.
func (s *Supervisor) session(ctx context.Context) (bool, error) {
	conn, err := s.dialer.Dial(ctx, s.opts.RelayURL)
	if err != nil {
		return false, fmt.Errorf("dial %s: %w", s.opts.RelayURL, err)
	}

	hello, err := json.Marshal(models.Message{Action: models.ActionRegisterClient})
	if err != nil {
		_ = conn.Close()
		return false, err
	}
	if err := conn.WriteMessage(transport.TextMessage, hello); err != nil {
		_ = conn.Close()
		return false, fmt.Errorf("register: %w", err)
	}

	sctx, cancel := context.WithCancel(ctx)
	var registered atomic.Bool
	var wg sync.WaitGroup
	errs := make(chan error, 2)

	wg.Add(2)
	go func() {
		defer wg.Done()
		errs <- s.readLoop(ctx, conn, &registered)
	}()
	go func() {
		defer wg.Done()
		errs <- s.writeLoop(sctx, conn)
	}()

	select {
	case err = <-errs:
	case <-ctx.Done():
		err = ctx.Err()
	}
	cancel()
	_ = conn.Close()
	wg.Wait()
	return registered.Load(), err
}

func (s *Supervisor) readLoop(ctx context.Context, conn transport.Conn, registered *atomic.Bool) error {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}
		var msg models.Message
		if err := json.Unmarshal(data, &msg); err != nil {
			s.log.Warn("undecodable relay message", zap.Error(err))
			continue
		}

		switch msg.Action {
		case models.ActionClientRegistered:
			registered.Store(true)
			s.connected.Store(true)
			s.log.Info("registered with relay", zap.String("connection_id", msg.ConnectionID))
			s.publish(ctx, events.BridgeConnected, map[string]string{"connectionId": msg.ConnectionID})
		case models.ActionNewRequest:
			s.accept(ctx, msg)
		default:
			s.log.Debug("ignoring relay message", zap.String("action", string(msg.Action)))
		}
	}
}

func (s *Supervisor) writeLoop(ctx context.Context, conn transport.Conn) error {
	for {
		items := s.outbox.take(s.now())
		for i, it := range items {
			if err := conn.WriteMessage(transport.TextMessage, it.data); err != nil {
				s.outbox.requeue(items[i:])
				return fmt.Errorf("write: %w", err)
			}
			s.log.Debug("response sent", zap.String("request_id", it.requestID))
		}
		select {
		case <-s.outbox.signal:
		case <-ctx.Done():
			return nil
		}
	}
}

func (s *Supervisor) pumpWorkerMessages(ctx context.Context) {
	msgs := s.pool.Messages()
	for {
		select {
		case m, ok := <-msgs:
			if !ok {
				return
			}
			typ := events.WorkerOut
			if m.Type == models.WorkerExit {
				typ = events.WorkerExited
			}
			s.publish(ctx, typ, m)
		case <-ctx.Done():
			return
		}
	}
}

func (s *Supervisor) publish(ctx context.Context, typ events.Type, props any) {
	err := s.events.Publish(ctx, events.Event{Type: typ, Properties: props, Time: s.now()})
	if err != nil && !errors.Is(err, context.Canceled) {
		s.log.Debug("event publish failed", zap.String("type", string(typ)), zap.Error(err))
	}
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
