package supervisor

import (
	"context"
	"encoding/json"
	"fmt"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"lambda-live-bridge/internal/events"
	"lambda-live-bridge/internal/models"
	"lambda-live-bridge/internal/services"
)

// InvocationEvent is the properties of function.* events.
type InvocationEvent struct {
	RequestID    string `json:"requestID"`
	FunctionID   string `json:"functionID"`
	WorkerID     string `json:"workerID,omitempty"`
	DurationMs   int64  `json:"durationMs,omitempty"`
	ErrorType    string `json:"errorType,omitempty"`
	ErrorMessage string `json:"errorMessage,omitempty"`
}

// accept starts one invocation without blocking the read loop. A request id
// that is already in flight is ignored.
func (s *Supervisor) accept(ctx context.Context, msg models.Message) {
	req := msg.InvocationRequest()
	if req.RequestID == "" {
		s.log.Warn("request without requestID ignored")
		return
	}
	// ExpiresAt is on the stub host's clock. Rebase it on the budget the stub
	// had left so clock skew cannot expire work that is still awaited.
	if req.TimeoutRemaining > 0 {
		req.ExpiresAt = s.now().Add(req.TimeoutRemaining)
	}

	s.mu.Lock()
	if _, dup := s.inflight[req.RequestID]; dup {
		s.mu.Unlock()
		s.log.Info("duplicate request ignored", zap.String("request_id", req.RequestID))
		return
	}
	s.inflight[req.RequestID] = struct{}{}
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.finish(req.RequestID)
		s.handle(ctx, req, msg.EventRef, msg.StubConnectionID)
	}()
}

func (s *Supervisor) finish(requestID string) {
	s.mu.Lock()
	delete(s.inflight, requestID)
	s.mu.Unlock()
}

// handle runs req and queues its response. The reply guard makes sure
// exactly one response leaves, whatever happens in between.
func (s *Supervisor) handle(ctx context.Context, req models.InvocationRequest, eventRef *models.PayloadRef, stubID string) {
	log := s.log.With(zap.String("request_id", req.RequestID), zap.String("function_id", req.FunctionID))
	started := s.now()
	info := InvocationEvent{RequestID: req.RequestID, FunctionID: req.FunctionID}

	var once sync.Once
	reply := func(p models.ResponsePayload) {
		once.Do(func() {
			s.respond(req, stubID, p)
			s.complete(ctx, log, req, info, started, p)
		})
	}
	defer func() {
		if r := recover(); r != nil {
			log.Error("invocation panicked", zap.Any("panic", r))
			p := models.Fail(models.ErrorTypePanic, fmt.Sprint(r))
			p.Error.StackTrace = strings.Split(strings.TrimSpace(string(debug.Stack())), "\n")
			reply(p)
		}
		reply(models.Fail(models.ErrorTypeBridge, "invocation ended without a result"))
	}()

	s.publish(ctx, events.FunctionInvoked, info)

	invCtx := ctx
	if !req.ExpiresAt.IsZero() {
		var cancel context.CancelFunc
		invCtx, cancel = context.WithDeadline(ctx, req.ExpiresAt)
		defer cancel()
	}

	event, err := services.Resolve(invCtx, s.opts.Store, req.Event, eventRef)
	if err != nil {
		reply(models.FailFromError(models.ErrorTypeBridge, err))
		return
	}
	req.Event = event

	w, err := s.pool.Ensure(invCtx, req.FunctionID, req.Env)
	if err != nil {
		log.Warn("no worker for invocation", zap.Error(err))
		reply(models.FailFromError(models.ErrorTypeBridge, err))
		return
	}
	info.WorkerID = w.ID
	s.noteWorker(ctx, w.ID, req.FunctionID)

	resp := s.pool.Invoke(invCtx, w.ID, req)
	reply(s.spill(ctx, req.RequestID, resp.Payload))
}

// spill moves a large success body to the payload store.
func (s *Supervisor) spill(ctx context.Context, requestID string, p models.ResponsePayload) models.ResponsePayload {
	if p.Failed() {
		return p
	}
	inline, ref, err := services.Offload(ctx, s.opts.Store, s.opts.MaxInlineBytes, requestID, "response", p.Body)
	if err != nil {
		return models.FailFromError(models.ErrorTypeBridge, err)
	}
	p.Body, p.Ref = inline, ref
	return p
}

func (s *Supervisor) respond(req models.InvocationRequest, stubID string, p models.ResponsePayload) {
	msg := models.NewResponseMessage(models.InvocationResponse{RequestID: req.RequestID, Payload: p}, stubID)
	data, err := json.Marshal(msg)
	if err != nil {
		// Only a body that is not valid JSON gets here.
		fail := models.Fail(models.ErrorTypeBridge, fmt.Sprintf("encode response: %v", err))
		msg.Payload = &fail
		data, _ = json.Marshal(msg)
	}
	s.outbox.push(outboxItem{requestID: req.RequestID, expiresAt: req.ExpiresAt, data: data})
}

func (s *Supervisor) complete(ctx context.Context, log *zap.Logger, req models.InvocationRequest, info InvocationEvent, started time.Time, p models.ResponsePayload) {
	elapsed := s.now().Sub(started)
	info.DurationMs = elapsed.Milliseconds()

	rec := &models.InvocationRecord{
		RequestID:  req.RequestID,
		FunctionID: req.FunctionID,
		WorkerID:   info.WorkerID,
		InvokedAt:  started,
		InputEvent: req.Event,
		DurationMs: int(info.DurationMs),
	}
	if p.Failed() && p.Error != nil {
		info.ErrorType = p.Error.ErrorType
		info.ErrorMessage = p.Error.ErrorMessage
		rec.Status = models.StatusFail
		rec.ErrorType = p.Error.ErrorType
		rec.ErrorMessage = p.Error.ErrorMessage
		log.Info("invocation failed", zap.String("error_type", info.ErrorType), zap.Duration("duration", elapsed))
		s.publish(ctx, events.FunctionError, info)
	} else {
		rec.Status = models.StatusSuccess
		rec.OutputResult = p.Body
		log.Info("invocation succeeded", zap.Duration("duration", elapsed))
		s.publish(ctx, events.FunctionSuccess, info)
	}

	if s.opts.History == nil {
		return
	}
	// Not bound to the invocation deadline.
	hctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := s.opts.History.RecordInvocation(hctx, rec); err != nil {
		log.Warn("failed to record invocation", zap.Error(err))
	}
}

func (s *Supervisor) noteWorker(ctx context.Context, workerID, functionID string) {
	s.mu.Lock()
	seen := s.workers[workerID]
	s.workers[workerID] = true
	s.mu.Unlock()
	if !seen {
		s.publish(ctx, events.WorkerStarted, models.WorkerMessage{
			Type:       models.WorkerStart,
			WorkerID:   workerID,
			FunctionID: functionID,
		})
	}
}
