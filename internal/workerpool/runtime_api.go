package workerpool

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"lambda-live-bridge/internal/logging"
	"lambda-live-bridge/internal/models"
)

const runtimeAPIVersion = "2018-06-01"

// Header names of the Lambda Runtime API.
const (
	headerRequestID     = "Lambda-Runtime-Aws-Request-Id"
	headerDeadline      = "Lambda-Runtime-Deadline-Ms"
	headerFunctionArn   = "Lambda-Runtime-Invoked-Function-Arn"
	headerTraceID       = "Lambda-Runtime-Trace-Id"
	headerClientContext = "Lambda-Runtime-Client-Context"
	headerCognito       = "Lambda-Runtime-Cognito-Identity"
	headerErrorType     = "Lambda-Runtime-Function-Error-Type"
)

// RuntimeAPI serves the Lambda Runtime API to local worker processes. Each
// worker polls under its own path prefix, so one listener serves them all.
type RuntimeAPI struct {
	app *fiber.App
	log *zap.Logger

	mu     sync.Mutex
	addr   string
	queues map[string]*invocationQueue
}

func NewRuntimeAPI(log *zap.Logger) *RuntimeAPI {
	a := &RuntimeAPI{
		log:    logging.OrNop(log),
		queues: make(map[string]*invocationQueue),
	}
	a.app = fiber.New(fiber.Config{
		AppName:               "Lambda Runtime API",
		DisableStartupMessage: true,
		BodyLimit:             16 * 1024 * 1024,
	})

	prefix := "/:worker/" + runtimeAPIVersion + "/runtime"
	a.app.Get(prefix+"/invocation/next", a.next)
	a.app.Post(prefix+"/invocation/:id/response", a.response)
	a.app.Post(prefix+"/invocation/:id/error", a.invocationError)
	a.app.Post(prefix+"/init/error", a.initError)
	return a
}

// Listen starts serving on addr, e.g. "127.0.0.1:0".
func (a *RuntimeAPI) Listen(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("runtime api listen: %w", err)
	}
	a.mu.Lock()
	a.addr = ln.Addr().String()
	a.mu.Unlock()

	go func() {
		if err := a.app.Listener(ln); err != nil {
			a.log.Error("runtime api stopped", zap.Error(err))
		}
	}()
	return nil
}

// Addr returns the listening address, empty before Listen.
func (a *RuntimeAPI) Addr() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.addr
}

// Endpoint is the AWS_LAMBDA_RUNTIME_API value for workerID.
func (a *RuntimeAPI) Endpoint(workerID string) string {
	return a.Addr() + "/" + workerID
}

func (a *RuntimeAPI) Shutdown() error {
	a.mu.Lock()
	for _, q := range a.queues {
		q.close(errors.New("runtime api shut down"))
	}
	a.mu.Unlock()
	return a.app.Shutdown()
}

func (a *RuntimeAPI) register(workerID string) *invocationQueue {
	q := newInvocationQueue()
	a.mu.Lock()
	a.queues[workerID] = q
	a.mu.Unlock()
	return q
}

func (a *RuntimeAPI) unregister(workerID string) {
	a.mu.Lock()
	delete(a.queues, workerID)
	a.mu.Unlock()
}

func (a *RuntimeAPI) queue(c *fiber.Ctx) (*invocationQueue, error) {
	a.mu.Lock()
	q, ok := a.queues[c.Params("worker")]
	a.mu.Unlock()
	if !ok {
		return nil, fiber.NewError(fiber.StatusNotFound, "unknown worker")
	}
	return q, nil
}

// next long-polls until an invocation is queued for the worker.
func (a *RuntimeAPI) next(c *fiber.Ctx) error {
	q, err := a.queue(c)
	if err != nil {
		return err
	}

	var inv *invocation
	select {
	case inv = <-q.next:
	case <-q.done:
		return fiber.NewError(fiber.StatusGone, "worker stopped")
	}

	req := inv.req
	deadline := req.ExpiresAt
	if deadline.IsZero() {
		deadline = time.Now().Add(DefaultInvocationBudget)
	}
	c.Set(headerRequestID, req.RequestID)
	c.Set(headerDeadline, strconv.FormatInt(deadline.UnixMilli(), 10))
	c.Set(headerFunctionArn, req.Metadata.InvokedFunctionArn)
	if req.Metadata.TraceID != "" {
		c.Set(headerTraceID, req.Metadata.TraceID)
	}
	if len(req.Metadata.ClientContext) > 0 {
		c.Set(headerClientContext, string(req.Metadata.ClientContext))
	}
	if req.Metadata.CognitoIdentityID != "" {
		identity, _ := json.Marshal(map[string]string{
			"cognitoIdentityId":     req.Metadata.CognitoIdentityID,
			"cognitoIdentityPoolId": req.Metadata.CognitoPoolID,
		})
		c.Set(headerCognito, string(identity))
	}
	c.Set(fiber.HeaderContentType, fiber.MIMEApplicationJSON)

	event := req.Event
	if len(event) == 0 {
		event = json.RawMessage("{}")
	}
	return c.Send(event)
}

func (a *RuntimeAPI) response(c *fiber.Ctx) error {
	q, err := a.queue(c)
	if err != nil {
		return err
	}
	// fasthttp reuses the body buffer after the handler returns.
	body := append(json.RawMessage(nil), c.Body()...)
	q.complete(c.Params("id"), models.Success(body))
	return c.SendStatus(fiber.StatusAccepted)
}

func (a *RuntimeAPI) invocationError(c *fiber.Ctx) error {
	q, err := a.queue(c)
	if err != nil {
		return err
	}
	q.complete(c.Params("id"), failurePayload(c))
	return c.SendStatus(fiber.StatusAccepted)
}

func (a *RuntimeAPI) initError(c *fiber.Ctx) error {
	q, err := a.queue(c)
	if err != nil {
		return err
	}
	p := failurePayload(c)
	a.log.Warn("worker init failed",
		zap.String("worker_id", c.Params("worker")),
		zap.String("error_type", p.Error.ErrorType),
		zap.String("error_message", p.Error.ErrorMessage),
	)
	q.close(p.Error)
	return c.SendStatus(fiber.StatusAccepted)
}

// runtimeError is the error document posted by Lambda runtimes.
type runtimeError struct {
	ErrorMessage string `json:"errorMessage"`
	ErrorType    string `json:"errorType"`
	StackTrace   []struct {
		Path  string `json:"path"`
		Line  int    `json:"line"`
		Label string `json:"label"`
	} `json:"stackTrace"`
}

func failurePayload(c *fiber.Ctx) models.ResponsePayload {
	var doc runtimeError
	if err := json.Unmarshal(c.Body(), &doc); err != nil {
		doc.ErrorMessage = string(c.Body())
	}
	if doc.ErrorType == "" {
		doc.ErrorType = c.Get(headerErrorType, models.ErrorTypeHandler)
	}
	p := models.Fail(doc.ErrorType, doc.ErrorMessage)
	for _, f := range doc.StackTrace {
		p.Error.StackTrace = append(p.Error.StackTrace, fmt.Sprintf("%s (%s:%d)", f.Label, f.Path, f.Line))
	}
	return p
}

type invocation struct {
	req    models.InvocationRequest
	result chan models.ResponsePayload
}

// invocationQueue hands invocations to one worker process and routes the
// posted results back to the waiting callers.
type invocationQueue struct {
	next chan *invocation

	mu       sync.Mutex
	inflight map[string]*invocation

	done     chan struct{}
	doneOnce sync.Once
	err      error
}

func newInvocationQueue() *invocationQueue {
	return &invocationQueue{
		next:     make(chan *invocation),
		inflight: make(map[string]*invocation),
		done:     make(chan struct{}),
	}
}

func (q *invocationQueue) add(req models.InvocationRequest) *invocation {
	inv := &invocation{req: req, result: make(chan models.ResponsePayload, 1)}
	q.mu.Lock()
	q.inflight[req.RequestID] = inv
	q.mu.Unlock()
	return inv
}

func (q *invocationQueue) remove(requestID string) {
	q.mu.Lock()
	delete(q.inflight, requestID)
	q.mu.Unlock()
}

// complete delivers the result for requestID. Results for invocations that
// are no longer waited on are dropped.
func (q *invocationQueue) complete(requestID string, p models.ResponsePayload) {
	q.mu.Lock()
	inv, ok := q.inflight[requestID]
	delete(q.inflight, requestID)
	q.mu.Unlock()
	if ok {
		inv.result <- p
	}
}

func (q *invocationQueue) close(err error) {
	q.doneOnce.Do(func() {
		q.err = err
		close(q.done)
	})
}
