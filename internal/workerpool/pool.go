// Package workerpool runs developer functions on the local machine.
//
// A Pool owns one Worker per function. Workers wrap a Unit started by a
// Runtime: FuncRuntime for in-process Go handlers and ProcessRuntime for
// local binaries speaking the Lambda Runtime API. Worker output and exits
// are reported on the Messages channel.
package workerpool

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"lambda-live-bridge/internal/logging"
	"lambda-live-bridge/internal/models"
)

var (
	ErrWorkerNotFound   = errors.New("worker not found")
	ErrUnknownFunction  = errors.New("unknown function")
	ErrFunctionBuilding = errors.New("function is building")
	ErrPoolClosed       = errors.New("worker pool closed")
)

// State is the lifecycle state of a worker.
type State string

const (
	StateStarting State = "starting"
	StateReady    State = "ready"
	StateBusy     State = "busy"
	StateStopped  State = "stopped"
)

const (
	DefaultOutputBuffer = 1024
	DefaultBuildWait    = 30 * time.Second
)

// Function binds a function id to the runtime that executes it.
type Function struct {
	ID      string
	Runtime Runtime
	// Args and Env are used when a start request does not supply its own.
	// Env entries override the environment forwarded with a request.
	Args []string
	Env  map[string]string
	Dir  string
}

type Options struct {
	// Concurrency bounds in-flight invocations per worker. 1 serializes.
	Concurrency int
	// BuildWait is how long an invocation waits for a building function.
	BuildWait    time.Duration
	OutputBuffer int
	Logger       *zap.Logger
}

type Worker struct {
	ID         string
	FunctionID string
	StartedAt  time.Time

	unit Unit
	sem  chan struct{}
	// ready is closed once the start attempt has finished.
	ready chan struct{}

	mu       sync.Mutex
	state    State
	inflight int
}

func (w *Worker) State() State {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

type Pool struct {
	opts Options
	log  *zap.Logger

	out     chan models.WorkerMessage
	dropped atomic.Int64

	mu         sync.Mutex
	functions  map[string]Function
	workers    map[string]*Worker
	byFunction map[string]*Worker
	building   map[string]chan struct{}
	closed     bool
}

func New(opts Options) *Pool {
	if opts.Concurrency < 1 {
		opts.Concurrency = 1
	}
	if opts.BuildWait <= 0 {
		opts.BuildWait = DefaultBuildWait
	}
	if opts.OutputBuffer <= 0 {
		opts.OutputBuffer = DefaultOutputBuffer
	}
	return &Pool{
		opts:       opts,
		log:        logging.OrNop(opts.Logger),
		out:        make(chan models.WorkerMessage, opts.OutputBuffer),
		functions:  make(map[string]Function),
		workers:    make(map[string]*Worker),
		byFunction: make(map[string]*Worker),
		building:   make(map[string]chan struct{}),
	}
}

// Register makes fn startable. Registering an id again replaces its definition
// for workers started afterwards.
func (p *Pool) Register(fn Function) {
	p.mu.Lock()
	p.functions[fn.ID] = fn
	p.mu.Unlock()
}

// Messages streams worker.out and worker.exit notifications. Messages are
// dropped when the buffer is full.
func (p *Pool) Messages() <-chan models.WorkerMessage {
	return p.out
}

// Dropped returns how many messages were dropped on a full buffer.
func (p *Pool) Dropped() int64 {
	return p.dropped.Load()
}

// Worker returns the worker with id, nil when there is none.
func (p *Pool) Worker(id string) *Worker {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.workers[id]
}

// Workers returns a snapshot of the live workers.
func (p *Pool) Workers() []*Worker {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*Worker, 0, len(p.workers))
	for _, w := range p.workers {
		out = append(out, w)
	}
	return out
}

// Start launches a worker for functionID. Nil args fall back to the
// function's registered arguments.
func (p *Pool) Start(ctx context.Context, functionID string, env map[string]string, args []string) (*Worker, error) {
	return p.start(ctx, "", functionID, env, args)
}

func (p *Pool) start(ctx context.Context, workerID, functionID string, env map[string]string, args []string) (*Worker, error) {
	p.mu.Lock()
	w, fn, err := p.reserve(workerID, functionID)
	p.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return p.launch(ctx, w, fn, env, args)
}

// reserve registers a starting worker. p.mu must be held.
func (p *Pool) reserve(workerID, functionID string) (*Worker, Function, error) {
	if p.closed {
		return nil, Function{}, ErrPoolClosed
	}
	fn, ok := p.functions[functionID]
	if !ok {
		return nil, Function{}, fmt.Errorf("%w: %s", ErrUnknownFunction, functionID)
	}
	if workerID == "" {
		workerID = uuid.New().String()
	}
	if _, exists := p.workers[workerID]; exists {
		return nil, Function{}, fmt.Errorf("worker %s already exists", workerID)
	}
	w := &Worker{
		ID:         workerID,
		FunctionID: functionID,
		StartedAt:  time.Now(),
		sem:        make(chan struct{}, p.opts.Concurrency),
		ready:      make(chan struct{}),
		state:      StateStarting,
	}
	p.workers[workerID] = w
	p.byFunction[functionID] = w
	return w, fn, nil
}

func (p *Pool) launch(ctx context.Context, w *Worker, fn Function, env map[string]string, args []string) (*Worker, error) {
	defer close(w.ready)
	workerID, functionID := w.ID, w.FunctionID

	if args == nil {
		args = fn.Args
	}
	merged := make(map[string]string, len(env)+len(fn.Env))
	maps.Copy(merged, env)
	maps.Copy(merged, fn.Env)

	p.emitLine(w, "state: "+string(StateStarting))
	unit, err := fn.Runtime.Start(ctx, UnitSpec{
		WorkerID:   workerID,
		FunctionID: functionID,
		Env:        merged,
		Args:       args,
		Dir:        fn.Dir,
		Output: func(stream, line string) {
			p.emitLine(w, line)
		},
	})
	if err != nil {
		p.forget(w)
		p.setState(w, StateStopped)
		return nil, fmt.Errorf("start worker for %s: %w", functionID, err)
	}

	p.mu.Lock()
	w.unit = unit
	p.mu.Unlock()
	if w.State() == StateStopped {
		// Stopped while the unit was still starting.
		_ = unit.Stop()
		return nil, fmt.Errorf("worker %s stopped during start", workerID)
	}
	p.setState(w, StateReady)
	p.log.Info("worker started",
		zap.String("worker_id", workerID),
		zap.String("function_id", functionID),
	)

	go p.watch(w)
	return w, nil
}

// Ensure returns the live worker for functionID, starting one when needed.
// Callers share any start already in flight for the function, including an
// explicit Start or worker.start command.
func (p *Pool) Ensure(ctx context.Context, functionID string, env map[string]string) (*Worker, error) {
	for {
		p.mu.Lock()
		if w := p.byFunction[functionID]; w != nil {
			if w.unit != nil {
				p.mu.Unlock()
				return w, nil
			}
			ready := w.ready
			p.mu.Unlock()
			select {
			case <-ready:
				continue
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
		w, fn, err := p.reserve("", functionID)
		p.mu.Unlock()
		if err != nil {
			return nil, err
		}
		return p.launch(ctx, w, fn, env, nil)
	}
}

// Stop terminates workerID. Stopping an unknown or stopped worker is a no-op.
func (p *Pool) Stop(workerID string) error {
	p.mu.Lock()
	w, ok := p.workers[workerID]
	p.mu.Unlock()
	if !ok {
		return nil
	}
	p.forget(w)
	// State first: a start that sets its unit afterwards sees the stop.
	p.setState(w, StateStopped)

	p.mu.Lock()
	unit := w.unit
	p.mu.Unlock()
	if unit == nil {
		return nil
	}
	return unit.Stop()
}

// Close stops every worker and rejects further starts.
func (p *Pool) Close() error {
	p.mu.Lock()
	p.closed = true
	ids := make([]string, 0, len(p.workers))
	for id := range p.workers {
		ids = append(ids, id)
	}
	p.mu.Unlock()

	var errs []error
	for _, id := range ids {
		if err := p.Stop(id); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Control applies a worker.start or worker.stop command.
func (p *Pool) Control(ctx context.Context, msg models.WorkerMessage) error {
	switch msg.Type {
	case models.WorkerStart:
		_, err := p.start(ctx, msg.WorkerID, msg.FunctionID, msg.Env, msg.Args)
		return err
	case models.WorkerStop:
		return p.Stop(msg.WorkerID)
	default:
		return fmt.Errorf("unsupported worker command %q", msg.Type)
	}
}

// MarkBuilding holds invocations of functionID while building is true.
// Held invocations resume when it is cleared, or fail after BuildWait.
func (p *Pool) MarkBuilding(functionID string, building bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	ch, ok := p.building[functionID]
	switch {
	case building && !ok:
		p.building[functionID] = make(chan struct{})
	case !building && ok:
		close(ch)
		delete(p.building, functionID)
	}
}

// Invoke runs req on workerID. Every call yields exactly one response;
// pool-side problems are reported as failure payloads.
func (p *Pool) Invoke(ctx context.Context, workerID string, req models.InvocationRequest) (resp models.InvocationResponse) {
	resp.RequestID = req.RequestID

	w := p.Worker(workerID)
	if w == nil {
		resp.Payload = models.Fail(models.ErrorTypeBridge, fmt.Sprintf("%s: %s", ErrWorkerNotFound, workerID))
		return resp
	}
	if ctx.Err() != nil {
		resp.Payload = models.Fail(models.ErrorTypeTimeout, "caller stopped waiting before the invocation started")
		return resp
	}
	held, err := p.waitBuild(ctx, w.FunctionID)
	if err != nil {
		resp.Payload = models.FailFromError(models.ErrorTypeBuilding, err)
		return resp
	}
	if held && w.State() == StateStopped {
		// The build replaced the worker; run on its successor.
		if w, err = p.Ensure(ctx, w.FunctionID, req.Env); err != nil {
			resp.Payload = models.FailFromError(models.ErrorTypeBridge, err)
			return resp
		}
		workerID = w.ID
	}

	select {
	case w.sem <- struct{}{}:
	case <-ctx.Done():
		resp.Payload = models.Fail(models.ErrorTypeTimeout, "timed out waiting for a free worker slot")
		return resp
	}
	defer func() { <-w.sem }()

	p.mu.Lock()
	unit := w.unit
	p.mu.Unlock()
	if unit == nil || w.State() == StateStopped {
		resp.Payload = models.Fail(models.ErrorTypeBridge, fmt.Sprintf("worker %s is stopped", workerID))
		return resp
	}

	p.enter(w)
	defer p.leave(w)

	defer func() {
		if r := recover(); r != nil {
			p.log.Error("unit panicked", zap.String("worker_id", workerID), zap.Any("panic", r))
			resp.Payload = models.Fail(models.ErrorTypePanic, fmt.Sprint(r))
			resp.Payload.Error.StackTrace = stackLines(debug.Stack())
		}
	}()
	resp.Payload = unit.Invoke(ctx, req)
	return resp
}

// waitBuild blocks while functionID is building and reports whether it did.
func (p *Pool) waitBuild(ctx context.Context, functionID string) (bool, error) {
	p.mu.Lock()
	ch, ok := p.building[functionID]
	p.mu.Unlock()
	if !ok {
		return false, nil
	}

	timer := time.NewTimer(p.opts.BuildWait)
	defer timer.Stop()
	select {
	case <-ch:
		return true, nil
	case <-timer.C:
		return true, fmt.Errorf("%w: %s still building after %s", ErrFunctionBuilding, functionID, p.opts.BuildWait)
	case <-ctx.Done():
		return true, fmt.Errorf("%w: %s", ErrFunctionBuilding, functionID)
	}
}

func (p *Pool) enter(w *Worker) {
	w.mu.Lock()
	w.inflight++
	changed := w.state == StateReady
	if changed {
		w.state = StateBusy
	}
	w.mu.Unlock()
	if changed {
		p.emitLine(w, "state: "+string(StateBusy))
	}
}

func (p *Pool) leave(w *Worker) {
	w.mu.Lock()
	w.inflight--
	changed := w.inflight == 0 && w.state == StateBusy
	if changed {
		w.state = StateReady
	}
	w.mu.Unlock()
	if changed {
		p.emitLine(w, "state: "+string(StateReady))
	}
}

func (p *Pool) setState(w *Worker, s State) {
	w.mu.Lock()
	if w.state == s || w.state == StateStopped {
		w.mu.Unlock()
		return
	}
	w.state = s
	w.mu.Unlock()
	p.emitLine(w, "state: "+string(s))
}

// watch reports the unit's exit and frees the function slot for a restart.
func (p *Pool) watch(w *Worker) {
	<-w.unit.Done()
	p.forget(w)
	p.setState(w, StateStopped)

	msg := models.WorkerMessage{Type: models.WorkerExit, WorkerID: w.ID, FunctionID: w.FunctionID}
	if err := w.unit.Err(); err != nil {
		msg.Data = err.Error()
		p.log.Warn("worker exited", zap.String("worker_id", w.ID), zap.Error(err))
	} else {
		p.log.Info("worker stopped", zap.String("worker_id", w.ID))
	}
	p.emit(msg)
}

func (p *Pool) forget(w *Worker) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.workers[w.ID] == w {
		delete(p.workers, w.ID)
	}
	if p.byFunction[w.FunctionID] == w {
		delete(p.byFunction, w.FunctionID)
	}
}

func (p *Pool) emitLine(w *Worker, line string) {
	p.emit(models.WorkerMessage{
		Type:       models.WorkerOut,
		WorkerID:   w.ID,
		FunctionID: w.FunctionID,
		Data:       line,
	})
}

func (p *Pool) emit(msg models.WorkerMessage) {
	select {
	case p.out <- msg:
	default:
		p.dropped.Add(1)
	}
}
