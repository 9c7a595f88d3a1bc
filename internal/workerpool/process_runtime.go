package workerpool

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"lambda-live-bridge/internal/logging"
	"lambda-live-bridge/internal/models"
)

const (
	// DefaultInvocationBudget is the deadline handed to a process when a
	// request carries none.
	DefaultInvocationBudget = 15 * time.Minute
	// StopTimeout is how long Stop waits after an interrupt before killing.
	StopTimeout = 5 * time.Second

	maxLineSize = 1024 * 1024
)

// ProcessRuntime runs functions as local processes that poll a RuntimeAPI,
// the same way they would poll the Lambda service.
type ProcessRuntime struct {
	api *RuntimeAPI
	log *zap.Logger
}

func NewProcessRuntime(api *RuntimeAPI, log *zap.Logger) *ProcessRuntime {
	return &ProcessRuntime{api: api, log: logging.OrNop(log)}
}

func (r *ProcessRuntime) Start(ctx context.Context, spec UnitSpec) (Unit, error) {
	if len(spec.Args) == 0 {
		return nil, fmt.Errorf("no command configured for %s", spec.FunctionID)
	}
	if r.api.Addr() == "" {
		return nil, errors.New("runtime api is not listening")
	}

	cmd := exec.Command(spec.Args[0], spec.Args[1:]...)
	cmd.Dir = spec.Dir
	cmd.Env = r.environ(spec)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, err
	}

	q := r.api.register(spec.WorkerID)
	if err := cmd.Start(); err != nil {
		r.api.unregister(spec.WorkerID)
		return nil, fmt.Errorf("start %s: %w", spec.Args[0], err)
	}

	u := &processUnit{
		cmd:    cmd,
		queue:  q,
		exited: make(chan struct{}),
	}

	var streams sync.WaitGroup
	streams.Add(2)
	go stream(&streams, stdout, "stdout", spec.Output)
	go stream(&streams, stderr, "stderr", spec.Output)

	go func() {
		// Drain the pipes before Wait closes them.
		streams.Wait()
		err := cmd.Wait()
		exitErr := err
		if exitErr == nil && !u.stopping() {
			exitErr = errors.New("process exited")
		}
		u.exit(exitErr)
		q.close(fmt.Errorf("worker process exited: %w", orExited(err)))
		r.api.unregister(spec.WorkerID)
	}()

	r.log.Debug("worker process started",
		zap.String("worker_id", spec.WorkerID),
		zap.Strings("args", spec.Args),
		zap.Int("pid", cmd.Process.Pid),
	)
	return u, nil
}

// environ builds the process environment: the supervisor's own environment,
// then the function's, then the runtime API wiring.
func (r *ProcessRuntime) environ(spec UnitSpec) []string {
	env := os.Environ()
	keys := make([]string, 0, len(spec.Env))
	for k := range spec.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		env = append(env, k+"="+spec.Env[k])
	}
	if _, ok := spec.Env["AWS_LAMBDA_FUNCTION_NAME"]; !ok {
		env = append(env, "AWS_LAMBDA_FUNCTION_NAME="+spec.FunctionID)
	}
	return append(env, "AWS_LAMBDA_RUNTIME_API="+r.api.Endpoint(spec.WorkerID))
}

func stream(wg *sync.WaitGroup, r io.Reader, name string, emit func(stream, line string)) {
	defer wg.Done()
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), maxLineSize)
	for sc.Scan() {
		if emit != nil {
			emit(name, sc.Text())
		}
	}
	// Keep reading so the child never blocks on a full pipe.
	_, _ = io.Copy(io.Discard, r)
}

func orExited(err error) error {
	if err == nil {
		return errors.New("exit status 0")
	}
	return err
}

type processUnit struct {
	cmd   *exec.Cmd
	queue *invocationQueue

	mu      sync.Mutex
	stopped bool

	exitOnce sync.Once
	exited   chan struct{}
	err      error
}

func (u *processUnit) Invoke(ctx context.Context, req models.InvocationRequest) models.ResponsePayload {
	inv := u.queue.add(req)
	defer u.queue.remove(req.RequestID)

	select {
	case u.queue.next <- inv:
	case <-u.queue.done:
		return u.exitFailure()
	case <-ctx.Done():
		return models.Fail(models.ErrorTypeTimeout, "worker did not pick up the invocation in time")
	}

	select {
	case p := <-inv.result:
		return p
	case <-u.queue.done:
		return u.exitFailure()
	case <-ctx.Done():
		return models.Fail(models.ErrorTypeTimeout, "worker did not respond in time")
	}
}

func (u *processUnit) exitFailure() models.ResponsePayload {
	var f *models.Failure
	if errors.As(u.queue.err, &f) {
		return models.ResponsePayload{Type: models.PayloadFailure, Error: f}
	}
	return models.FailFromError(models.ErrorTypeExit, u.queue.err)
}

// Stop interrupts the process and kills it if it is still running after
// StopTimeout.
func (u *processUnit) Stop() error {
	u.mu.Lock()
	if u.stopped {
		u.mu.Unlock()
		return nil
	}
	u.stopped = true
	u.mu.Unlock()

	if err := u.cmd.Process.Signal(os.Interrupt); err != nil {
		_ = u.cmd.Process.Kill()
	}
	select {
	case <-u.exited:
	case <-time.After(StopTimeout):
		if err := u.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
			return err
		}
		<-u.exited
	}
	return nil
}

func (u *processUnit) stopping() bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.stopped
}

func (u *processUnit) exit(err error) {
	u.exitOnce.Do(func() {
		if u.stopping() {
			err = nil
		}
		u.err = err
		close(u.exited)
	})
}

func (u *processUnit) Done() <-chan struct{} { return u.exited }

func (u *processUnit) Err() error { return u.err }
