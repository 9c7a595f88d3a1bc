package workerpool

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"runtime/debug"
	"strings"
	"sync"

	"lambda-live-bridge/internal/models"
	"lambda-live-bridge/internal/reqctx"
)

// HandlerFunc is an in-process function handler. The returned value is
// marshalled to JSON as the invocation result.
type HandlerFunc func(ctx context.Context, event json.RawMessage) (any, error)

// FuncRuntime runs registered Go handlers inside the supervisor process.
// Each invocation gets a fresh request-context scope.
type FuncRuntime struct {
	mu       sync.RWMutex
	handlers map[string]HandlerFunc
}

func NewFuncRuntime() *FuncRuntime {
	return &FuncRuntime{handlers: make(map[string]HandlerFunc)}
}

// Handle registers h for functionID, replacing any earlier handler.
func (r *FuncRuntime) Handle(functionID string, h HandlerFunc) {
	r.mu.Lock()
	r.handlers[functionID] = h
	r.mu.Unlock()
}

func (r *FuncRuntime) Start(_ context.Context, spec UnitSpec) (Unit, error) {
	r.mu.RLock()
	h, ok := r.handlers[spec.FunctionID]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: no handler for %s", ErrUnknownFunction, spec.FunctionID)
	}
	return &funcUnit{
		handler: h,
		output:  spec.Output,
		done:    make(chan struct{}),
	}, nil
}

type funcUnit struct {
	handler HandlerFunc
	output  func(stream, line string)

	stopOnce sync.Once
	done     chan struct{}
}

func (u *funcUnit) Invoke(ctx context.Context, req models.InvocationRequest) (payload models.ResponsePayload) {
	ctx = reqctx.Bind(ctx, req)
	w := &lineWriter{stream: "stdout", emit: u.output}
	ctx = context.WithValue(ctx, outputKey{}, io.Writer(w))
	defer w.Flush()

	defer func() {
		if r := recover(); r != nil {
			payload = models.Fail(models.ErrorTypePanic, fmt.Sprint(r))
			payload.Error.StackTrace = stackLines(debug.Stack())
		}
	}()

	v, err := u.handler(ctx, req.Event)
	if err != nil {
		return models.FailFromError(models.ErrorTypeHandler, err)
	}
	body, err := json.Marshal(v)
	if err != nil {
		return models.Fail(models.ErrorTypeHandler, fmt.Sprintf("marshal result: %v", err))
	}
	return models.Success(body)
}

func (u *funcUnit) Stop() error {
	u.stopOnce.Do(func() { close(u.done) })
	return nil
}

func (u *funcUnit) Done() <-chan struct{} { return u.done }

func (u *funcUnit) Err() error { return nil }

type outputKey struct{}

// Output returns a writer into the current worker's output stream. Outside
// a worker invocation it discards.
func Output(ctx context.Context) io.Writer {
	if w, ok := ctx.Value(outputKey{}).(io.Writer); ok {
		return w
	}
	return io.Discard
}

// lineWriter turns a byte stream into output lines.
type lineWriter struct {
	stream string
	emit   func(stream, line string)

	mu  sync.Mutex
	buf bytes.Buffer
}

func (w *lineWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.buf.Write(p)
	for {
		line, err := w.buf.ReadString('\n')
		if err != nil {
			// Keep the partial line for the next write.
			w.buf.Reset()
			w.buf.WriteString(line)
			return len(p), nil
		}
		w.send(strings.TrimRight(line, "\r\n"))
	}
}

// Flush emits a trailing partial line.
func (w *lineWriter) Flush() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.buf.Len() > 0 {
		w.send(w.buf.String())
		w.buf.Reset()
	}
}

func (w *lineWriter) send(line string) {
	if w.emit != nil {
		w.emit(w.stream, line)
	}
}

func stackLines(stack []byte) []string {
	var lines []string
	for _, l := range strings.Split(strings.TrimSpace(string(stack)), "\n") {
		if l = strings.TrimSpace(l); l != "" {
			lines = append(lines, l)
		}
	}
	return lines
}
