package workerpool

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lambda-live-bridge/internal/models"
	"lambda-live-bridge/internal/reqctx"
)

func newFuncPool(t *testing.T, opts Options, handlers map[string]HandlerFunc) *Pool {
	t.Helper()
	rt := NewFuncRuntime()
	p := New(opts)
	for id, h := range handlers {
		rt.Handle(id, h)
		p.Register(Function{ID: id, Runtime: rt})
	}
	t.Cleanup(func() { _ = p.Close() })
	return p
}

func request(id string, event string) models.InvocationRequest {
	return models.InvocationRequest{
		RequestID:  id,
		ExpiresAt:  time.Now().Add(10 * time.Second),
		FunctionID: "f1",
		Event:      json.RawMessage(event),
		Metadata:   models.ExecutionMetadata{AwsRequestID: id, FunctionName: "orders"},
	}
}

func invoke(t *testing.T, p *Pool, functionID string, req models.InvocationRequest) models.InvocationResponse {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	w, err := p.Ensure(ctx, functionID, nil)
	require.NoError(t, err)
	return p.Invoke(ctx, w.ID, req)
}

func drain(p *Pool) []models.WorkerMessage {
	var msgs []models.WorkerMessage
	for {
		select {
		case m := <-p.Messages():
			msgs = append(msgs, m)
		default:
			return msgs
		}
	}
}

func TestFuncRuntimeInvoke(t *testing.T) {
	p := newFuncPool(t, Options{}, map[string]HandlerFunc{
		"f1": func(ctx context.Context, event json.RawMessage) (any, error) {
			var in struct{ A int }
			if err := json.Unmarshal(event, &in); err != nil {
				return nil, err
			}
			meta := reqctx.Metadata.MustUse(ctx)
			return map[string]any{"b": in.A + 1, "fn": meta.FunctionName}, nil
		},
	})

	resp := invoke(t, p, "f1", request("r1", `{"a":1}`))
	assert.Equal(t, "r1", resp.RequestID)
	require.False(t, resp.Payload.Failed(), "%+v", resp.Payload.Error)
	assert.JSONEq(t, `{"b":2,"fn":"orders"}`, string(resp.Payload.Body))
}

func TestHandlerErrorBecomesFailure(t *testing.T) {
	p := newFuncPool(t, Options{}, map[string]HandlerFunc{
		"plain": func(context.Context, json.RawMessage) (any, error) {
			return nil, errors.New("boom")
		},
		"typed": func(context.Context, json.RawMessage) (any, error) {
			return nil, &models.Failure{ErrorType: "ValidationError", ErrorMessage: "missing id"}
		},
	})

	resp := invoke(t, p, "plain", request("r1", `{}`))
	require.True(t, resp.Payload.Failed())
	assert.Equal(t, models.ErrorTypeHandler, resp.Payload.Error.ErrorType)
	assert.Equal(t, "boom", resp.Payload.Error.ErrorMessage)

	resp = invoke(t, p, "typed", request("r2", `{}`))
	require.True(t, resp.Payload.Failed())
	assert.Equal(t, "ValidationError", resp.Payload.Error.ErrorType)
}

func TestHandlerPanicStillResponds(t *testing.T) {
	p := newFuncPool(t, Options{}, map[string]HandlerFunc{
		"f1": func(context.Context, json.RawMessage) (any, error) {
			panic("nil map write")
		},
	})

	resp := invoke(t, p, "f1", request("r1", `{}`))
	require.True(t, resp.Payload.Failed())
	assert.Equal(t, models.ErrorTypePanic, resp.Payload.Error.ErrorType)
	assert.Equal(t, "nil map write", resp.Payload.Error.ErrorMessage)
	assert.NotEmpty(t, resp.Payload.Error.StackTrace)

	// The worker survives and serves the next invocation.
	resp = invoke(t, p, "f1", request("r2", `{}`))
	assert.Equal(t, "r2", resp.RequestID)
}

func TestUnmarshalableResult(t *testing.T) {
	p := newFuncPool(t, Options{}, map[string]HandlerFunc{
		"f1": func(context.Context, json.RawMessage) (any, error) {
			return make(chan int), nil
		},
	})
	resp := invoke(t, p, "f1", request("r1", `{}`))
	require.True(t, resp.Payload.Failed())
	assert.Contains(t, resp.Payload.Error.ErrorMessage, "marshal result")
}

func TestOutputStreamedAsWorkerMessages(t *testing.T) {
	p := newFuncPool(t, Options{}, map[string]HandlerFunc{
		"f1": func(ctx context.Context, _ json.RawMessage) (any, error) {
			out := Output(ctx)
			fmt.Fprintln(out, "first line")
			fmt.Fprint(out, "partial")
			fmt.Fprint(out, " line")
			return nil, nil
		},
	})

	resp := invoke(t, p, "f1", request("r1", `{}`))
	require.False(t, resp.Payload.Failed())
	assert.JSONEq(t, `null`, string(resp.Payload.Body))

	var lines []string
	var workerID string
	for _, m := range drain(p) {
		if m.Type == models.WorkerOut {
			lines = append(lines, m.Data)
			workerID = m.WorkerID
			assert.Equal(t, "f1", m.FunctionID)
		}
	}
	assert.NotEmpty(t, workerID)
	assert.Equal(t, []string{
		"state: starting",
		"state: ready",
		"state: busy",
		"first line",
		"partial line",
		"state: ready",
	}, lines)
}

func TestOutputOutsideWorkerDiscards(t *testing.T) {
	n, err := fmt.Fprintln(Output(context.Background()), "nowhere")
	require.NoError(t, err)
	assert.Equal(t, 8, n)
}

func TestMessagesDroppedWhenBufferFull(t *testing.T) {
	p := newFuncPool(t, Options{OutputBuffer: 2}, map[string]HandlerFunc{
		"f1": func(ctx context.Context, _ json.RawMessage) (any, error) {
			for i := 0; i < 10; i++ {
				fmt.Fprintf(Output(ctx), "line %d\n", i)
			}
			return "ok", nil
		},
	})

	resp := invoke(t, p, "f1", request("r1", `{}`))
	require.False(t, resp.Payload.Failed())
	assert.Greater(t, p.Dropped(), int64(0))
	assert.Len(t, drain(p), 2)
}

func TestInvokeUnknownWorker(t *testing.T) {
	p := New(Options{})
	resp := p.Invoke(context.Background(), "missing", request("r1", `{}`))
	require.True(t, resp.Payload.Failed())
	assert.Equal(t, "r1", resp.RequestID)
	assert.Contains(t, resp.Payload.Error.ErrorMessage, ErrWorkerNotFound.Error())
}

func TestEnsureUnknownFunction(t *testing.T) {
	p := New(Options{})
	_, err := p.Ensure(context.Background(), "nope", nil)
	assert.ErrorIs(t, err, ErrUnknownFunction)
}

type countingRuntime struct {
	inner  Runtime
	starts atomic.Int32
	delay  time.Duration
	env    sync.Map
}

func (r *countingRuntime) Start(ctx context.Context, spec UnitSpec) (Unit, error) {
	r.starts.Add(1)
	r.env.Store(spec.WorkerID, spec.Env)
	time.Sleep(r.delay)
	return r.inner.Start(ctx, spec)
}

func TestEnsureStartsOnce(t *testing.T) {
	fr := NewFuncRuntime()
	fr.Handle("f1", func(context.Context, json.RawMessage) (any, error) { return 1, nil })
	rt := &countingRuntime{inner: fr, delay: 20 * time.Millisecond}

	p := New(Options{})
	p.Register(Function{ID: "f1", Runtime: rt, Env: map[string]string{"LOCAL": "1"}})
	t.Cleanup(func() { _ = p.Close() })

	var wg sync.WaitGroup
	ids := make([]string, 8)
	for i := range ids {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			w, err := p.Ensure(context.Background(), "f1", map[string]string{"LOCAL": "0", "REMOTE": "1"})
			if assert.NoError(t, err) {
				ids[i] = w.ID
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(1), rt.starts.Load())
	for _, id := range ids {
		assert.Equal(t, ids[0], id)
	}
	env, _ := rt.env.Load(ids[0])
	assert.Equal(t, map[string]string{"LOCAL": "1", "REMOTE": "1"}, env)
	assert.Equal(t, StateReady, p.Worker(ids[0]).State())
}

func TestStopIsIdempotentAndReportsExit(t *testing.T) {
	p := newFuncPool(t, Options{}, map[string]HandlerFunc{
		"f1": func(context.Context, json.RawMessage) (any, error) { return 1, nil },
	})
	w, err := p.Ensure(context.Background(), "f1", nil)
	require.NoError(t, err)

	require.NoError(t, p.Stop(w.ID))
	require.NoError(t, p.Stop(w.ID))
	require.NoError(t, p.Stop("never-existed"))
	assert.Equal(t, StateStopped, w.State())
	assert.Nil(t, p.Worker(w.ID))

	assert.Eventually(t, func() bool {
		for _, m := range drain(p) {
			if m.Type == models.WorkerExit && m.WorkerID == w.ID {
				return true
			}
		}
		return false
	}, 5*time.Second, 10*time.Millisecond)

	// The next Ensure starts a fresh worker.
	next, err := p.Ensure(context.Background(), "f1", nil)
	require.NoError(t, err)
	assert.NotEqual(t, w.ID, next.ID)

	resp := p.Invoke(context.Background(), w.ID, request("r1", `{}`))
	assert.True(t, resp.Payload.Failed())
}

func TestControlStartAndStop(t *testing.T) {
	p := newFuncPool(t, Options{}, map[string]HandlerFunc{
		"f1": func(context.Context, json.RawMessage) (any, error) { return "hi", nil },
	})
	ctx := context.Background()

	require.NoError(t, p.Control(ctx, models.WorkerMessage{Type: models.WorkerStart, WorkerID: "w1", FunctionID: "f1"}))
	require.NotNil(t, p.Worker("w1"))
	assert.Error(t, p.Control(ctx, models.WorkerMessage{Type: models.WorkerStart, WorkerID: "w1", FunctionID: "f1"}))

	resp := p.Invoke(ctx, "w1", request("r1", `{}`))
	require.False(t, resp.Payload.Failed())
	assert.JSONEq(t, `"hi"`, string(resp.Payload.Body))

	require.NoError(t, p.Control(ctx, models.WorkerMessage{Type: models.WorkerStop, WorkerID: "w1"}))
	assert.Nil(t, p.Worker("w1"))

	assert.Error(t, p.Control(ctx, models.WorkerMessage{Type: models.WorkerOut, WorkerID: "w1"}))
	assert.ErrorIs(t, p.Control(ctx, models.WorkerMessage{Type: models.WorkerStart, FunctionID: "f9"}), ErrUnknownFunction)
}

func concurrencyTracker() (HandlerFunc, *atomic.Int32) {
	var current, peak atomic.Int32
	return func(context.Context, json.RawMessage) (any, error) {
		n := current.Add(1)
		for {
			old := peak.Load()
			if n <= old || peak.CompareAndSwap(old, n) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		current.Add(-1)
		return n, nil
	}, &peak
}

func TestConcurrencyBound(t *testing.T) {
	for _, limit := range []int{1, 3} {
		t.Run(fmt.Sprintf("limit=%d", limit), func(t *testing.T) {
			h, peak := concurrencyTracker()
			p := newFuncPool(t, Options{Concurrency: limit}, map[string]HandlerFunc{"f1": h})
			w, err := p.Ensure(context.Background(), "f1", nil)
			require.NoError(t, err)

			var wg sync.WaitGroup
			for i := 0; i < 8; i++ {
				wg.Add(1)
				go func(i int) {
					defer wg.Done()
					resp := p.Invoke(context.Background(), w.ID, request(fmt.Sprintf("r%d", i), `{}`))
					assert.False(t, resp.Payload.Failed())
				}(i)
			}
			wg.Wait()
			assert.LessOrEqual(t, peak.Load(), int32(limit))
			if limit == 1 {
				assert.Equal(t, int32(1), peak.Load())
			}
		})
	}
}

func TestSlotWaitHonorsContext(t *testing.T) {
	release := make(chan struct{})
	p := newFuncPool(t, Options{Concurrency: 1}, map[string]HandlerFunc{
		"f1": func(context.Context, json.RawMessage) (any, error) {
			<-release
			return 1, nil
		},
	})
	defer close(release)
	w, err := p.Ensure(context.Background(), "f1", nil)
	require.NoError(t, err)

	go p.Invoke(context.Background(), w.ID, request("r1", `{}`))
	require.Eventually(t, func() bool { return w.State() == StateBusy }, 5*time.Second, time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	resp := p.Invoke(ctx, w.ID, request("r2", `{}`))
	require.True(t, resp.Payload.Failed())
	assert.Equal(t, models.ErrorTypeTimeout, resp.Payload.Error.ErrorType)
}

func TestMarkBuildingHoldsInvocations(t *testing.T) {
	p := newFuncPool(t, Options{BuildWait: 5 * time.Second}, map[string]HandlerFunc{
		"f1": func(context.Context, json.RawMessage) (any, error) { return "built", nil },
	})
	w, err := p.Ensure(context.Background(), "f1", nil)
	require.NoError(t, err)

	p.MarkBuilding("f1", true)
	done := make(chan models.InvocationResponse, 1)
	go func() { done <- p.Invoke(context.Background(), w.ID, request("r1", `{}`)) }()

	select {
	case <-done:
		t.Fatal("invocation ran while building")
	case <-time.After(50 * time.Millisecond):
	}

	p.MarkBuilding("f1", false)
	resp := <-done
	require.False(t, resp.Payload.Failed())
	assert.JSONEq(t, `"built"`, string(resp.Payload.Body))
}

func TestMarkBuildingTimesOut(t *testing.T) {
	p := newFuncPool(t, Options{BuildWait: 30 * time.Millisecond}, map[string]HandlerFunc{
		"f1": func(context.Context, json.RawMessage) (any, error) { return 1, nil },
	})
	w, err := p.Ensure(context.Background(), "f1", nil)
	require.NoError(t, err)

	p.MarkBuilding("f1", true)
	p.MarkBuilding("f1", true)
	resp := p.Invoke(context.Background(), w.ID, request("r1", `{}`))
	require.True(t, resp.Payload.Failed())
	assert.Equal(t, models.ErrorTypeBuilding, resp.Payload.Error.ErrorType)
}

func TestCloseRejectsStarts(t *testing.T) {
	p := newFuncPool(t, Options{}, map[string]HandlerFunc{
		"f1": func(context.Context, json.RawMessage) (any, error) { return 1, nil },
	})
	_, err := p.Ensure(context.Background(), "f1", nil)
	require.NoError(t, err)

	require.NoError(t, p.Close())
	assert.Empty(t, p.Workers())
	_, err = p.Ensure(context.Background(), "f1", nil)
	assert.ErrorIs(t, err, ErrPoolClosed)
}

func TestBuildRestartsWorkers(t *testing.T) {
	p := newFuncPool(t, Options{}, map[string]HandlerFunc{
		"f1": func(context.Context, json.RawMessage) (any, error) { return 1, nil },
	})
	w, err := p.Ensure(context.Background(), "f1", nil)
	require.NoError(t, err)
	drain(p)

	require.NoError(t, p.Build(context.Background(), "f1", []string{"sh", "-c", "echo compiling"}, t.TempDir()))
	assert.Nil(t, p.Worker(w.ID))

	var lines []string
	for _, m := range drain(p) {
		if m.Type == models.WorkerOut && m.WorkerID == "" {
			lines = append(lines, m.Data)
		}
	}
	assert.Contains(t, lines, "compiling")

	next, err := p.Ensure(context.Background(), "f1", nil)
	require.NoError(t, err)
	assert.NotEqual(t, w.ID, next.ID)
}

func TestBuildFailureKeepsWorkers(t *testing.T) {
	p := newFuncPool(t, Options{}, map[string]HandlerFunc{
		"f1": func(context.Context, json.RawMessage) (any, error) { return 1, nil },
	})
	w, err := p.Ensure(context.Background(), "f1", nil)
	require.NoError(t, err)

	err = p.Build(context.Background(), "f1", []string{"sh", "-c", "echo broken >&2; exit 1"}, "")
	require.Error(t, err)
	assert.NotNil(t, p.Worker(w.ID))

	// Invocations are no longer held once the build ended.
	resp := p.Invoke(context.Background(), w.ID, request("r1", `{}`))
	assert.False(t, resp.Payload.Failed())
}

func TestInvocationHeldByBuildRunsOnRebuiltWorker(t *testing.T) {
	p := newFuncPool(t, Options{BuildWait: 5 * time.Second}, map[string]HandlerFunc{
		"f1": func(context.Context, json.RawMessage) (any, error) { return "fresh", nil },
	})
	w, err := p.Ensure(context.Background(), "f1", nil)
	require.NoError(t, err)

	built := make(chan error, 1)
	go func() { built <- p.Build(context.Background(), "f1", []string{"sh", "-c", "sleep 0.2"}, "") }()
	require.Eventually(t, func() bool {
		p.mu.Lock()
		defer p.mu.Unlock()
		_, ok := p.building["f1"]
		return ok
	}, time.Second, 5*time.Millisecond)

	resp := p.Invoke(context.Background(), w.ID, request("r1", `{}`))
	require.NoError(t, <-built)
	require.False(t, resp.Payload.Failed(), "held invocation failed: %+v", resp.Payload.Error)
	assert.JSONEq(t, `"fresh"`, string(resp.Payload.Body))

	assert.Nil(t, p.Worker(w.ID))
	workers := p.Workers()
	require.Len(t, workers, 1)
	assert.NotEqual(t, w.ID, workers[0].ID)
}

func TestBuildStreamsOutputWhileRunning(t *testing.T) {
	p := newFuncPool(t, Options{}, map[string]HandlerFunc{
		"f1": func(context.Context, json.RawMessage) (any, error) { return 1, nil },
	})

	built := make(chan error, 1)
	go func() {
		built <- p.Build(context.Background(), "f1", []string{"sh", "-c", "echo first; sleep 1; echo second"}, "")
	}()

	timeout := time.After(5 * time.Second)
	for seen := false; !seen; {
		select {
		case m := <-p.Messages():
			seen = m.WorkerID == "" && m.Data == "first"
		case <-timeout:
			t.Fatal("no build output while the build was running")
		}
	}
	select {
	case <-built:
		t.Fatal("first line only arrived after the build finished")
	default:
	}
	require.NoError(t, <-built)
}

func TestBuildHonorsContext(t *testing.T) {
	p := newFuncPool(t, Options{}, map[string]HandlerFunc{
		"f1": func(context.Context, json.RawMessage) (any, error) { return 1, nil },
	})
	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(50*time.Millisecond, cancel)

	started := time.Now()
	err := p.Build(ctx, "f1", []string{"sleep", "10"}, "")
	assert.ErrorIs(t, err, context.Canceled)
	assert.Less(t, time.Since(started), 5*time.Second)
}

func TestEnsureJoinsExplicitStart(t *testing.T) {
	fr := NewFuncRuntime()
	fr.Handle("f1", func(context.Context, json.RawMessage) (any, error) { return 1, nil })
	rt := &countingRuntime{inner: fr, delay: 100 * time.Millisecond}

	p := New(Options{})
	p.Register(Function{ID: "f1", Runtime: rt})
	t.Cleanup(func() { _ = p.Close() })

	started := make(chan *Worker, 1)
	go func() {
		w, err := p.Start(context.Background(), "f1", nil, nil)
		assert.NoError(t, err)
		started <- w
	}()
	require.Eventually(t, func() bool { return rt.starts.Load() == 1 }, time.Second, time.Millisecond)

	w, err := p.Ensure(context.Background(), "f1", nil)
	require.NoError(t, err)
	assert.Equal(t, (<-started).ID, w.ID)
	assert.Equal(t, int32(1), rt.starts.Load())
}
