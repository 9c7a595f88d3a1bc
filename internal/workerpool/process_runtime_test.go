package workerpool

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/aws/aws-lambda-go/lambda"
	"github.com/aws/aws-lambda-go/lambdacontext"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lambda-live-bridge/internal/models"
)

const helperEnv = "BRIDGE_TEST_HELPER"

// TestMain doubles as a Lambda function binary: when started by a
// ProcessRuntime with helperEnv set, it serves invocations through
// aws-lambda-go instead of running tests.
func TestMain(m *testing.M) {
	switch os.Getenv(helperEnv) {
	case "":
		os.Exit(m.Run())
	case "echo":
		fmt.Fprintln(os.Stderr, "helper starting")
		lambda.Start(func(ctx context.Context, in map[string]float64) (map[string]any, error) {
			lc, _ := lambdacontext.FromContext(ctx)
			fmt.Println("handling", lc.AwsRequestID)
			deadline, _ := ctx.Deadline()
			return map[string]any{
				"b":        in["a"] + 1,
				"function": lambdacontext.FunctionName,
				"stage":    os.Getenv("STAGE"),
				"deadline": deadline.UnixMilli(),
			}, nil
		})
	case "fail":
		lambda.Start(func(context.Context, json.RawMessage) (string, error) {
			return "", errors.New("handler refused")
		})
	case "crash":
		lambda.Start(func(context.Context, json.RawMessage) (string, error) {
			fmt.Fprintln(os.Stderr, "about to crash")
			os.Exit(3)
			return "", nil
		})
	case "exit":
		os.Exit(2)
	}
}

func newProcessPool(t *testing.T, mode string) *Pool {
	t.Helper()
	api := NewRuntimeAPI(nil)
	require.NoError(t, api.Listen("127.0.0.1:0"))

	p := New(Options{OutputBuffer: 256})
	p.Register(Function{
		ID:      "f1",
		Runtime: NewProcessRuntime(api, nil),
		Args:    []string{os.Args[0]},
		Env:     map[string]string{helperEnv: mode},
	})
	t.Cleanup(func() {
		_ = p.Close()
		_ = api.Shutdown()
	})
	return p
}

func processRequest(id string, event string) models.InvocationRequest {
	req := request(id, event)
	req.Metadata.InvokedFunctionArn = "arn:aws:lambda:us-east-1:123456789012:function:orders"
	return req
}

func collectLines(p *Pool, workerID string, into map[string]bool) {
	for _, m := range drain(p) {
		if m.WorkerID == workerID && m.Type == models.WorkerOut {
			into[m.Data] = true
		}
	}
}

func TestProcessRuntimeServesLambdaHandler(t *testing.T) {
	p := newProcessPool(t, "echo")
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	w, err := p.Ensure(ctx, "f1", map[string]string{"STAGE": "dev"})
	require.NoError(t, err)

	req := processRequest("r1-1", `{"a":1}`)
	resp := p.Invoke(ctx, w.ID, req)
	require.False(t, resp.Payload.Failed(), "%+v", resp.Payload.Error)

	var out map[string]any
	require.NoError(t, json.Unmarshal(resp.Payload.Body, &out))
	assert.Equal(t, float64(2), out["b"])
	assert.Equal(t, "f1", out["function"])
	assert.Equal(t, "dev", out["stage"])
	assert.Equal(t, float64(req.ExpiresAt.UnixMilli()), out["deadline"])

	// A second invocation reuses the same process.
	resp = p.Invoke(ctx, w.ID, processRequest("r1-2", `{"a":41}`))
	require.False(t, resp.Payload.Failed())
	require.NoError(t, json.Unmarshal(resp.Payload.Body, &out))
	assert.Equal(t, float64(42), out["b"])

	lines := map[string]bool{}
	assert.Eventually(t, func() bool {
		collectLines(p, w.ID, lines)
		return lines["helper starting"] && lines["handling r1-1"] && lines["handling r1-2"]
	}, 5*time.Second, 10*time.Millisecond)
}

func TestProcessRuntimeHandlerError(t *testing.T) {
	p := newProcessPool(t, "fail")
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	w, err := p.Ensure(ctx, "f1", nil)
	require.NoError(t, err)

	resp := p.Invoke(ctx, w.ID, processRequest("r1", `{}`))
	require.True(t, resp.Payload.Failed())
	assert.Equal(t, "errorString", resp.Payload.Error.ErrorType)
	assert.Equal(t, "handler refused", resp.Payload.Error.ErrorMessage)
}

func TestProcessCrashFailsPendingInvocation(t *testing.T) {
	p := newProcessPool(t, "crash")
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	w, err := p.Ensure(ctx, "f1", nil)
	require.NoError(t, err)

	resp := p.Invoke(ctx, w.ID, processRequest("r1", `{}`))
	require.True(t, resp.Payload.Failed())
	assert.Equal(t, models.ErrorTypeExit, resp.Payload.Error.ErrorType)
	assert.Contains(t, resp.Payload.Error.ErrorMessage, "exit status 3")

	var exit *models.WorkerMessage
	require.Eventually(t, func() bool {
		for _, m := range drain(p) {
			if m.Type == models.WorkerExit && m.WorkerID == w.ID {
				exit = &m
				return true
			}
		}
		return false
	}, 5*time.Second, 10*time.Millisecond)
	assert.Contains(t, exit.Data, "exit status 3")
	assert.Equal(t, StateStopped, w.State())

	next, err := p.Ensure(ctx, "f1", nil)
	require.NoError(t, err)
	assert.NotEqual(t, w.ID, next.ID)
}

func TestProcessExitBeforePolling(t *testing.T) {
	p := newProcessPool(t, "exit")
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	w, err := p.Ensure(ctx, "f1", nil)
	require.NoError(t, err)

	resp := p.Invoke(ctx, w.ID, processRequest("r1", `{}`))
	require.True(t, resp.Payload.Failed())
	// The worker may already be gone by the time Invoke looks it up.
	assert.Contains(t, []string{models.ErrorTypeExit, models.ErrorTypeBridge}, resp.Payload.Error.ErrorType)
}

func TestProcessInvocationTimeout(t *testing.T) {
	p := newProcessPool(t, "echo")
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()
	w, err := p.Ensure(ctx, "f1", nil)
	require.NoError(t, err)

	expired, cancelExpired := context.WithCancel(ctx)
	cancelExpired()
	resp := p.Invoke(expired, w.ID, processRequest("r1", `{"a":1}`))
	require.True(t, resp.Payload.Failed())
	assert.Equal(t, models.ErrorTypeTimeout, resp.Payload.Error.ErrorType)
}

func TestProcessRuntimeRequiresCommand(t *testing.T) {
	api := NewRuntimeAPI(nil)
	require.NoError(t, api.Listen("127.0.0.1:0"))
	t.Cleanup(func() { _ = api.Shutdown() })

	_, err := NewProcessRuntime(api, nil).Start(context.Background(), UnitSpec{WorkerID: "w1", FunctionID: "f1"})
	assert.Error(t, err)
}
