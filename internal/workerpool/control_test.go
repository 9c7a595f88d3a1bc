package workerpool

import (
	"context"
	"encoding/json"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestServeControlAppliesCommands(t *testing.T) {
	p := newFuncPool(t, Options{}, map[string]HandlerFunc{
		"f1": func(context.Context, json.RawMessage) (any, error) { return "hi", nil },
	})

	commands := strings.Join([]string{
		`{"type":"worker.start","workerID":"w1","functionID":"f1","env":{"STAGE":"dev"}}`,
		`not json`,
		``,
		`{"type":"worker.start","workerID":"w2","functionID":"missing"}`,
		`{"type":"worker.start","workerID":"w3","functionID":"f1"}`,
		`{"type":"worker.stop","workerID":"w3"}`,
	}, "\n")
	require.NoError(t, p.ServeControl(context.Background(), strings.NewReader(commands)))

	require.NotNil(t, p.Worker("w1"))
	assert.Equal(t, StateReady, p.Worker("w1").State())
	assert.Nil(t, p.Worker("w2"))
	assert.Nil(t, p.Worker("w3"))

	resp := p.Invoke(context.Background(), "w1", request("r1", `{}`))
	require.False(t, resp.Payload.Failed())
	assert.JSONEq(t, `"hi"`, string(resp.Payload.Body))
}

func TestServeControlStopsWithContext(t *testing.T) {
	p := newFuncPool(t, Options{}, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	// A reader that never ends; only the context stops the loop.
	r, w := io.Pipe()
	t.Cleanup(func() { _ = w.Close() })
	assert.NoError(t, p.ServeControl(ctx, r))
}
