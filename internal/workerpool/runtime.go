package workerpool

import (
	"context"

	"lambda-live-bridge/internal/models"
)

// Runtime starts execution units for a function.
type Runtime interface {
	Start(ctx context.Context, spec UnitSpec) (Unit, error)
}

// UnitSpec describes one unit to start.
type UnitSpec struct {
	WorkerID   string
	FunctionID string
	Env        map[string]string
	Args       []string
	// Dir is the working directory, empty for the supervisor's own.
	Dir string
	// Output receives unit output one line at a time. stream is "stdout" or "stderr".
	Output func(stream, line string)
}

// Unit is a running execution unit owned by exactly one Worker.
type Unit interface {
	// Invoke runs one invocation and always yields a payload.
	Invoke(ctx context.Context, req models.InvocationRequest) models.ResponsePayload
	// Stop terminates the unit. It is safe to call more than once.
	Stop() error
	// Done is closed once the unit has exited.
	Done() <-chan struct{}
	// Err reports why the unit exited, nil for a clean stop.
	Err() error
}
