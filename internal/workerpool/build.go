package workerpool

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"time"

	"go.uber.org/zap"

	"lambda-live-bridge/internal/models"
)

// BuildTimeout bounds one build command.
const BuildTimeout = 5 * time.Minute

// buildWaitDelay bounds how long output pipes held open by a killed build's
// children can delay Build.
const buildWaitDelay = 2 * time.Second

// Build runs a build command for functionID. Invocations of the function are
// held while it runs, and the function's workers are stopped afterwards so the
// held and later invocations start the fresh binary. Build output is streamed
// line by line as worker.out messages with an empty worker id.
func (p *Pool) Build(ctx context.Context, functionID string, command []string, dir string) error {
	if len(command) == 0 {
		return nil
	}
	p.MarkBuilding(functionID, true)
	defer p.MarkBuilding(functionID, false)

	started := time.Now()
	buildCtx, cancel := context.WithTimeout(ctx, BuildTimeout)
	defer cancel()

	emit := func(_, line string) {
		p.emit(models.WorkerMessage{Type: models.WorkerOut, FunctionID: functionID, Data: line})
	}
	stdout := &lineWriter{stream: "stdout", emit: emit}
	stderr := &lineWriter{stream: "stderr", emit: emit}

	cmd := exec.CommandContext(buildCtx, command[0], command[1:]...)
	cmd.Dir = dir
	cmd.Env = os.Environ()
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	cmd.WaitDelay = buildWaitDelay

	err := cmd.Run()
	stdout.Flush()
	stderr.Flush()
	if err != nil {
		switch {
		case ctx.Err() != nil:
			err = ctx.Err()
		case errors.Is(buildCtx.Err(), context.DeadlineExceeded):
			err = fmt.Errorf("build timed out after %s", BuildTimeout)
		}
		p.log.Warn("build failed", zap.String("function_id", functionID), zap.Error(err))
		return fmt.Errorf("build %s: %w", functionID, err)
	}

	for _, w := range p.Workers() {
		if w.FunctionID == functionID {
			if err := p.Stop(w.ID); err != nil {
				p.log.Warn("failed to stop stale worker", zap.String("worker_id", w.ID), zap.Error(err))
			}
		}
	}
	p.log.Info("build finished",
		zap.String("function_id", functionID),
		zap.Duration("duration", time.Since(started)),
	)
	return nil
}
