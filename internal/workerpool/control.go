package workerpool

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"strings"

	"go.uber.org/zap"

	"lambda-live-bridge/internal/models"
)

// ServeControl applies worker.start and worker.stop commands read from r, one
// JSON object per line, until r is exhausted or ctx ends. A bad command is
// logged and skipped.
func (p *Pool) ServeControl(ctx context.Context, r io.Reader) error {
	lines := make(chan string)
	scanErr := make(chan error, 1)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(r)
		sc.Buffer(make([]byte, 64*1024), maxLineSize)
		for sc.Scan() {
			select {
			case lines <- sc.Text():
			case <-ctx.Done():
				return
			}
		}
		scanErr <- sc.Err()
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				select {
				case err := <-scanErr:
					return err
				default:
					return nil
				}
			}
			line = strings.TrimSpace(line)
			if line == "" {
				continue
			}
			var msg models.WorkerMessage
			if err := json.Unmarshal([]byte(line), &msg); err != nil {
				p.log.Warn("malformed worker command", zap.Error(err))
				continue
			}
			if err := p.Control(ctx, msg); err != nil {
				p.log.Warn("worker command failed",
					zap.String("type", string(msg.Type)),
					zap.String("worker_id", msg.WorkerID),
					zap.Error(err),
				)
				continue
			}
			p.log.Info("worker command applied",
				zap.String("type", string(msg.Type)),
				zap.String("worker_id", msg.WorkerID),
			)
		}
	}
}
