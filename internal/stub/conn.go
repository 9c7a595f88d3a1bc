package stub

import (
	"encoding/json"
	"sync"

	"go.uber.org/zap"

	"lambda-live-bridge/internal/models"
	"lambda-live-bridge/internal/transport"
)

// relayConn multiplexes concurrent invocations over one connection.
type relayConn struct {
	ws  transport.Conn
	log *zap.Logger

	writeMu sync.Mutex

	mu      sync.Mutex
	pending map[string]chan models.InvocationResponse

	done     chan struct{}
	doneOnce sync.Once
	err      error
}

func newRelayConn(ws transport.Conn, log *zap.Logger) *relayConn {
	c := &relayConn{
		ws:      ws,
		log:     log,
		pending: make(map[string]chan models.InvocationResponse),
		done:    make(chan struct{}),
	}
	go c.readLoop()
	return c
}

// await registers requestID in the correlation table.
func (c *relayConn) await(requestID string) <-chan models.InvocationResponse {
	ch := make(chan models.InvocationResponse, 1)
	c.mu.Lock()
	c.pending[requestID] = ch
	c.mu.Unlock()
	return ch
}

func (c *relayConn) forget(requestID string) {
	c.mu.Lock()
	delete(c.pending, requestID)
	c.mu.Unlock()
}

func (c *relayConn) write(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.ws.WriteMessage(transport.TextMessage, data); err != nil {
		c.close(err)
		return err
	}
	return nil
}

func (c *relayConn) closed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

func (c *relayConn) close(err error) {
	c.doneOnce.Do(func() {
		c.err = err
		close(c.done)
		_ = c.ws.Close()
	})
}

func (c *relayConn) readLoop() {
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			c.close(err)
			return
		}
		var msg models.Message
		if err := json.Unmarshal(data, &msg); err != nil {
			c.log.Warn("undecodable relay message", zap.Error(err))
			continue
		}
		if msg.Action != models.ActionNewResponse || msg.Payload == nil {
			continue
		}
		c.deliver(models.InvocationResponse{RequestID: msg.RequestID, Payload: *msg.Payload})
	}
}

func (c *relayConn) deliver(resp models.InvocationResponse) {
	c.mu.Lock()
	ch, ok := c.pending[resp.RequestID]
	delete(c.pending, resp.RequestID)
	c.mu.Unlock()
	if !ok {
		// Late or duplicate answer for an invocation that already finished.
		c.log.Debug("discarding unmatched response", zap.String("request_id", resp.RequestID))
		return
	}
	ch <- resp
}
