// Package transport holds the message connection used by both ends of the
// bridge to talk to the relay.
package transport

import (
	"context"
	"net/http"

	fasthttpws "github.com/fasthttp/websocket"
)

// TextMessage is the frame type used for every bridge message.
const TextMessage = fasthttpws.TextMessage

// Conn is one message-oriented connection to the relay. Reads and writes may
// run concurrently with each other but not with themselves.
type Conn interface {
	ReadMessage() (messageType int, data []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
}

// Dialer opens relay connections.
type Dialer interface {
	Dial(ctx context.Context, url string) (Conn, error)
}

// WebSocketDialer dials the relay over WebSocket.
type WebSocketDialer struct {
	Dialer *fasthttpws.Dialer
	Header http.Header
}

func (d WebSocketDialer) Dial(ctx context.Context, url string) (Conn, error) {
	dialer := d.Dialer
	if dialer == nil {
		dialer = fasthttpws.DefaultDialer
	}
	c, _, err := dialer.DialContext(ctx, url, d.Header)
	if err != nil {
		return nil, err
	}
	return c, nil
}
