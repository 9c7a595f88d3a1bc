// Package events defines the notifications the bridge publishes to the
// event bus and a small in-process bus implementation.
package events

import (
	"context"
	"sync"
	"time"
)

// Type names an event
type Type string

const (
	BridgeConnecting   Type = "bridge.connecting"
	BridgeConnected    Type = "bridge.connected"
	BridgeDisconnected Type = "bridge.disconnected"
	BridgeReconnecting Type = "bridge.reconnecting"

	FunctionInvoked Type = "function.invoked"
	FunctionSuccess Type = "function.success"
	FunctionError   Type = "function.error"

	WorkerStarted Type = "worker.started"
	WorkerOut     Type = "worker.out"
	WorkerExited  Type = "worker.exit"
)

// Event is one notification
type Event struct {
	Type       Type      `json:"type"`
	Properties any       `json:"properties,omitempty"`
	Time       time.Time `json:"time"`
}

// Publisher hands events to the bus. Publishing never blocks the bridge on
// slow subscribers.
type Publisher interface {
	Publish(ctx context.Context, e Event) error
}

// Nop discards events.
type Nop struct{}

func (Nop) Publish(context.Context, Event) error { return nil }

// Bus fans events out to in-process subscribers. A subscriber whose buffer
// is full misses events rather than stalling publishers.
type Bus struct {
	mu      sync.Mutex
	nextID  int
	subs    map[int]chan Event
	dropped int
}

// NewBus returns an empty Bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[int]chan Event)}
}

// Subscribe returns a channel of future events and a function that ends the
// subscription and closes the channel.
func (b *Bus) Subscribe(buffer int) (<-chan Event, func()) {
	ch := make(chan Event, buffer)
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			close(ch)
		})
	}
}

func (b *Bus) Publish(_ context.Context, e Event) error {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subs {
		select {
		case ch <- e:
		default:
			b.dropped++
		}
	}
	return nil
}

// Dropped reports how many deliveries were skipped because of full buffers.
func (b *Bus) Dropped() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dropped
}

// Fanout publishes to every publisher, returning the first error.
type Fanout []Publisher

func (f Fanout) Publish(ctx context.Context, e Event) error {
	var first error
	for _, p := range f {
		if err := p.Publish(ctx, e); err != nil && first == nil {
			first = err
		}
	}
	return first
}
