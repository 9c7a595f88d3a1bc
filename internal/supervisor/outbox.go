package supervisor

import (
	"sync"
	"time"
)

type outboxItem struct {
	requestID string
	expiresAt time.Time
	data      []byte
}

// outbox holds encoded responses until a connection writes them. It outlives
// connections so a response produced during a reconnect is still delivered.
type outbox struct {
	mu      sync.Mutex
	items   []outboxItem
	signal  chan struct{}
	dropped int
}

func newOutbox() *outbox {
	return &outbox{signal: make(chan struct{}, 1)}
}

func (o *outbox) push(it outboxItem) {
	o.mu.Lock()
	o.items = append(o.items, it)
	o.mu.Unlock()
	o.notify()
}

func (o *outbox) notify() {
	select {
	case o.signal <- struct{}{}:
	default:
	}
}

// take removes and returns everything queued, dropping entries whose stub
// has already given up.
func (o *outbox) take(now time.Time) []outboxItem {
	o.mu.Lock()
	defer o.mu.Unlock()
	var live []outboxItem
	for _, it := range o.items {
		if !it.expiresAt.IsZero() && !now.Before(it.expiresAt) {
			o.dropped++
			continue
		}
		live = append(live, it)
	}
	o.items = nil
	return live
}

// requeue puts unwritten items back in front of anything queued since.
func (o *outbox) requeue(items []outboxItem) {
	if len(items) == 0 {
		return
	}
	o.mu.Lock()
	o.items = append(append([]outboxItem(nil), items...), o.items...)
	o.mu.Unlock()
}

func (o *outbox) len() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.items)
}

func (o *outbox) droppedCount() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.dropped
}
