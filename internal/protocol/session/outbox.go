package session

import (
	"sync"

	"github.com/danmuck/nsbus/internal/protocol"
)

// Outbox is a bounded FIFO of events published while a client has no live
// stream. When full, the oldest event is dropped.
type Outbox struct {
	mu       sync.Mutex
	capacity int
	items    []protocol.Event
	dropped  uint64
}

func NewOutbox(capacity int) *Outbox {
	if capacity <= 0 {
		capacity = DefaultConfig().OutboxCapacity
	}
	return &Outbox{
		capacity: capacity,
		items:    make([]protocol.Event, 0, min(capacity, 64)),
	}
}

// Push queues ev and reports whether an older event was dropped to make room.
func (o *Outbox) Push(ev protocol.Event) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	dropped := false
	if len(o.items) >= o.capacity {
		o.items = o.items[1:]
		o.dropped++
		dropped = true
	}
	o.items = append(o.items, ev)
	return dropped
}

// Drain removes and returns every queued event in publish order.
func (o *Outbox) Drain() []protocol.Event {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := o.items
	o.items = make([]protocol.Event, 0, min(o.capacity, 64))
	return out
}

// Requeue puts events back at the front, ahead of anything pushed since they
// were drained. Events beyond capacity are dropped from the oldest end.
func (o *Outbox) Requeue(events []protocol.Event) {
	if len(events) == 0 {
		return
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	merged := make([]protocol.Event, 0, len(events)+len(o.items))
	merged = append(merged, events...)
	merged = append(merged, o.items...)
	if over := len(merged) - o.capacity; over > 0 {
		merged = merged[over:]
		o.dropped += uint64(over)
	}
	o.items = merged
}

func (o *Outbox) Len() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.items)
}

// Dropped returns the number of events discarded because the outbox was full.
func (o *Outbox) Dropped() uint64 {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.dropped
}
