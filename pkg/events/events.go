package events

import (
	"sync"
	"time"

	"github.com/cuemby/seedhost/pkg/log"
	"github.com/cuemby/seedhost/pkg/types"
)

// Listener receives status events
type Listener func(types.StatusEvent)

type subscription struct {
	id uint64
	fn Listener
}

// Bus is the process-wide status publish/subscribe hub. Publish delivers
// synchronously to every listener in registration order. There is no
// listener cap and no replay.
type Bus struct {
	mu        sync.RWMutex
	listeners []subscription
	nextID    uint64
}

// NewBus creates an empty bus
func NewBus() *Bus {
	return &Bus{}
}

// Subscribe registers fn and returns its unsubscribe function. Unsubscribe
// is idempotent and may be called from inside fn.
func (b *Bus) Subscribe(fn Listener) func() {
	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.listeners = append(b.listeners, subscription{id: id, fn: fn})
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { b.remove(id) })
	}
}

// SubscribeNode registers fn for events about a single node
func (b *Bus) SubscribeNode(nodeID string, fn Listener) func() {
	return b.Subscribe(func(event types.StatusEvent) {
		if event.NodeID == nodeID {
			fn(event)
		}
	})
}

// Publish delivers event to the listeners registered at call time.
// A panicking listener is logged and skipped.
func (b *Bus) Publish(event types.StatusEvent) {
	if event.At.IsZero() {
		event.At = time.Now()
	}

	b.mu.RLock()
	snapshot := make([]subscription, len(b.listeners))
	copy(snapshot, b.listeners)
	b.mu.RUnlock()

	for _, sub := range snapshot {
		b.deliver(sub, event)
	}
}

func (b *Bus) deliver(sub subscription, event types.StatusEvent) {
	defer func() {
		if r := recover(); r != nil {
			logger := log.WithComponent("events")
			logger.Error().
				Interface("panic", r).
				Str("node_id", event.NodeID).
				Msg("status listener panicked")
		}
	}()
	sub.fn(event)
}

func (b *Bus) remove(id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for i, sub := range b.listeners {
		if sub.id == id {
			b.listeners = append(b.listeners[:i:i], b.listeners[i+1:]...)
			return
		}
	}
}

// SubscriberCount returns the number of registered listeners
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.listeners)
}
