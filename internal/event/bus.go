package event

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/gyaneshwarpardhi/paycore/internal/metrics"
)

// Handler receives events. A returned error is logged and never stops
// delivery to the remaining handlers.
type Handler func(Event) error

type listener struct {
	id uint64
	fn Handler
}

// Bus is a listener registry. Publish delivers synchronously, in
// subscription order, with each handler isolated from the others' errors
// and panics. A nil *Bus drops everything.
type Bus struct {
	mu        sync.RWMutex
	listeners []listener
	nextID    uint64
	logger    *slog.Logger
}

// NewBus creates an empty Bus. A nil logger uses slog.Default().
func NewBus(logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{logger: logger}
}

// Subscribe registers h and returns a function that removes it. Calling the
// returned function more than once is harmless.
func (b *Bus) Subscribe(h Handler) (unsubscribe func()) {
	if b == nil {
		return func() {}
	}
	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.listeners = append(b.listeners, listener{id: id, fn: h})
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			for i, l := range b.listeners {
				if l.id == id {
					b.listeners = append(b.listeners[:i:i], b.listeners[i+1:]...)
					return
				}
			}
		})
	}
}

// Len returns the number of registered handlers.
func (b *Bus) Len() int {
	if b == nil {
		return 0
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.listeners)
}

// Publish delivers ev to every handler registered at call time.
func (b *Bus) Publish(ev Event) {
	if b == nil {
		return
	}
	b.mu.RLock()
	snapshot := make([]listener, len(b.listeners))
	copy(snapshot, b.listeners)
	b.mu.RUnlock()

	for _, l := range snapshot {
		if err := b.deliver(l, ev); err != nil {
			metrics.EventHandlerFailures.WithLabelValues(string(ev.Type)).Inc()
			b.logger.Warn("event handler failed", "type", ev.Type, "event_id", ev.ID, "err", err)
		}
	}
}

func (b *Bus) deliver(l listener, ev Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return l.fn(ev)
}
