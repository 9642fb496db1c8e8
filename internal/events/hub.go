package events

import (
	"slices"
	"sync"
)

// Handler consumes one published value.
type Handler[T any] func(T)

// Hub fans a value out to every registered handler. Delivery is synchronous
// and in publish order for a single publisher. Handlers are invoked outside
// the lock so they may unsubscribe themselves.
type Hub[T any] struct {
	mu       sync.RWMutex
	handlers map[uint64]Handler[T]
	nextID   uint64
}

// NewHub returns an empty hub.
func NewHub[T any]() *Hub[T] {
	return &Hub[T]{handlers: make(map[uint64]Handler[T])}
}

// Subscribe registers fn and returns a func that removes it. Calling the
// returned func more than once is harmless. A nil fn registers nothing.
func (h *Hub[T]) Subscribe(fn Handler[T]) func() {
	if fn == nil {
		return func() {}
	}

	h.mu.Lock()
	h.nextID++
	id := h.nextID
	h.handlers[id] = fn
	h.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.handlers, id)
			h.mu.Unlock()
		})
	}
}

// Publish delivers v to a snapshot of the current handlers in subscription
// order.
func (h *Hub[T]) Publish(v T) {
	h.mu.RLock()
	if len(h.handlers) == 0 {
		h.mu.RUnlock()
		return
	}
	ids := make([]uint64, 0, len(h.handlers))
	for id := range h.handlers {
		ids = append(ids, id)
	}
	h.mu.RUnlock()

	slices.Sort(ids)

	for _, id := range ids {
		h.mu.RLock()
		fn, ok := h.handlers[id]
		h.mu.RUnlock()
		if ok {
			fn(v)
		}
	}
}

// Len reports the number of registered handlers.
func (h *Hub[T]) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.handlers)
}
