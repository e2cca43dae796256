// Package stream delivers asynchronous order notifications from the
// exchange: a tagged Event type, a panic-isolating fan-out Hub, and a
// websocket Client that reconnects and resubscribes on its own.
package stream

import (
	"fmt"
	"log/slog"
	"sync"

	"spreadbot/internal/domain"
)

// EventKind tags the payload carried by an Event.
type EventKind string

const (
	KindOrderUpdated EventKind = "order_update"
	KindFilled       EventKind = "fill"
)

// Event is either an order update (Order set) or a fill (Fill set).
type Event struct {
	Kind  EventKind
	Order domain.Order
	Fill  domain.Fill
}

// OrderUpdated builds an order update event.
func OrderUpdated(o domain.Order) Event {
	return Event{Kind: KindOrderUpdated, Order: o}
}

// Filled builds a fill event.
func Filled(f domain.Fill) Event {
	return Event{Kind: KindFilled, Fill: f}
}

// OrderID returns the order the event refers to.
func (e Event) OrderID() string {
	if e.Kind == KindFilled {
		return e.Fill.OrderID
	}
	return e.Order.ID
}

// Listener receives events. HandleEvent runs on the delivery goroutine and
// must not block.
type Listener interface {
	HandleEvent(Event)
}

// ListenerFunc adapts a function to Listener.
type ListenerFunc func(Event)

// HandleEvent calls f(e).
func (f ListenerFunc) HandleEvent(e Event) { f(e) }

// Source is anything that delivers events to listeners.
type Source interface {
	// AddListener registers l and returns a function that removes it.
	AddListener(l Listener) (remove func())
}

// Hub fans events out to registered listeners. A listener that panics is
// logged and skipped; delivery to the others continues.
type Hub struct {
	mu        sync.RWMutex
	nextID    int
	listeners map[int]Listener
	order     []int
	log       *slog.Logger
}

// NewHub creates an empty Hub.
func NewHub(log *slog.Logger) *Hub {
	if log == nil {
		log = slog.Default()
	}
	return &Hub{listeners: make(map[int]Listener), log: log}
}

// AddListener registers l.
func (h *Hub) AddListener(l Listener) func() {
	h.mu.Lock()
	id := h.nextID
	h.nextID++
	h.listeners[id] = l
	h.order = append(h.order, id)
	h.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			h.mu.Lock()
			defer h.mu.Unlock()
			delete(h.listeners, id)
			for i, v := range h.order {
				if v == id {
					h.order = append(h.order[:i], h.order[i+1:]...)
					break
				}
			}
		})
	}
}

// Publish delivers e to every listener in registration order.
func (h *Hub) Publish(e Event) {
	h.mu.RLock()
	ls := make([]Listener, 0, len(h.order))
	for _, id := range h.order {
		ls = append(ls, h.listeners[id])
	}
	h.mu.RUnlock()

	for _, l := range ls {
		h.deliver(l, e)
	}
}

func (h *Hub) deliver(l Listener, e Event) {
	defer func() {
		if r := recover(); r != nil {
			h.log.Error("stream listener panicked", "kind", e.Kind, "order_id", e.OrderID(), "panic", fmt.Sprint(r))
		}
	}()
	l.HandleEvent(e)
}
