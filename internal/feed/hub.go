// Package feed pushes committed events to live subscribers. It is a
// notification channel only: the events table stays the source of truth and
// subscribers that fall behind lose messages rather than slow writers down.
package feed

import (
	"context"
	"sync"

	"tbos/internal/domain"
)

const defaultBuffer = 64

// Hub fans events out to every active subscriber.
type Hub struct {
	mu     sync.RWMutex
	subs   map[int]chan domain.Event
	next   int
	buffer int
}

func NewHub(buffer int) *Hub {
	if buffer <= 0 {
		buffer = defaultBuffer
	}
	return &Hub{subs: make(map[int]chan domain.Event), buffer: buffer}
}

// Subscribe registers a subscriber. The channel is closed when ctx ends.
func (h *Hub) Subscribe(ctx context.Context) <-chan domain.Event {
	ch := make(chan domain.Event, h.buffer)

	h.mu.Lock()
	id := h.next
	h.next++
	h.subs[id] = ch
	h.mu.Unlock()

	go func() {
		<-ctx.Done()
		h.mu.Lock()
		delete(h.subs, id)
		close(ch)
		h.mu.Unlock()
	}()

	return ch
}

// Publish never blocks; a full subscriber misses the event.
func (h *Hub) Publish(evt domain.Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, ch := range h.subs {
		select {
		case ch <- evt:
		default:
		}
	}
}

// Subscribers reports how many channels are registered.
func (h *Hub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}
