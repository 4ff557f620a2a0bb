// Package notify is a small publish/subscribe hub. Discovery events, tunnel status changes and registry
// updates are all delivered through it so that any number of observers can follow them.
package notify

import (
	"sync"
)

// Hub fans out published values to all current subscribers. Every subscriber has its own buffered
// channel. Publish blocks while a subscriber buffer is full, until that subscriber reads or cancels.
type Hub[T any] struct {
	mu     sync.Mutex
	subs   map[*subscription[T]]struct{}
	closed bool
}

type subscription[T any] struct {
	ch     chan T
	done   chan struct{}
	once   sync.Once
	sendMu sync.Mutex
}

// NewHub creates an empty hub.
func NewHub[T any]() *Hub[T] {
	return &Hub[T]{subs: map[*subscription[T]]struct{}{}}
}

// Subscribe registers a new observer. The returned cancel func deregisters it and closes the channel,
// calling it more than once is fine.
func (h *Hub[T]) Subscribe(buffer int) (<-chan T, func()) {
	s := &subscription[T]{ch: make(chan T, buffer), done: make(chan struct{})}
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		close(s.ch)
		return s.ch, func() {}
	}
	h.subs[s] = struct{}{}
	h.mu.Unlock()

	cancel := func() {
		h.mu.Lock()
		delete(h.subs, s)
		h.mu.Unlock()
		s.stop()
	}
	return s.ch, cancel
}

// stop unblocks a pending delivery and closes the channel once no delivery is in flight.
func (s *subscription[T]) stop() {
	s.once.Do(func() {
		close(s.done)
		s.sendMu.Lock()
		close(s.ch)
		s.sendMu.Unlock()
	})
}

func (s *subscription[T]) deliver(v T) {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	select {
	case <-s.done:
		return
	default:
	}
	select {
	case s.ch <- v:
	case <-s.done:
	}
}

// Publish delivers v to every current subscriber.
func (h *Hub[T]) Publish(v T) {
	h.mu.Lock()
	subs := make([]*subscription[T], 0, len(h.subs))
	for s := range h.subs {
		subs = append(subs, s)
	}
	h.mu.Unlock()

	for _, s := range subs {
		s.deliver(v)
	}
}

// Len is the number of current subscribers.
func (h *Hub[T]) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// Close removes all subscribers and closes their channels. Publishing after Close is a no-op.
func (h *Hub[T]) Close() {
	h.mu.Lock()
	subs := h.subs
	h.subs = map[*subscription[T]]struct{}{}
	h.closed = true
	h.mu.Unlock()
	for s := range subs {
		s.stop()
	}
}
