// Package depth distributes reservoir depth readings to independent listeners.
package depth

import (
	"log"
	"sync"
	"time"
)

// Reading is a single reservoir depth sample in centimetres.
type Reading struct {
	Depth     float64
	Raw       int
	Timestamp time.Time
	// Previous is the depth of the reading before this one, nil for the first.
	Previous *float64
}

// Rising reports whether the depth increased relative to the previous reading.
func (r Reading) Rising() bool {
	return r.Previous != nil && r.Depth > *r.Previous
}

// DefaultBuffer is the per-subscriber queue length.
const DefaultBuffer = 32

// Hub fans readings out to subscribers. Each subscriber has its own goroutine
// and receives readings in arrival order; a slow subscriber does not hold up
// the others.
type Hub struct {
	mu       sync.RWMutex
	current  *float64
	previous *float64
	subs     map[*Subscription]struct{}
	closed   bool
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{subs: make(map[*Subscription]struct{})}
}

// Subscription is a registered listener. Close it when its owner is disposed.
type Subscription struct {
	name string
	hub  *Hub
	ch   chan Reading
	quit chan struct{}
	done chan struct{}
	once sync.Once
}

// Subscribe registers fn. fn is called sequentially on a dedicated goroutine.
func (h *Hub) Subscribe(name string, fn func(Reading)) *Subscription {
	s := &Subscription{
		name: name,
		hub:  h,
		ch:   make(chan Reading, DefaultBuffer),
		quit: make(chan struct{}),
		done: make(chan struct{}),
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		close(s.done)
		return s
	}
	h.subs[s] = struct{}{}
	h.mu.Unlock()

	go func() {
		defer close(s.done)
		for {
			select {
			case <-s.quit:
				return
			case r := <-s.ch:
				select {
				case <-s.quit:
					return
				default:
				}
				fn(r)
			}
		}
	}()
	return s
}

// Close unsubscribes and waits for an in-progress callback to return.
// Readings still queued are dropped.
func (s *Subscription) Close() {
	s.once.Do(func() {
		h := s.hub
		h.mu.Lock()
		delete(h.subs, s)
		h.mu.Unlock()
		close(s.quit)
	})
	<-s.done
}

// Publish records depth as the current reading and delivers it to every
// subscriber. It returns the reading with Previous filled in.
func (h *Hub) Publish(depth float64, raw int, ts time.Time) Reading {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.previous = h.current
	d := depth
	h.current = &d

	r := Reading{Depth: depth, Raw: raw, Timestamp: ts}
	if h.previous != nil {
		p := *h.previous
		r.Previous = &p
	}
	if h.closed {
		return r
	}

	for s := range h.subs {
		select {
		case s.ch <- r:
		default:
			log.Printf("depth: subscriber %s is behind, dropping reading %.2f", s.name, depth)
		}
	}
	return r
}

// Current returns the latest depth, or false before the first reading.
func (h *Hub) Current() (float64, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.current == nil {
		return 0, false
	}
	return *h.current, true
}

// Previous returns the depth before the latest, or false if there is none.
func (h *Hub) Previous() (float64, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.previous == nil {
		return 0, false
	}
	return *h.previous, true
}

// Close drops every subscriber and ignores further deliveries.
func (h *Hub) Close() {
	h.mu.Lock()
	subs := h.subs
	h.subs = make(map[*Subscription]struct{})
	h.closed = true
	h.mu.Unlock()
	for s := range subs {
		s.Close()
	}
}
