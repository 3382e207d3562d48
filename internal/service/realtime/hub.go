// Package realtime fans gateway events out to dashboard subscribers over
// websocket and server-sent events.
package realtime

import (
	"context"
	"encoding/json"
	"log"
	"sync"
	"time"
)

const (
	broadcastBuffer  = 256
	subscriberBuffer = 64
)

// Message is one frame delivered to subscribers.
type Message struct {
	Event     string `json:"event"`
	Data      any    `json:"data"`
	Timestamp string `json:"timestamp"`
}

// Subscriber receives encoded frames until the hub closes its channel.
type Subscriber struct {
	send chan []byte
	hub  *Hub
}

// Messages returns the frame channel. It is closed when the subscriber is
// dropped, either on Unsubscribe or because it fell behind.
func (s *Subscriber) Messages() <-chan []byte {
	return s.send
}

// Hub keeps the subscriber set and broadcasts frames to it.
type Hub struct {
	subscribers map[*Subscriber]bool
	broadcast   chan []byte
	register    chan *Subscriber
	unregister  chan *Subscriber
	done        chan struct{}
	mu          sync.RWMutex
}

// NewHub creates a hub. Run must be started before subscribing.
func NewHub() *Hub {
	return &Hub{
		subscribers: make(map[*Subscriber]bool),
		broadcast:   make(chan []byte, broadcastBuffer),
		register:    make(chan *Subscriber),
		unregister:  make(chan *Subscriber),
		done:        make(chan struct{}),
	}
}

// Run is the hub main loop.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)

	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for sub := range h.subscribers {
				close(sub.send)
				delete(h.subscribers, sub)
			}
			h.mu.Unlock()
			return

		case sub := <-h.register:
			h.mu.Lock()
			h.subscribers[sub] = true
			h.mu.Unlock()

		case sub := <-h.unregister:
			h.drop(sub)

		case frame := <-h.broadcast:
			h.mu.Lock()
			for sub := range h.subscribers {
				select {
				case sub.send <- frame:
				default:
					// too slow, drop
					close(sub.send)
					delete(h.subscribers, sub)
					log.Printf("[realtime] dropped slow subscriber")
				}
			}
			h.mu.Unlock()
		}
	}
}

func (h *Hub) drop(sub *Subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.subscribers[sub]; ok {
		close(sub.send)
		delete(h.subscribers, sub)
	}
}

// Subscribe registers a new subscriber. It returns nil once the hub stopped.
func (h *Hub) Subscribe() *Subscriber {
	sub := &Subscriber{send: make(chan []byte, subscriberBuffer), hub: h}
	select {
	case h.register <- sub:
		return sub
	case <-h.done:
		return nil
	}
}

// Unsubscribe removes a subscriber. Safe to call more than once.
func (h *Hub) Unsubscribe(sub *Subscriber) {
	if sub == nil {
		return
	}
	select {
	case h.unregister <- sub:
	case <-h.done:
	}
}

// Count returns the number of live subscribers.
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subscribers)
}

// Broadcast encodes and queues a frame for every subscriber. It never blocks;
// frames are dropped when the queue is full.
func (h *Hub) Broadcast(event string, data any) {
	frame, err := json.Marshal(Message{
		Event:     event,
		Data:      data,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		log.Printf("[realtime] encode %s failed: %v", event, err)
		return
	}
	select {
	case h.broadcast <- frame:
	default:
		log.Printf("[realtime] broadcast queue full, dropping %s", event)
	}
}
