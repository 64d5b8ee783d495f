// Package notify fans training state changes out to live observers. Delivery
// is best-effort and at-most-once; the job record store stays the durable
// source of truth.
package notify

import (
	"log"
	"sync"
)

// Event is the wire shape pushed to observers:
// {type: "training_<status>", data: {job_id, status, model_id?, metrics?}}.
type Event struct {
	Type   string         `json:"type"`
	UserID uint64         `json:"user_id,omitempty"`
	Data   map[string]any `json:"data"`
}

const subscriberBuffer = 16

type Subscriber struct {
	userID uint64
	ch     chan Event
}

// C yields events for this subscriber until Unsubscribe.
func (s *Subscriber) C() <-chan Event { return s.ch }

// Hub is an in-process broadcaster. Subscribers with userID 0 observe all
// events; otherwise only events tagged with their user id.
type Hub struct {
	mu   sync.RWMutex
	subs map[*Subscriber]struct{}
}

func NewHub() *Hub {
	return &Hub{subs: make(map[*Subscriber]struct{})}
}

func (h *Hub) Subscribe(userID uint64) *Subscriber {
	s := &Subscriber{userID: userID, ch: make(chan Event, subscriberBuffer)}
	h.mu.Lock()
	h.subs[s] = struct{}{}
	h.mu.Unlock()
	return s
}

func (h *Hub) Unsubscribe(s *Subscriber) {
	h.mu.Lock()
	if _, ok := h.subs[s]; ok {
		delete(h.subs, s)
		close(s.ch)
	}
	h.mu.Unlock()
}

// Publish delivers evt to every matching subscriber. A slow subscriber with
// a full buffer loses the event rather than blocking the publisher.
func (h *Hub) Publish(evt Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for s := range h.subs {
		if s.userID != 0 && evt.UserID != 0 && s.userID != evt.UserID {
			continue
		}
		select {
		case s.ch <- evt:
		default:
			log.Printf("notify: dropped %s for user=%d (buffer full)", evt.Type, s.userID)
		}
	}
}

// SubscriberCount is used by tests and the health endpoint.
func (h *Hub) SubscriberCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}
