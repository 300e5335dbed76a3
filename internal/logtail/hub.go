package logtail

import (
	"sync"
	"time"
)

// Record is one log line as delivered to subscribers.
type Record struct {
	Time    time.Time `json:"time"`
	Level   string    `json:"level"`
	Source  string    `json:"source"`
	Message string    `json:"message"`
}

const (
	subscriberBuffer = 256
	defaultBacklog   = 200
)

// subscriber holds a subscriber's send channel.
type subscriber struct {
	id   string
	send chan Record
}

// Hub fans log records out to live subscribers.
// Publishing never blocks: a subscriber whose buffer is full misses records.
type Hub struct {
	mu      sync.RWMutex
	subs    map[string]*subscriber // subscriber ID -> subscriber
	backlog []Record
	limit   int
	next    int
}

// NewHub creates a hub that replays up to backlog recent records to new
// subscribers. A backlog <= 0 uses the default.
func NewHub(backlog int) *Hub {
	if backlog <= 0 {
		backlog = defaultBacklog
	}
	return &Hub{
		subs:  make(map[string]*subscriber),
		limit: backlog,
	}
}

// Subscribe registers a subscriber and returns a remove function.
// The send function is called from a dedicated goroutine; when it fails, the
// subscriber stops receiving records. Re-using an ID replaces the previous
// subscriber.
func (h *Hub) Subscribe(id string, send func(Record) error) (remove func()) {
	ch := make(chan Record, subscriberBuffer)
	s := &subscriber{id: id, send: ch}

	done := make(chan struct{})
	go func() {
		defer close(done)
		for rec := range ch {
			if err := send(rec); err != nil {
				return
			}
		}
	}()

	h.mu.Lock()
	if old, exists := h.subs[id]; exists {
		close(old.send)
	}
	h.subs[id] = s
	for _, rec := range h.recentLocked() {
		select {
		case ch <- rec:
		default:
		}
	}
	h.mu.Unlock()

	return func() {
		h.mu.Lock()
		current, exists := h.subs[id]
		if !exists || current != s {
			h.mu.Unlock()
			return
		}
		delete(h.subs, id)
		h.mu.Unlock()

		// Close outside the lock so a slow writer cannot stall publishers.
		close(ch)

		select {
		case <-done:
		case <-time.After(1 * time.Second):
		}
	}
}

// Publish records rec in the backlog and queues it for every subscriber.
func (h *Hub) Publish(rec Record) {
	h.mu.Lock()
	if len(h.backlog) < h.limit {
		h.backlog = append(h.backlog, rec)
	} else {
		h.backlog[h.next] = rec
	}
	h.next = (h.next + 1) % h.limit

	subs := make([]*subscriber, 0, len(h.subs))
	for _, s := range h.subs {
		subs = append(subs, s)
	}
	// Sends stay under the lock: Subscribe and remove close channels while
	// holding it, so a send can never hit a closed channel.
	for _, s := range subs {
		select {
		case s.send <- rec:
		default:
		}
	}
	h.mu.Unlock()
}

// Recent returns the backlog, oldest first.
func (h *Hub) Recent() []Record {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.recentLocked()
}

func (h *Hub) recentLocked() []Record {
	out := make([]Record, 0, len(h.backlog))
	if len(h.backlog) < h.limit {
		return append(out, h.backlog...)
	}
	out = append(out, h.backlog[h.next:]...)
	return append(out, h.backlog[:h.next]...)
}

// Len returns the number of live subscribers.
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}
