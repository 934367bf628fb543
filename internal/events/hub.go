package events

import (
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"
)

// Notification types published to the Hub.
const (
	TypeWorkerStarting    = "worker.starting"
	TypeWorkerReady       = "worker.ready"
	TypeWorkerFaulted     = "worker.faulted"
	TypeWorkerStopped     = "worker.stopped"
	TypeRestartScheduled  = "pool.restart_scheduled"
	TypeEscalated         = "pool.escalated"
	TypeFunctionAdded     = "function.registered"
	TypeFunctionChanged   = "function.changed"
	TypeInvocationDone    = "invocation.completed"
	TypeInvocationFailed  = "invocation.failed"
	defaultHubCapacity    = 256
	subscriberBufferDepth = 128
)

// Notification is one entry in the Hub's stream.
type Notification struct {
	ID   int64           `json:"id"`
	Type string          `json:"type"`
	At   time.Time       `json:"at"`
	Data json.RawMessage `json:"data"`
}

// Hub is a lossy fan-out of lifecycle notifications with a ring buffer for
// late subscribers. Slow subscribers miss notifications rather than block
// the publisher, so nothing that needs delivery goes through it.
type Hub struct {
	nextID atomic.Int64

	mu      sync.Mutex
	ring    []Notification
	head    int
	count   int
	subs    map[int]chan Notification
	nextSub int
	closed  bool
}

// NewHub creates a hub retaining the last capacity notifications.
func NewHub(capacity int) *Hub {
	if capacity <= 0 {
		capacity = defaultHubCapacity
	}
	return &Hub{
		ring: make([]Notification, capacity),
		subs: make(map[int]chan Notification),
	}
}

// Publish records a notification and offers it to every subscriber.
func (h *Hub) Publish(kind string, data any) {
	payload := json.RawMessage("{}")
	if data != nil {
		if b, err := json.Marshal(data); err == nil {
			payload = b
		}
	}
	n := Notification{
		ID:   h.nextID.Add(1),
		Type: kind,
		At:   time.Now().UTC(),
		Data: payload,
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.push(n)
	for _, ch := range h.subs {
		select {
		case ch <- n:
		default:
		}
	}
}

// Subscribe returns a stream of new notifications and a cancel func.
func (h *Hub) Subscribe() (<-chan Notification, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()

	ch := make(chan Notification, subscriberBufferDepth)
	if h.closed {
		close(ch)
		return ch, func() {}
	}
	id := h.nextSub
	h.nextSub++
	h.subs[id] = ch

	return ch, func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		if c, ok := h.subs[id]; ok {
			delete(h.subs, id)
			close(c)
		}
	}
}

// Since returns retained notifications with ID > lastID, oldest first.
func (h *Hub) Since(lastID int64) []Notification {
	h.mu.Lock()
	defer h.mu.Unlock()

	out := make([]Notification, 0, h.count)
	for i := 0; i < h.count; i++ {
		n := h.ring[(h.head+i)%len(h.ring)]
		if n.ID > lastID {
			out = append(out, n)
		}
	}
	return out
}

// Close ends every subscription. Later publishes are dropped.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for id, ch := range h.subs {
		delete(h.subs, id)
		close(ch)
	}
}

func (h *Hub) push(n Notification) {
	if h.count < len(h.ring) {
		h.ring[(h.head+h.count)%len(h.ring)] = n
		h.count++
		return
	}
	h.ring[h.head] = n
	h.head = (h.head + 1) % len(h.ring)
}
