package stream

import (
	"context"
	"io"
	"log"
	"sync"

	"applyq.local/applyq/internal/events"
)

const defaultClientBuffer = 64

// Hub relays events to live stream clients. Slow clients drop events
// rather than stall delivery to the others.
type Hub struct {
	logger *log.Logger
	buffer int

	mu      sync.Mutex
	nextID  int
	clients map[int]*client
}

type client struct {
	tenantID string
	ch       chan events.Event
}

func NewHub(logger *log.Logger) *Hub {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	return &Hub{
		logger:  logger,
		buffer:  defaultClientBuffer,
		clients: make(map[int]*client),
	}
}

func (h *Hub) Name() string {
	return "stream"
}

func (h *Hub) Handle(_ context.Context, event events.Event) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	for id, c := range h.clients {
		if c.tenantID != "" && c.tenantID != event.TenantID {
			continue
		}
		select {
		case c.ch <- event:
		default:
			h.logger.Printf("subscriber=stream client=%d dropped event_id=%s", id, event.ID)
		}
	}
	return nil
}

// Subscribe registers a client. An empty tenantID receives every event.
// The returned cancel func must be called to release the client.
func (h *Hub) Subscribe(tenantID string) (<-chan events.Event, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.nextID++
	id := h.nextID
	c := &client{tenantID: tenantID, ch: make(chan events.Event, h.buffer)}
	h.clients[id] = c

	var once sync.Once
	return c.ch, func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.clients, id)
			h.mu.Unlock()
			close(c.ch)
		})
	}
}

func (h *Hub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}
