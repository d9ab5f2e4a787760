package realtime

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"asistencia/internal/attendance"
	"asistencia/internal/queue"
)

// Hub fans session events out to connected instructor screens.
type Hub struct {
	mu       sync.RWMutex
	clients  map[*Client]struct{}
	maxConns int
	log      *zap.Logger
}

// NewHub creates an empty hub accepting up to maxConns connections.
func NewHub(maxConns int, log *zap.Logger) *Hub {
	if maxConns <= 0 {
		maxConns = 256
	}
	return &Hub{clients: make(map[*Client]struct{}), maxConns: maxConns, log: log}
}

// Run broadcasts every event read from msgs until ctx ends or msgs closes,
// then disconnects all clients.
func (h *Hub) Run(ctx context.Context, msgs <-chan queue.Message) {
	defer h.shutdown()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-msgs:
			if !ok {
				return
			}
			evt, err := queue.DecodeEvent(msg)
			if err != nil {
				h.log.Warn("dropping undecodable event", zap.String("type", msg.Type), zap.Error(err))
				continue
			}
			h.Broadcast(evt)
		}
	}
}

// Broadcast queues evt on every client. Slow clients whose buffer is full
// miss the event rather than stalling the hub.
func (h *Hub) Broadcast(evt attendance.SessionEvent) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients {
		select {
		case c.send <- evt:
		default:
			h.log.Debug("ws client buffer full, event dropped", zap.String("uid", c.uid))
		}
	}
}

// Register adds c; it reports false when the connection limit is reached.
func (h *Hub) Register(c *Client) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.clients) >= h.maxConns {
		return false
	}
	h.clients[c] = struct{}{}
	return true
}

// Unregister removes c.
func (h *Hub) Unregister(c *Client) {
	h.mu.Lock()
	delete(h.clients, c)
	h.mu.Unlock()
}

// Len is the number of connected clients.
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *Hub) shutdown() {
	// No network I/O under the lock.
	h.mu.Lock()
	all := make([]*Client, 0, len(h.clients))
	for c := range h.clients {
		all = append(all, c)
	}
	h.clients = make(map[*Client]struct{})
	h.mu.Unlock()

	for _, c := range all {
		c.Close()
	}
}
