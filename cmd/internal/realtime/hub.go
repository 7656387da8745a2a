package realtime

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

const (
	HubNotification = "notification"
	HubChat         = "chat"
)

// Recorder receives hub connection gauges.
type Recorder interface {
	HubConnected(hub string)
	HubDisconnected(hub string)
}

// Hub owns the connections of one endpoint on this instance, indexed by user.
type Hub struct {
	name     string
	registry ConnectionRegistry
	metrics  Recorder
	log      *slog.Logger

	mu     sync.RWMutex
	byUser map[string]map[string]*Client
}

func newHub(name string, registry ConnectionRegistry, metrics Recorder, log *slog.Logger) *Hub {
	return &Hub{
		name:     name,
		registry: registry,
		metrics:  metrics,
		log:      log,
		byUser:   make(map[string]map[string]*Client),
	}
}

func (h *Hub) Name() string { return h.name }

func (h *Hub) attach(ctx context.Context, c *Client) {
	h.mu.Lock()
	conns, ok := h.byUser[c.UserID]
	if !ok {
		conns = make(map[string]*Client)
		h.byUser[c.UserID] = conns
	}
	conns[c.ID] = c
	h.mu.Unlock()

	if err := h.registry.Add(ctx, h.name, c.UserID, c.ID); err != nil {
		h.log.Warn("hub.registry.add.fail", "hub", h.name, "user_id", c.UserID, "err", err)
	}
	if h.metrics != nil {
		h.metrics.HubConnected(h.name)
	}
}

// detach runs after the request context is gone, so it uses its own deadline.
func (h *Hub) detach(c *Client) {
	h.mu.Lock()
	if conns, ok := h.byUser[c.UserID]; ok {
		delete(conns, c.ID)
		if len(conns) == 0 {
			delete(h.byUser, c.UserID)
		}
	}
	h.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := h.registry.Remove(ctx, h.name, c.UserID, c.ID); err != nil {
		h.log.Warn("hub.registry.remove.fail", "hub", h.name, "user_id", c.UserID, "err", err)
	}
	if h.metrics != nil {
		h.metrics.HubDisconnected(h.name)
	}
}

func (h *Hub) clientsOf(userID string) []*Client {
	h.mu.RLock()
	defer h.mu.RUnlock()
	conns := h.byUser[userID]
	out := make([]*Client, 0, len(conns))
	for _, c := range conns {
		out = append(out, c)
	}
	return out
}

// SendToUser queues env on every local connection of userID and returns how
// many accepted it. Full queues drop the frame.
func (h *Hub) SendToUser(userID string, env Envelope) int {
	n := 0
	for _, c := range h.clientsOf(userID) {
		if c.Offer(env) {
			n++
			continue
		}
		h.log.Info("hub.send.dropped", "hub", h.name, "conn_id", c.ID, "type", env.Type)
	}
	return n
}

// EvictSessions closes the local connections of userID that were opened
// with one of sessionIDs.
func (h *Hub) EvictSessions(userID string, sessionIDs []string, reason string) int {
	want := make(map[string]struct{}, len(sessionIDs))
	for _, id := range sessionIDs {
		want[id] = struct{}{}
	}
	n := 0
	for _, c := range h.clientsOf(userID) {
		if _, ok := want[c.SessionID]; ok {
			c.Evict(reason)
			n++
		}
	}
	return n
}

// LocalConnections reports the number of local connections for userID.
func (h *Hub) LocalConnections(userID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.byUser[userID])
}
