package ws

import (
	"encoding/json"
	"sync"
)

// Client represents a single operator-UI WebSocket connection.
type Client struct {
	Send   chan []byte
	hub    *Hub
	mu     sync.Mutex
	closed bool
}

func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.Send)
	if c.hub != nil {
		c.hub.unregister(c)
	}
}

// Hub fans station events out to every connected operator UI: engine state,
// chat stream, meeting commands, tone cues.
type Hub struct {
	mu      sync.RWMutex
	clients map[*Client]struct{}
}

func NewHub() *Hub {
	return &Hub{clients: make(map[*Client]struct{})}
}

func (h *Hub) Register(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	c.hub = h
	h.clients[c] = struct{}{}
}

func (h *Hub) unregister(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.clients, c)
}

// Broadcast sends one typed event to every connected UI. Slow consumers are
// skipped rather than blocking the event source.
func (h *Hub) Broadcast(event string, payload interface{}) {
	data, _ := json.Marshal(map[string]interface{}{"type": event, "payload": payload})
	h.mu.RLock()
	clients := make([]*Client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.RUnlock()
	for _, c := range clients {
		c.trySend(data)
	}
}

func (c *Client) trySend(data []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	select {
	case c.Send <- data:
	default:
	}
}

func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// MeetingCommand implements the meeting bridge's CommandSink.
func (h *Hub) MeetingCommand(action string, payload interface{}) {
	h.Broadcast("meeting", map[string]interface{}{"action": action, "payload": payload})
}

// ToneCommand implements the tone service's Sink.
func (h *Hub) ToneCommand(action, cue string) {
	h.Broadcast("tone", map[string]interface{}{"action": action, "cue": cue})
}
