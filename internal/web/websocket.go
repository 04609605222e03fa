package web

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/mtzanidakis/solomon/internal/swarm"
)

// EventSwarmState is sent once to every client right after it connects.
const EventSwarmState = "swarm_state"

const writeWait = 5 * time.Second

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// subscriber is a connected client and the event types it asked for.
// An empty filter means every event.
type subscriber struct {
	types map[string]bool
}

func newSubscriber(filter string) *subscriber {
	sub := &subscriber{types: make(map[string]bool)}
	for _, t := range strings.Split(filter, ",") {
		if t = strings.TrimSpace(t); t != "" {
			sub.types[t] = true
		}
	}
	return sub
}

func (s *subscriber) wants(eventType string) bool {
	return len(s.types) == 0 || s.types[eventType]
}

// Hub fans swarm events out to websocket clients.
type Hub struct {
	clients   map[*websocket.Conn]*subscriber
	broadcast chan swarm.Event
	mu        sync.Mutex
}

func NewHub() *Hub {
	return &Hub{
		clients:   make(map[*websocket.Conn]*subscriber),
		broadcast: make(chan swarm.Event, 256),
	}
}

func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			h.closeAll()
			return
		case event := <-h.broadcast:
			h.deliver(event)
		}
	}
}

func (h *Hub) deliver(event swarm.Event) {
	data, err := json.Marshal(event)
	if err != nil {
		slog.Warn("marshal swarm event", "type", event.Type, "error", err)
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for conn, sub := range h.clients {
		if !sub.wants(event.Type) {
			continue
		}
		_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
			conn.Close()
			delete(h.clients, conn)
		}
	}
}

func (h *Hub) Broadcast(event swarm.Event) {
	select {
	case h.broadcast <- event:
	default:
		slog.Warn("websocket broadcast channel full, dropping event", "type", event.Type)
	}
}

func (h *Hub) Register(conn *websocket.Conn, sub *subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[conn] = sub
}

func (h *Hub) Unregister(conn *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.clients, conn)
}

func (h *Hub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for conn := range h.clients {
		conn.Close()
		delete(h.clients, conn)
	}
}

// handleWebSocket streams swarm events. ?types=agent_failed,consensus_reached
// narrows the feed.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	// Written before Register so it never races the hub's writes.
	hello := swarm.Event{
		Type:      EventSwarmState,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Data:      map[string]any{"state": s.coord.State()},
	}
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteJSON(hello); err != nil {
		return
	}

	s.hub.Register(conn, newSubscriber(r.URL.Query().Get("types")))
	defer s.hub.Unregister(conn)

	// Clients only listen; reading detects the close.
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}
}
