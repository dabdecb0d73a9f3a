package websocket

import (
	"encoding/json"
	"sync"

	"github.com/avoronin/dialdesk/internal/metrics"
	"github.com/avoronin/dialdesk/internal/types"
	"github.com/rs/zerolog"
)

// Hub maintains the set of connected workspace clients and pushes session
// snapshots to them. A client subscribes either to one agent's session (the
// operator workspace) or to all sessions (supervisor wallboard, empty agent
// id).
type Hub struct {
	// Registered clients
	clients map[*Client]bool

	// Outbound session snapshots
	sessions chan types.SessionSnapshot

	// Register requests from the clients
	register chan *Client

	// Unregister requests from clients
	unregister chan *Client

	// Mutex to protect clients map
	mu sync.RWMutex

	// Logger
	logger zerolog.Logger
}

// NewHub creates a new Hub
func NewHub(logger zerolog.Logger) *Hub {
	return &Hub{
		sessions:   make(chan types.SessionSnapshot, 256),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		clients:    make(map[*Client]bool),
		logger:     logger,
	}
}

// Run starts the hub's main loop
func (h *Hub) Run() {
	for {
		select {
		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.mu.Unlock()
			metrics.Get().RecordWSConnect()
			h.logger.Info().
				Str("client_id", client.id).
				Str("agent_id", client.agentID).
				Int("total_clients", h.ClientCount()).
				Msg("client connected")

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
				metrics.Get().RecordWSDisconnect()
				h.logger.Info().
					Str("client_id", client.id).
					Int("total_clients", len(h.clients)).
					Msg("client disconnected")
			}
			h.mu.Unlock()

		case snap := <-h.sessions:
			h.push(snap)
		}
	}
}

// PublishSession hands one session snapshot to the hub for distribution.
// Safe to call from any goroutine; drops the snapshot if the hub's buffer
// is full, since a newer snapshot will follow on the next poll tick anyway.
func (h *Hub) PublishSession(snap types.SessionSnapshot) {
	select {
	case h.sessions <- snap:
	default:
		h.logger.Warn().Str("agent_id", snap.AgentID).Msg("session buffer full, snapshot dropped")
	}
}

// ClientCount returns the number of connected clients
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// push sends a snapshot to every client watching that agent.
func (h *Hub) push(snap types.SessionSnapshot) {
	data, err := json.Marshal(snap)
	if err != nil {
		h.logger.Error().Err(err).Msg("failed to marshal session snapshot")
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	for client := range h.clients {
		if client.agentID != "" && client.agentID != snap.AgentID {
			continue
		}

		select {
		case client.send <- data:
		default:
			// Client's send buffer is full, close and remove it
			close(client.send)
			delete(h.clients, client)
			h.logger.Warn().
				Str("client_id", client.id).
				Msg("client send buffer full, closing connection")
		}
	}
}
