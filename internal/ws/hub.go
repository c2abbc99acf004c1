package ws

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/pliu/devfusion/internal/filetree"
)

// outbound is one event addressed to a room. exclude, when set, is skipped;
// only, when set, restricts delivery to that one connection.
type outbound struct {
	room    string
	payload []byte
	exclude *Client
	only    *Client
}

// Hub owns the project rooms. Membership changes and fan-out run on the Run
// goroutine; RoomSize may be called from anywhere.
type Hub struct {
	mu    sync.RWMutex
	rooms map[string]map[*Client]bool

	// Inbound events to fan out to a room.
	broadcast chan outbound

	// Register requests from the clients.
	register chan *Client

	// Unregister requests from clients.
	unregister chan *Client

	done chan struct{}
}

func NewHub() *Hub {
	return &Hub{
		rooms:      make(map[string]map[*Client]bool),
		broadcast:  make(chan outbound, 256),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		done:       make(chan struct{}),
	}
}

// Run processes hub requests until ctx is cancelled, then closes every
// client's send channel.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for room, clients := range h.rooms {
				for client := range clients {
					close(client.send)
				}
				delete(h.rooms, room)
			}
			h.mu.Unlock()
			return
		case client := <-h.register:
			h.mu.Lock()
			if h.rooms[client.projectID] == nil {
				h.rooms[client.projectID] = make(map[*Client]bool)
			}
			h.rooms[client.projectID][client] = true
			h.mu.Unlock()
		case client := <-h.unregister:
			h.remove(client)
		case msg := <-h.broadcast:
			h.mu.RLock()
			clients := make([]*Client, 0, len(h.rooms[msg.room]))
			for client := range h.rooms[msg.room] {
				if client != msg.exclude && (msg.only == nil || client == msg.only) {
					clients = append(clients, client)
				}
			}
			h.mu.RUnlock()

			for _, client := range clients {
				select {
				case client.send <- msg.payload:
				default:
					slog.Warn("Dropping slow websocket client", "conn_id", client.id, "project_id", client.projectID)
					h.remove(client)
				}
			}
		}
	}
}

func (h *Hub) remove(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	clients, ok := h.rooms[client.projectID]
	if !ok || !clients[client] {
		return
	}
	delete(clients, client)
	close(client.send)
	if len(clients) == 0 {
		delete(h.rooms, client.projectID)
	}
}

// Register adds a client to its project's room. It reports false when the hub
// has stopped.
func (h *Hub) Register(client *Client) bool {
	select {
	case h.register <- client:
		return true
	case <-h.done:
		return false
	}
}

func (h *Hub) Unregister(client *Client) {
	select {
	case h.unregister <- client:
	case <-h.done:
	}
}

// RoomSize returns the number of connections in a project room.
func (h *Hub) RoomSize(projectID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[projectID])
}

// Broadcast sends an event to every connection in the room except exclude.
// Delivery is best effort: slow clients are dropped and nothing is retried.
func (h *Hub) Broadcast(projectID, event string, data any, exclude *Client) {
	payload, err := encodeEvent(event, data)
	if err != nil {
		slog.Warn("Failed to marshal websocket event", "event", event, "project_id", projectID, "error", err)
		return
	}
	h.send(outbound{room: projectID, payload: payload, exclude: exclude})
}

// SendTo delivers an event to one connection of the room.
func (h *Hub) SendTo(client *Client, event string, data any) {
	payload, err := encodeEvent(event, data)
	if err != nil {
		slog.Warn("Failed to marshal websocket event", "event", event, "conn_id", client.id, "error", err)
		return
	}
	h.send(outbound{room: client.projectID, payload: payload, only: client})
}

// BroadcastFileTree announces a persisted file tree to the project room.
func (h *Hub) BroadcastFileTree(projectID string, tree filetree.Tree) {
	if tree == nil {
		tree = filetree.Tree{}
	}
	h.Broadcast(projectID, EventFileTree, FileTreeUpdate{ProjectID: projectID, FileTree: tree}, nil)
}

func (h *Hub) send(msg outbound) {
	select {
	case h.broadcast <- msg:
	case <-h.done:
	}
}

func encodeEvent(event string, data any) ([]byte, error) {
	raw, ok := data.(json.RawMessage)
	if !ok {
		var err error
		raw, err = json.Marshal(data)
		if err != nil {
			return nil, err
		}
	}
	return json.Marshal(Envelope{Event: event, Data: raw})
}
