// Package websocket pushes server events to connected browsers. Clients
// authenticate with their first message and are then placed in the room of
// their user; services address users through the Emitter interface.
package websocket

import (
	"encoding/json"
	"sync"

	"github.com/rs/zerolog"
)

// Message is the envelope of every frame the server sends.
type Message struct {
	Type string `json:"type"`
	Data any    `json:"data,omitempty"`
}

// Emitter is what services depend on to notify users in real time.
type Emitter interface {
	EmitToUser(userID, event string, data any)
	Broadcast(event string, data any)
}

// UserRoom names the room every connection of a user joins.
func UserRoom(userID string) string {
	return "user:" + userID
}

// Client is one authenticated connection.
type Client struct {
	ID     string
	UserID string
	Rooms  []string
	Send   chan []byte
}

func NewClient(id, userID string) *Client {
	return &Client{
		ID:     id,
		UserID: userID,
		Send:   make(chan []byte, 256),
	}
}

// Hub tracks clients and their rooms. All operations are safe for
// concurrent use.
type Hub struct {
	mu     sync.RWMutex
	rooms  map[string]map[*Client]struct{} // room -> clients
	all    map[*Client]struct{}
	logger zerolog.Logger
}

func NewHub(logger zerolog.Logger) *Hub {
	return &Hub{
		rooms:  make(map[string]map[*Client]struct{}),
		all:    make(map[*Client]struct{}),
		logger: logger.With().Str("component", "websocket").Logger(),
	}
}

// Register adds a client and joins it to its initial rooms.
func (h *Hub) Register(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.all[client] = struct{}{}
	for _, room := range client.Rooms {
		h.joinLocked(client, room)
	}
}

// Unregister removes a client from every room and closes its Send channel.
// Calling it twice is safe.
func (h *Hub) Unregister(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.all[client]; !ok {
		return
	}
	for _, room := range client.Rooms {
		if members, ok := h.rooms[room]; ok {
			delete(members, client)
			if len(members) == 0 {
				delete(h.rooms, room)
			}
		}
	}
	delete(h.all, client)
	close(client.Send)
}

// Join adds an already registered client to more rooms.
func (h *Hub) Join(client *Client, rooms ...string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.all[client]; !ok {
		return
	}
	for _, room := range rooms {
		h.joinLocked(client, room)
		client.Rooms = append(client.Rooms, room)
	}
}

func (h *Hub) joinLocked(client *Client, room string) {
	if h.rooms[room] == nil {
		h.rooms[room] = make(map[*Client]struct{})
	}
	h.rooms[room][client] = struct{}{}
}

// EmitToRoom sends msg to every member of room. Clients whose buffer is
// full miss the message rather than stall the sender.
func (h *Hub) EmitToRoom(room string, msg Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		h.logger.Error().Err(err).Str("type", msg.Type).Msg("failed to encode message")
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	for client := range h.rooms[room] {
		h.deliver(client, data)
	}
}

// EmitToUser sends {type: event, data} to every connection of a user.
func (h *Hub) EmitToUser(userID, event string, data any) {
	h.EmitToRoom(UserRoom(userID), Message{Type: event, Data: data})
}

// Broadcast sends {type: event, data} to every connected client.
func (h *Hub) Broadcast(event string, data any) {
	raw, err := json.Marshal(Message{Type: event, Data: data})
	if err != nil {
		h.logger.Error().Err(err).Str("type", event).Msg("failed to encode message")
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	for client := range h.all {
		h.deliver(client, raw)
	}
}

// SendTo sends msg to a single registered client.
func (h *Hub) SendTo(client *Client, msg Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		h.logger.Error().Err(err).Str("type", msg.Type).Msg("failed to encode message")
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	if _, ok := h.all[client]; ok {
		h.deliver(client, data)
	}
}

func (h *Hub) deliver(client *Client, data []byte) {
	select {
	case client.Send <- data:
	default:
		h.logger.Warn().Str("client_id", client.ID).Msg("send buffer full, dropping message")
	}
}

// Close unregisters every client, which ends their write pumps.
func (h *Hub) Close() {
	h.mu.Lock()
	clients := make([]*Client, 0, len(h.all))
	for c := range h.all {
		clients = append(clients, c)
	}
	h.mu.Unlock()

	for _, c := range clients {
		h.Unregister(c)
	}
}

func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.all)
}

func (h *Hub) RoomCount(room string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[room])
}
