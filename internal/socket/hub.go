// Package socket is the real-time relay between GUI clients and hosted
// agents. Clients join channel rooms over a WebSocket and receive every
// event broadcast to those rooms.
package socket

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/eldtechnologies/centralbus/internal/metrics"
)

// Client represents a connected WebSocket client.
type Client struct {
	id     uuid.UUID
	hub    *Hub
	conn   *websocket.Conn
	send   chan []byte
	rooms  map[uuid.UUID]bool
	roomMu sync.RWMutex
}

// Hub manages WebSocket connections and channel rooms.
type Hub struct {
	clients    map[*Client]bool
	clientsMu  sync.RWMutex
	rooms      map[uuid.UUID]map[*Client]bool // channelID -> clients
	roomsMu    sync.RWMutex
	unregister chan *Client
	broadcast  chan *roomMessage
	done       chan struct{}
	logger     zerolog.Logger
}

type roomMessage struct {
	channelID uuid.UUID
	except    *Client
	data      []byte
}

// NewHub creates a new Hub.
func NewHub(logger zerolog.Logger) *Hub {
	return &Hub{
		clients:    make(map[*Client]bool),
		rooms:      make(map[uuid.UUID]map[*Client]bool),
		unregister: make(chan *Client),
		broadcast:  make(chan *roomMessage, 256),
		done:       make(chan struct{}),
		logger:     logger.With().Str("component", "socket_hub").Logger(),
	}
}

// Run starts the hub's main loop. It returns when ctx is done.
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			close(h.done)
			h.closeAll()
			return

		case client := <-h.unregister:
			h.drop(client)

		case msg := <-h.broadcast:
			h.roomsMu.RLock()
			targets := make([]*Client, 0, len(h.rooms[msg.channelID]))
			for client := range h.rooms[msg.channelID] {
				if client != msg.except {
					targets = append(targets, client)
				}
			}
			h.roomsMu.RUnlock()

			for _, client := range targets {
				select {
				case client.send <- msg.data:
				default:
					// Client buffer full, disconnect
					h.drop(client)
				}
			}
		}
	}
}

func (h *Hub) drop(client *Client) {
	h.clientsMu.Lock()
	_, ok := h.clients[client]
	if ok {
		delete(h.clients, client)
		close(client.send)
	}
	h.clientsMu.Unlock()
	if !ok {
		return
	}
	metrics.SocketConnections.Dec()

	client.roomMu.RLock()
	for channelID := range client.rooms {
		h.leaveRoom(client, channelID)
	}
	client.roomMu.RUnlock()
	h.logger.Debug().Str("client_id", client.id.String()).Msg("client disconnected")
}

func (h *Hub) closeAll() {
	h.clientsMu.RLock()
	clients := make([]*Client, 0, len(h.clients))
	for client := range h.clients {
		clients = append(clients, client)
	}
	h.clientsMu.RUnlock()
	for _, client := range clients {
		h.drop(client)
	}
}

// Join adds a client to a channel room.
func (h *Hub) Join(client *Client, channelID uuid.UUID) {
	h.roomsMu.Lock()
	if h.rooms[channelID] == nil {
		h.rooms[channelID] = make(map[*Client]bool)
	}
	h.rooms[channelID][client] = true
	h.roomsMu.Unlock()

	client.roomMu.Lock()
	client.rooms[channelID] = true
	client.roomMu.Unlock()
}

// Leave removes a client from a channel room.
func (h *Hub) Leave(client *Client, channelID uuid.UUID) {
	h.leaveRoom(client, channelID)

	client.roomMu.Lock()
	delete(client.rooms, channelID)
	client.roomMu.Unlock()
}

func (h *Hub) leaveRoom(client *Client, channelID uuid.UUID) {
	h.roomsMu.Lock()
	if clients, ok := h.rooms[channelID]; ok {
		delete(clients, client)
		if len(clients) == 0 {
			delete(h.rooms, channelID)
		}
	}
	h.roomsMu.Unlock()
}

// RoomSize returns the number of clients in a channel room.
func (h *Hub) RoomSize(channelID uuid.UUID) int {
	h.roomsMu.RLock()
	defer h.roomsMu.RUnlock()
	return len(h.rooms[channelID])
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.clientsMu.RLock()
	defer h.clientsMu.RUnlock()
	return len(h.clients)
}

func encode(msgType MessageType, data any) ([]byte, error) {
	env, err := NewEnvelope(msgType, data)
	if err != nil {
		return nil, err
	}
	return json.Marshal(env)
}

// Broadcast sends an event to every client in a channel room.
func (h *Hub) Broadcast(channelID uuid.UUID, msgType MessageType, data any) {
	h.broadcastExcept(channelID, nil, msgType, data)
}

func (h *Hub) broadcastExcept(channelID uuid.UUID, except *Client, msgType MessageType, data any) {
	raw, err := encode(msgType, data)
	if err != nil {
		h.logger.Error().Err(err).Str("type", string(msgType)).Msg("failed to encode broadcast")
		return
	}
	select {
	case h.broadcast <- &roomMessage{channelID: channelID, except: except, data: raw}:
	case <-h.done:
	}
}

// NewClient creates a new client for the hub.
func (h *Hub) NewClient(conn *websocket.Conn) *Client {
	return &Client{
		id:    uuid.New(),
		hub:   h,
		conn:  conn,
		send:  make(chan []byte, 256),
		rooms: make(map[uuid.UUID]bool),
	}
}

// Register registers a client with the hub. It takes effect before
// returning so the client can be sent to immediately.
func (h *Hub) Register(client *Client) {
	h.clientsMu.Lock()
	h.clients[client] = true
	h.clientsMu.Unlock()
	metrics.SocketConnections.Inc()
	h.logger.Debug().Str("client_id", client.id.String()).Msg("client connected")
}

// Unregister unregisters a client from the hub.
func (h *Hub) Unregister(client *Client) {
	select {
	case h.unregister <- client:
	case <-h.done:
	}
}

// Send queues data for the client. Data is dropped if the buffer is full.
func (c *Client) Send(data []byte) {
	c.hub.clientsMu.RLock()
	defer c.hub.clientsMu.RUnlock()
	if !c.hub.clients[c] {
		return
	}
	select {
	case c.send <- data:
	default:
		// Buffer full
	}
}

// SendEnvelope sends a protocol envelope to the client.
func (c *Client) SendEnvelope(msgType MessageType, data any) error {
	raw, err := encode(msgType, data)
	if err != nil {
		return err
	}
	c.Send(raw)
	return nil
}

// SendError sends a messageError to the client.
func (c *Client) SendError(code, message, channelID string) {
	c.SendEnvelope(TypeMessageError, ErrorMessage{
		Code:      code,
		Message:   message,
		ChannelID: channelID,
	})
}
