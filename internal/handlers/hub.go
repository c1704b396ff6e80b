package handlers

import (
	"encoding/json"
	"errors"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/mossy-p/telemed-rtc/internal/models"
	"go.uber.org/zap"
)

// roomCapacity is the clinician and the patient.
const roomCapacity = 2

var ErrRoomFull = errors.New("consultation room is full")

// Hub indexes the live rooms by consultation ID.
type Hub struct {
	mu    sync.Mutex
	rooms map[string]*Room
	log   *zap.Logger
}

// Room holds the connected participants of one consultation, keyed by
// user ID.
type Room struct {
	ID    string
	mu    sync.RWMutex
	peers map[string]*Client
	log   *zap.Logger
}

// Client is one websocket connection of a participant
type Client struct {
	UserID string
	Role   models.Role
	Name   string
	room   *Room
	conn   *websocket.Conn
	send   chan []byte
	done   chan struct{}
	once   sync.Once
	log    *zap.Logger
}

func NewHub(log *zap.Logger) *Hub {
	return &Hub{rooms: make(map[string]*Room), log: log.Named("hub")}
}

func newClient(userID string, role models.Role, name string, conn *websocket.Conn, log *zap.Logger) *Client {
	return &Client{
		UserID: userID,
		Role:   role,
		Name:   name,
		conn:   conn,
		send:   make(chan []byte, 256),
		done:   make(chan struct{}),
		log:    log.With(zap.String("user_id", userID)),
	}
}

// Full reports whether userID would be turned away. A participant that
// reconnects takes over its own slot.
func (h *Hub) Full(roomID, userID string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	room, ok := h.rooms[roomID]
	if !ok {
		return false
	}
	room.mu.RLock()
	defer room.mu.RUnlock()
	_, rejoin := room.peers[userID]
	return !rejoin && len(room.peers) >= roomCapacity
}

// Join adds c to its room. It returns the room size after the join, the
// other participant if one is present and the stale connection c replaced.
func (h *Hub) Join(roomID string, c *Client) (size int, other, replaced *Client, err error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	room, ok := h.rooms[roomID]
	if !ok {
		room = &Room{ID: roomID, peers: make(map[string]*Client), log: h.log.With(zap.String("consultation_id", roomID))}
		h.rooms[roomID] = room
		h.log.Info("created room", zap.String("consultation_id", roomID))
	}

	room.mu.Lock()
	defer room.mu.Unlock()
	replaced = room.peers[c.UserID]
	if replaced == nil && len(room.peers) >= roomCapacity {
		return 0, nil, nil, ErrRoomFull
	}
	room.peers[c.UserID] = c
	c.room = room
	for id, p := range room.peers {
		if id != c.UserID {
			other = p
		}
	}
	return len(room.peers), other, replaced, nil
}

// Leave removes c unless it was already replaced by a newer connection.
func (h *Hub) Leave(c *Client) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	room := c.room
	if room == nil {
		return false
	}
	room.mu.Lock()
	defer room.mu.Unlock()
	if room.peers[c.UserID] != c {
		return false
	}
	delete(room.peers, c.UserID)

	if len(room.peers) == 0 {
		delete(h.rooms, room.ID)
		h.log.Info("removed empty room", zap.String("consultation_id", room.ID))
	}
	return true
}

// Room returns the live room of a consultation, or nil.
func (h *Hub) Room(roomID string) *Room {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.rooms[roomID]
}

// Size returns the number of connected participants.
func (h *Hub) Size(roomID string) int {
	room := h.Room(roomID)
	if room == nil {
		return 0
	}
	room.mu.RLock()
	defer room.mu.RUnlock()
	return len(room.peers)
}

// Broadcast sends msg to every participant except exclude, which may be nil.
func (r *Room) Broadcast(msg models.Message, exclude *Client) {
	data, err := json.Marshal(msg)
	if err != nil {
		r.log.Error("failed to marshal message", zap.Error(err))
		return
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, client := range r.peers {
		if client != exclude {
			client.enqueue(data)
		}
	}
}

// Close disconnects every participant.
func (r *Room) Close() {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, client := range r.peers {
		client.close()
	}
}

func (c *Client) enqueue(data []byte) {
	select {
	case c.send <- data:
	case <-c.done:
	default:
		c.log.Warn("dropping message, send buffer full")
	}
}

func (c *Client) sendMessage(msg models.Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		c.log.Error("failed to marshal message", zap.Error(err))
		return
	}
	c.enqueue(data)
}

func (c *Client) sendSystem(event models.SystemEvent, payload any) {
	msg, err := models.NewSystemMessage(event, payload)
	if err != nil {
		c.log.Error("failed to build system message", zap.Error(err))
		return
	}
	c.sendMessage(msg)
}

func (c *Client) sendError(reason string) {
	c.sendMessage(models.Message{Type: models.MessageTypeError, Error: reason})
}

// close stops the client. The write pump flushes what is queued and closes
// the connection, which ends the read pump. Safe to call more than once.
func (c *Client) close() {
	c.once.Do(func() { close(c.done) })
}
