package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/mossy-p/telemed-rtc/internal/middleware"
	"github.com/mossy-p/telemed-rtc/internal/models"
	"github.com/mossy-p/telemed-rtc/internal/redis"
	"go.uber.org/zap"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 54 * time.Second
	maxMessageSize = 64 << 10
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// Origin checking is handled by middleware
		return true
	},
}

// HandleConsultationSocket joins an authenticated participant to the
// consultation room and relays signaling to the other participant.
func (s *Server) HandleConsultationSocket(c *gin.Context) {
	consultationID := c.Param("consultationId")

	tokenString, err := middleware.TokenFromRequest(c)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Missing token"})
		return
	}
	claims, err := middleware.ParseToken(s.secret, tokenString)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid token"})
		return
	}

	ctx := c.Request.Context()
	consultation, err := s.store.GetConsultation(ctx, consultationID)
	if errors.Is(err, redis.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "Consultation not found"})
		return
	}
	if err != nil {
		s.log.Error("failed to load consultation", zap.String("consultation_id", consultationID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to load consultation"})
		return
	}

	role, ok := consultation.ParticipantRole(claims.UserID)
	if !ok {
		c.JSON(http.StatusForbidden, gin.H{"error": "Not a participant of this consultation"})
		return
	}
	if consultation.Status == models.ConsultationCompleted {
		c.JSON(http.StatusGone, gin.H{"error": "Consultation already completed"})
		return
	}
	if s.hub.Full(consultationID, claims.UserID) {
		c.JSON(http.StatusConflict, gin.H{"error": "Consultation room is full"})
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.log.Warn("failed to upgrade connection", zap.Error(err))
		return
	}

	name := claims.Name
	if name == "" {
		name = claims.UserID
	}
	client := newClient(claims.UserID, role, name, conn, s.log.With(zap.String("consultation_id", consultationID)))

	size, other, replaced, err := s.hub.Join(consultationID, client)
	if err != nil {
		// Lost a race for the last slot after the capacity check.
		conn.SetWriteDeadline(time.Now().Add(writeWait))
		conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, err.Error()))
		conn.Close()
		return
	}
	if replaced != nil {
		client.log.Info("participant reconnected, closing stale connection")
		replaced.close()
	}

	// Background context: the request context ends with the upgrade.
	bg := context.Background()
	if _, err := s.store.AddPeer(bg, consultationID, claims.UserID); err != nil {
		client.log.Warn("failed to record peer", zap.Error(err))
	}

	client.log.Info("participant joined", zap.String("role", string(role)), zap.Int("room_size", size))

	client.sendSystem(models.EventConnected, models.ConnectedPayload{
		UserID:      client.UserID,
		Role:        role,
		DisplayName: client.Name,
		RoomSize:    size,
	})
	if other != nil {
		client.sendSystem(models.EventReady, models.ReadyPayload{ShouldCreateOffer: true})
		other.sendSystem(models.EventPeerJoined, models.PeerPayload{
			UserID:      client.UserID,
			DisplayName: client.Name,
			Role:        role,
		})
		other.sendSystem(models.EventReady, models.ReadyPayload{ShouldCreateOffer: false})
		s.markActive(bg, consultationID)
	}

	go client.writePump()
	go s.readPump(client)
}

func (s *Server) readPump(c *Client) {
	defer func() {
		c.close()
		if !s.hub.Leave(c) {
			return
		}
		if err := s.store.RemovePeer(context.Background(), c.room.ID, c.UserID); err != nil {
			c.log.Warn("failed to remove peer", zap.Error(err))
		}

		left, err := models.NewSystemMessage(models.EventPeerLeft, models.PeerPayload{
			UserID:      c.UserID,
			DisplayName: c.Name,
			Role:        c.Role,
		})
		if err == nil {
			c.room.Broadcast(left, c)
		}
		c.log.Info("participant left")
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				c.log.Warn("websocket error", zap.Error(err))
			}
			return
		}

		var msg models.Message
		if err := json.Unmarshal(message, &msg); err != nil {
			c.log.Warn("failed to parse message", zap.Error(err))
			c.sendError("malformed message")
			continue
		}
		s.relay(c, msg)
	}
}

// relay routes one inbound message from c.
func (s *Server) relay(c *Client, msg models.Message) {
	switch msg.Type {
	case models.MessageTypeOffer, models.MessageTypeAnswer, models.MessageTypeICE,
		models.MessageTypeRenegotiate, models.MessageTypeOrientation:
		c.room.Broadcast(models.Message{
			Type:       msg.Type,
			Payload:    msg.Payload,
			SenderID:   c.UserID,
			SenderRole: c.Role,
		}, c)

	case models.MessageTypeMedia:
		var p models.MediaPayload
		if err := msg.DecodePayload(&p); err != nil {
			c.sendError("malformed media message")
			return
		}
		p.SenderID = c.UserID
		out, err := models.NewMessage(models.MessageTypeMedia, p)
		if err != nil {
			return
		}
		out.SenderID, out.SenderRole = c.UserID, c.Role
		c.room.Broadcast(out, c)

	case models.MessageTypeChat:
		var p models.ChatPayload
		if err := msg.DecodePayload(&p); err != nil {
			c.sendError("malformed chat message")
			return
		}
		text := strings.TrimSpace(p.Text)
		if text == "" {
			return
		}
		out, err := models.NewMessage(models.MessageTypeChat, models.ChatPayload{
			ID:         uuid.NewString(),
			Text:       text,
			SenderID:   c.UserID,
			SenderName: c.Name,
			Timestamp:  time.Now().UTC(),
		})
		if err != nil {
			return
		}
		c.room.Broadcast(out, nil)

	case models.MessageTypeEndCall:
		ended, err := models.NewSystemMessage(models.EventCallEnded, models.CallEndedPayload{By: c.UserID})
		if err == nil {
			c.room.Broadcast(ended, nil)
		}
		if _, err := s.complete(context.Background(), c.room.ID); err != nil {
			c.log.Warn("failed to complete consultation", zap.Error(err))
		}
		c.log.Info("call ended")

	default:
		c.log.Warn("unsupported message type", zap.String("type", string(msg.Type)))
		c.sendError("unsupported message type")
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				c.log.Debug("failed to write message", zap.Error(err))
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-c.done:
			c.drain()
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return
		}
	}
}

// drain writes whatever was queued before the client was closed.
func (c *Client) drain() {
	for {
		select {
		case message := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		default:
			return
		}
	}
}
