package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// MessageType represents the type of a message on the signaling channel
type MessageType string

const (
	MessageTypeOffer       MessageType = "offer"
	MessageTypeAnswer      MessageType = "answer"
	MessageTypeICE         MessageType = "ice"
	MessageTypeRenegotiate MessageType = "renegotiate"
	MessageTypeSystem      MessageType = "system"
	MessageTypeChat        MessageType = "chat"
	MessageTypeFile        MessageType = "file"
	MessageTypeMedia       MessageType = "media"
	MessageTypeOrientation MessageType = "orientation"
	MessageTypeEndCall     MessageType = "end-call"
	MessageTypeError       MessageType = "error"
)

// SystemEvent is carried by system messages emitted by the relay
type SystemEvent string

const (
	EventConnected  SystemEvent = "connected"
	EventReady      SystemEvent = "ready"
	EventPeerJoined SystemEvent = "peer_joined"
	EventPeerLeft   SystemEvent = "peer_left"
	EventCallEnded  SystemEvent = "call_ended"
)

// Role is the participant type of a consultation member
type Role string

const (
	RolePatient   Role = "patient"
	RoleClinician Role = "clinician"
)

// Valid reports whether r is one of the two participant roles.
func (r Role) Valid() bool {
	return r == RolePatient || r == RoleClinician
}

// Orientation of the local capture or the remote picture
type Orientation string

const (
	OrientationPortrait  Orientation = "portrait"
	OrientationLandscape Orientation = "landscape"
)

func (o Orientation) Valid() bool {
	return o == OrientationPortrait || o == OrientationLandscape
}

// ParseOrientation maps anything but "landscape" to portrait.
func ParseOrientation(s string) Orientation {
	if Orientation(s) == OrientationLandscape {
		return OrientationLandscape
	}
	return OrientationPortrait
}

// Message is the wire unit on the signaling channel. Payload is kept raw so
// the relay can forward it opaquely and the client decodes it per Type.
type Message struct {
	Type       MessageType     `json:"type"`
	Event      SystemEvent     `json:"event,omitempty"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	SenderID   string          `json:"senderId,omitempty"`
	SenderRole Role            `json:"senderRole,omitempty"`
	Error      string          `json:"error,omitempty"`
}

// NewMessage builds a message with payload marshalled to JSON.
func NewMessage(t MessageType, payload any) (Message, error) {
	msg := Message{Type: t}
	if payload == nil {
		return msg, nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return Message{}, fmt.Errorf("marshal %s payload: %w", t, err)
	}
	msg.Payload = data
	return msg, nil
}

// NewSystemMessage builds a relay system message.
func NewSystemMessage(event SystemEvent, payload any) (Message, error) {
	msg, err := NewMessage(MessageTypeSystem, payload)
	if err != nil {
		return Message{}, err
	}
	msg.Event = event
	return msg, nil
}

// DecodePayload unmarshals the payload into v. An absent payload is an error.
func (m Message) DecodePayload(v any) error {
	if len(m.Payload) == 0 || string(m.Payload) == "null" {
		return fmt.Errorf("%s message has no payload", m.Type)
	}
	if err := json.Unmarshal(m.Payload, v); err != nil {
		return fmt.Errorf("decode %s payload: %w", m.Type, err)
	}
	return nil
}

// ConnectedPayload is sent to a participant right after it joins
type ConnectedPayload struct {
	UserID      string `json:"userId"`
	Role        Role   `json:"role"`
	DisplayName string `json:"displayName"`
	RoomSize    int    `json:"roomSize"`
}

// ReadyPayload seeds the negotiation role: the participant told to create
// the offer is the impolite peer.
type ReadyPayload struct {
	ShouldCreateOffer bool `json:"shouldCreateOffer"`
}

// PeerPayload describes the participant that joined or left
type PeerPayload struct {
	UserID      string `json:"userId"`
	DisplayName string `json:"displayName,omitempty"`
	Role        Role   `json:"role,omitempty"`
}

// CallEndedPayload names the participant that ended the call
type CallEndedPayload struct {
	By string `json:"by"`
}

// ChatPayload is a chat line. Clients send only Text; the relay stamps the rest.
type ChatPayload struct {
	ID         string    `json:"id,omitempty"`
	Text       string    `json:"text"`
	SenderID   string    `json:"senderId,omitempty"`
	SenderName string    `json:"senderName,omitempty"`
	Timestamp  time.Time `json:"timestamp,omitempty"`
}

// MediaPayload reports the sender's local toggle state. Absent fields are
// unchanged.
type MediaPayload struct {
	AudioEnabled *bool  `json:"audioEnabled,omitempty"`
	VideoEnabled *bool  `json:"videoEnabled,omitempty"`
	SenderID     string `json:"senderId,omitempty"`
}

// OrientationPayload reports the sender's capture orientation
type OrientationPayload struct {
	Orientation Orientation `json:"orientation"`
}
