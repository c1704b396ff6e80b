// Package router demultiplexes the signaling channel into negotiation,
// presence and application traffic.
package router

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/mossy-p/telemed-rtc/internal/models"
	"github.com/mossy-p/telemed-rtc/internal/negotiation"
	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"
)

// ErrMalformed marks an inbound message that was dropped.
var ErrMalformed = errors.New("malformed message")

// Negotiator receives offer, answer and candidate traffic.
type Negotiator interface {
	AssignRole(shouldCreateOffer bool) bool
	Role() negotiation.Role
	CreateAndSendOffer() error
	HandleIncomingOffer(offer webrtc.SessionDescription) error
	HandleIncomingAnswer(answer webrtc.SessionDescription) error
	HandleIncomingCandidate(c webrtc.ICECandidateInit) error
	HandleRenegotiationRequest() error
}

// Lifecycle receives room presence events.
type Lifecycle interface {
	OnConnected(p models.ConnectedPayload)
	OnReady(p models.ReadyPayload)
	OnPeerJoined(p models.PeerPayload)
	OnPeerLeft(p models.PeerPayload)
	OnCallEnded(p models.CallEndedPayload)
	OnRelayError(reason string)
}

// Observer receives application traffic. It never touches negotiation state.
type Observer interface {
	OnChat(p models.ChatPayload)
	OnFile(p models.FilePayload)
	OnRemoteMedia(p models.MediaPayload)
	OnRemoteOrientation(o models.Orientation)
}

// Router dispatches one inbound message at a time.
type Router struct {
	neg Negotiator
	lc  Lifecycle
	obs Observer
	log *zap.Logger
}

func New(neg Negotiator, lc Lifecycle, obs Observer, log *zap.Logger) *Router {
	if log == nil {
		log = zap.NewNop()
	}
	return &Router{neg: neg, lc: lc, obs: obs, log: log.Named("router")}
}

// Route parses raw and hands it to the matching component. Malformed input
// and panics inside a handler yield ErrMalformed; negotiation failures are
// returned as they come from the Negotiator.
func (r *Router) Route(raw []byte) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("%w: handler panic: %v", ErrMalformed, p)
		}
		if errors.Is(err, ErrMalformed) {
			r.log.Warn("dropping inbound message", zap.Error(err))
		}
	}()

	var msg models.Message
	if err := json.Unmarshal(raw, &msg); err != nil {
		return fmt.Errorf("%w: %w", ErrMalformed, err)
	}
	return r.Dispatch(msg)
}

// Dispatch routes an already decoded message.
func (r *Router) Dispatch(msg models.Message) error {
	switch msg.Type {
	case models.MessageTypeSystem:
		return r.system(msg)
	case models.MessageTypeOffer, models.MessageTypeAnswer:
		var sd webrtc.SessionDescription
		if err := msg.DecodePayload(&sd); err != nil {
			return fmt.Errorf("%w: %w", ErrMalformed, err)
		}
		if msg.Type == models.MessageTypeOffer {
			return r.neg.HandleIncomingOffer(sd)
		}
		return r.neg.HandleIncomingAnswer(sd)
	case models.MessageTypeICE:
		var c webrtc.ICECandidateInit
		if err := msg.DecodePayload(&c); err != nil {
			return fmt.Errorf("%w: %w", ErrMalformed, err)
		}
		if c.Candidate == "" {
			// End-of-candidates marker.
			return nil
		}
		return r.neg.HandleIncomingCandidate(c)
	case models.MessageTypeRenegotiate:
		return r.neg.HandleRenegotiationRequest()
	case models.MessageTypeChat:
		var p models.ChatPayload
		if err := msg.DecodePayload(&p); err != nil {
			return fmt.Errorf("%w: %w", ErrMalformed, err)
		}
		if strings.TrimSpace(p.Text) == "" {
			return fmt.Errorf("%w: empty chat text", ErrMalformed)
		}
		r.obs.OnChat(p)
	case models.MessageTypeFile:
		var p models.FilePayload
		if err := msg.DecodePayload(&p); err != nil {
			return fmt.Errorf("%w: %w", ErrMalformed, err)
		}
		if p.FileName == "" || p.DownloadURL == "" {
			return fmt.Errorf("%w: file notice without name or url", ErrMalformed)
		}
		r.obs.OnFile(p)
	case models.MessageTypeMedia:
		var p models.MediaPayload
		if err := msg.DecodePayload(&p); err != nil {
			return fmt.Errorf("%w: %w", ErrMalformed, err)
		}
		if p.AudioEnabled == nil && p.VideoEnabled == nil {
			return fmt.Errorf("%w: media notice without state", ErrMalformed)
		}
		r.obs.OnRemoteMedia(p)
	case models.MessageTypeOrientation:
		var p struct {
			Orientation string `json:"orientation"`
		}
		if err := msg.DecodePayload(&p); err != nil {
			return fmt.Errorf("%w: %w", ErrMalformed, err)
		}
		r.obs.OnRemoteOrientation(models.ParseOrientation(p.Orientation))
	case models.MessageTypeError:
		r.lc.OnRelayError(msg.Error)
	default:
		return fmt.Errorf("%w: unknown type %q", ErrMalformed, msg.Type)
	}
	return nil
}

func (r *Router) system(msg models.Message) error {
	switch msg.Event {
	case models.EventConnected:
		var p models.ConnectedPayload
		if err := decodeOptional(msg, &p); err != nil {
			return err
		}
		r.lc.OnConnected(p)
	case models.EventReady:
		var p models.ReadyPayload
		if err := msg.DecodePayload(&p); err != nil {
			return fmt.Errorf("%w: %w", ErrMalformed, err)
		}
		r.neg.AssignRole(p.ShouldCreateOffer)
		r.lc.OnReady(p)
		if p.ShouldCreateOffer && r.neg.Role() == negotiation.RoleImpolite {
			return r.neg.CreateAndSendOffer()
		}
	case models.EventPeerJoined:
		var p models.PeerPayload
		if err := decodeOptional(msg, &p); err != nil {
			return err
		}
		r.lc.OnPeerJoined(p)
	case models.EventPeerLeft:
		var p models.PeerPayload
		if err := decodeOptional(msg, &p); err != nil {
			return err
		}
		r.lc.OnPeerLeft(p)
	case models.EventCallEnded:
		var p models.CallEndedPayload
		if err := decodeOptional(msg, &p); err != nil {
			return err
		}
		r.lc.OnCallEnded(p)
	default:
		return fmt.Errorf("%w: unknown system event %q", ErrMalformed, msg.Event)
	}
	return nil
}

// decodeOptional decodes a payload the relay may omit.
func decodeOptional(msg models.Message, v any) error {
	if len(msg.Payload) == 0 || string(msg.Payload) == "null" {
		return nil
	}
	if err := json.Unmarshal(msg.Payload, v); err != nil {
		return fmt.Errorf("%w: decode %s payload: %w", ErrMalformed, msg.Event, err)
	}
	return nil
}
