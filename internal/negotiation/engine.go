// Package negotiation drives one peer connection through the offer/answer
// exchange using the polite/impolite ("perfect negotiation") pattern.
//
// Only the impolite side puts offers on the connection. The polite side asks
// for one with a renegotiate message instead, so a collision never needs a
// local rollback.
//
// The engine is not safe for concurrent use. The owning session calls it from
// a single event loop, which is what makes the boolean guards and the FIFO
// candidate queues sufficient.
package negotiation

import (
	"errors"
	"fmt"

	"github.com/mossy-p/telemed-rtc/internal/models"
	"github.com/pion/sdp/v3"
	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"
)

var (
	// ErrNegotiation wraps every failure to generate or apply a session
	// description. The media link cannot recover from it.
	ErrNegotiation = errors.New("negotiation failed")

	// ErrRestartExhausted is returned when an ICE restart was already tried.
	ErrRestartExhausted = errors.New("ice restart already attempted")
)

// Role decides who wins an offer collision
type Role int

const (
	RoleUnassigned Role = iota
	RolePolite
	RoleImpolite
)

func (r Role) String() string {
	switch r {
	case RolePolite:
		return "polite"
	case RoleImpolite:
		return "impolite"
	}
	return "unassigned"
}

// Connection is the part of *webrtc.PeerConnection the engine drives.
type Connection interface {
	CreateOffer(options *webrtc.OfferOptions) (webrtc.SessionDescription, error)
	CreateAnswer(options *webrtc.AnswerOptions) (webrtc.SessionDescription, error)
	SetLocalDescription(desc webrtc.SessionDescription) error
	SetRemoteDescription(desc webrtc.SessionDescription) error
	AddICECandidate(candidate webrtc.ICECandidateInit) error
	SignalingState() webrtc.SignalingState
	RemoteDescription() *webrtc.SessionDescription
}

// Transport carries outbound negotiation messages to the peer.
type Transport interface {
	Send(msg models.Message) error
	IsOpen() bool
}

// Engine holds the negotiation state of one session.
type Engine struct {
	conn Connection
	tr   Transport
	log  *zap.Logger

	role                         Role
	isMakingOffer                bool
	ignoreIncomingOffer          bool
	isSettingRemoteAnswerPending bool
	renegotiationPending         bool
	offerRequested               bool
	iceRestarted                 bool

	pendingRemoteCandidates CandidateQueue
	pendingLocalCandidates  CandidateQueue
}

// NewEngine creates an engine for conn that sends through tr.
func NewEngine(conn Connection, tr Transport, log *zap.Logger) *Engine {
	if log == nil {
		log = zap.NewNop()
	}
	return &Engine{
		conn: conn,
		tr:   tr,
		log:  log,
	}
}

// AssignRole sets the role from the first ready event. Later calls are
// ignored and report false.
func (e *Engine) AssignRole(shouldCreateOffer bool) bool {
	if e.role != RoleUnassigned {
		e.log.Debug("role already assigned, ignoring ready",
			zap.Stringer("role", e.role), zap.Bool("should_create_offer", shouldCreateOffer))
		return false
	}
	if shouldCreateOffer {
		e.role = RoleImpolite
	} else {
		e.role = RolePolite
	}
	e.log.Info("negotiation role assigned", zap.Stringer("role", e.role))
	return true
}

// Role returns the assigned role.
func (e *Engine) Role() Role { return e.role }

// Pristine reports whether nothing was negotiated on this connection yet.
func (e *Engine) Pristine() bool {
	return e.role == RoleUnassigned && e.conn.RemoteDescription() == nil && !e.offerRequested
}

// IsMakingOffer reports whether an offer is being generated.
func (e *Engine) IsMakingOffer() bool { return e.isMakingOffer }

// IgnoringOffer reports whether the last colliding offer was ignored.
func (e *Engine) IgnoringOffer() bool { return e.ignoreIncomingOffer }

// PendingRemoteCandidates returns how many remote candidates wait for a
// remote description.
func (e *Engine) PendingRemoteCandidates() int { return e.pendingRemoteCandidates.Len() }

// PendingLocalCandidates returns how many local candidates wait for the
// outbound channel.
func (e *Engine) PendingLocalCandidates() int { return e.pendingLocalCandidates.Len() }

// CreateAndSendOffer generates an offer, applies it locally and sends it.
// It is a no-op while another offer is in flight. A side that yields asks the
// peer for an offer instead.
func (e *Engine) CreateAndSendOffer() error {
	if e.yields() {
		return e.requestOffer()
	}
	return e.createAndSendOffer(nil)
}

// HandleRenegotiationRequest answers the peer's request for an offer. The
// offer waits while an exchange is in progress.
func (e *Engine) HandleRenegotiationRequest() error {
	if e.yields() {
		e.log.Debug("ignoring renegotiation request", zap.Stringer("role", e.role))
		return nil
	}
	if e.isMakingOffer || !isStable(e.conn.SignalingState()) {
		e.log.Debug("requested renegotiation deferred until stable")
		e.renegotiationPending = true
		return nil
	}
	e.renegotiationPending = false
	return e.createAndSendOffer(nil)
}

func (e *Engine) yields() bool { return e.role != RoleImpolite }

func (e *Engine) requestOffer() error {
	if e.offerRequested {
		e.log.Debug("offer already requested")
		return nil
	}
	if err := e.send(models.MessageTypeRenegotiate, nil); err != nil {
		return fmt.Errorf("%w: request offer: %w", ErrNegotiation, err)
	}
	e.offerRequested = true
	e.log.Info("offer requested from peer")
	return nil
}

func (e *Engine) createAndSendOffer(options *webrtc.OfferOptions) error {
	if e.isMakingOffer {
		e.log.Debug("offer already in flight")
		return nil
	}
	e.isMakingOffer = true
	defer func() { e.isMakingOffer = false }()

	offer, err := e.conn.CreateOffer(options)
	if err != nil {
		return fmt.Errorf("%w: create offer: %w", ErrNegotiation, err)
	}
	if err := e.conn.SetLocalDescription(offer); err != nil {
		return fmt.Errorf("%w: set local offer: %w", ErrNegotiation, err)
	}
	if err := e.send(models.MessageTypeOffer, offer); err != nil {
		return fmt.Errorf("%w: send offer: %w", ErrNegotiation, err)
	}
	e.log.Info("offer sent", zap.Bool("ice_restart", options != nil && options.ICERestart))
	return nil
}

// HandleIncomingOffer applies a remote offer and answers it. The impolite side
// ignores an offer that collides with its own.
func (e *Engine) HandleIncomingOffer(offer webrtc.SessionDescription) error {
	if err := validateDescription(offer, webrtc.SDPTypeOffer); err != nil {
		return err
	}

	state := e.conn.SignalingState()
	readyForOffer := !e.isMakingOffer && (isStable(state) || e.isSettingRemoteAnswerPending)
	collision := !readyForOffer
	e.ignoreIncomingOffer = collision && e.role == RoleImpolite
	if e.ignoreIncomingOffer {
		e.log.Info("offer collision, ignoring remote offer",
			zap.Stringer("signaling_state", state))
		return nil
	}
	if collision {
		// A yielding side never holds a local offer to give up.
		return fmt.Errorf("%w: cannot accept offer in state %s", ErrNegotiation, state)
	}
	e.offerRequested = false

	if err := e.conn.SetRemoteDescription(offer); err != nil {
		return fmt.Errorf("%w: set remote offer: %w", ErrNegotiation, err)
	}
	e.flushRemoteCandidates()

	answer, err := e.conn.CreateAnswer(nil)
	if err != nil {
		return fmt.Errorf("%w: create answer: %w", ErrNegotiation, err)
	}
	if err := e.conn.SetLocalDescription(answer); err != nil {
		return fmt.Errorf("%w: set local answer: %w", ErrNegotiation, err)
	}
	if err := e.send(models.MessageTypeAnswer, answer); err != nil {
		return fmt.Errorf("%w: send answer: %w", ErrNegotiation, err)
	}
	e.log.Info("answer sent")
	return e.maybeRenegotiate()
}

// HandleIncomingAnswer applies the answer to our offer.
func (e *Engine) HandleIncomingAnswer(answer webrtc.SessionDescription) error {
	if err := validateDescription(answer, webrtc.SDPTypeAnswer); err != nil {
		return err
	}

	e.isSettingRemoteAnswerPending = true
	err := e.conn.SetRemoteDescription(answer)
	e.isSettingRemoteAnswerPending = false
	if err != nil {
		return fmt.Errorf("%w: set remote answer: %w", ErrNegotiation, err)
	}
	// Our offer won; later candidates belong to this answer.
	e.ignoreIncomingOffer = false
	e.flushRemoteCandidates()
	e.log.Info("answer applied")
	return e.maybeRenegotiate()
}

// HandleIncomingCandidate applies a remote candidate, or queues it while no
// remote description exists. Candidates of an ignored offer are dropped.
func (e *Engine) HandleIncomingCandidate(c webrtc.ICECandidateInit) error {
	if e.ignoreIncomingOffer {
		e.log.Debug("dropping candidate of ignored offer")
		return nil
	}
	if e.conn.RemoteDescription() == nil {
		e.pendingRemoteCandidates.Push(c)
		return nil
	}
	if err := e.conn.AddICECandidate(c); err != nil {
		e.log.Warn("add ice candidate failed", zap.Error(err))
		return fmt.Errorf("add ice candidate: %w", err)
	}
	return nil
}

// OnLocalCandidateDiscovered sends a gathered candidate, or queues it until
// the outbound channel opens.
func (e *Engine) OnLocalCandidateDiscovered(c webrtc.ICECandidateInit) error {
	if !e.tr.IsOpen() {
		e.pendingLocalCandidates.Push(c)
		return nil
	}
	return e.send(models.MessageTypeICE, c)
}

// FlushLocalCandidates sends every queued local candidate in order. It is
// called when the outbound channel opens.
func (e *Engine) FlushLocalCandidates() error {
	for _, c := range e.pendingLocalCandidates.Drain() {
		if err := e.send(models.MessageTypeICE, c); err != nil {
			return err
		}
	}
	return nil
}

// RequestRenegotiation re-runs the offer/answer exchange after the local
// track set changed. It is deferred while a negotiation is in progress and
// dropped before the first exchange has started, which carries the current
// tracks anyway.
func (e *Engine) RequestRenegotiation() error {
	inProgress := e.isMakingOffer || !isStable(e.conn.SignalingState())
	if e.conn.RemoteDescription() == nil && !inProgress {
		e.log.Debug("renegotiation before first exchange, skipping")
		return nil
	}
	if inProgress {
		e.log.Debug("renegotiation deferred until stable")
		e.renegotiationPending = true
		return nil
	}
	e.renegotiationPending = false
	return e.CreateAndSendOffer()
}

// HandleSignalingStateChange runs a deferred renegotiation once the
// connection is stable again.
func (e *Engine) HandleSignalingStateChange(state webrtc.SignalingState) error {
	if !isStable(state) {
		return nil
	}
	return e.maybeRenegotiate()
}

// RestartICE sends a single ICE restart offer. Only the impolite side
// restarts so both sides cannot race each other.
func (e *Engine) RestartICE() error {
	if e.iceRestarted {
		return ErrRestartExhausted
	}
	e.iceRestarted = true
	if e.role != RoleImpolite {
		e.log.Info("waiting for peer to restart ice")
		return nil
	}
	return e.createAndSendOffer(&webrtc.OfferOptions{ICERestart: true})
}

func (e *Engine) maybeRenegotiate() error {
	if !e.renegotiationPending {
		return nil
	}
	return e.RequestRenegotiation()
}

func (e *Engine) flushRemoteCandidates() {
	for _, c := range e.pendingRemoteCandidates.Drain() {
		if err := e.conn.AddICECandidate(c); err != nil {
			e.log.Warn("add queued ice candidate failed", zap.Error(err))
		}
	}
}

func (e *Engine) send(t models.MessageType, payload any) error {
	msg, err := models.NewMessage(t, payload)
	if err != nil {
		return err
	}
	return e.tr.Send(msg)
}

func isStable(state webrtc.SignalingState) bool {
	return state == webrtc.SignalingStateStable || state == webrtc.SignalingStateUnknown
}

func validateDescription(desc webrtc.SessionDescription, want webrtc.SDPType) error {
	if desc.Type != want {
		return fmt.Errorf("%w: expected %s description, got %s", ErrNegotiation, want, desc.Type)
	}
	var parsed sdp.SessionDescription
	if err := parsed.Unmarshal([]byte(desc.SDP)); err != nil {
		return fmt.Errorf("%w: malformed %s: %w", ErrNegotiation, want, err)
	}
	return nil
}
