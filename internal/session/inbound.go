package session

import (
	"github.com/mossy-p/telemed-rtc/internal/models"
	"github.com/mossy-p/telemed-rtc/internal/negotiation"
	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"
)

// currentEngine hands negotiation traffic to the engine of the live peer
// connection, which changes when the peer leaves.
type currentEngine struct {
	s *Session
}

func (c currentEngine) AssignRole(shouldCreateOffer bool) bool {
	return c.s.engine.AssignRole(shouldCreateOffer)
}

func (c currentEngine) Role() negotiation.Role { return c.s.engine.Role() }

func (c currentEngine) CreateAndSendOffer() error { return c.s.engine.CreateAndSendOffer() }

func (c currentEngine) HandleIncomingOffer(offer webrtc.SessionDescription) error {
	return c.s.engine.HandleIncomingOffer(offer)
}

func (c currentEngine) HandleIncomingAnswer(answer webrtc.SessionDescription) error {
	return c.s.engine.HandleIncomingAnswer(answer)
}

func (c currentEngine) HandleIncomingCandidate(ci webrtc.ICECandidateInit) error {
	return c.s.engine.HandleIncomingCandidate(ci)
}

func (c currentEngine) HandleRenegotiationRequest() error {
	return c.s.engine.HandleRenegotiationRequest()
}

// inbound receives presence and application events from the router. It
// runs on the session loop like everything else.
type inbound struct {
	s *Session
}

func (in inbound) OnConnected(p models.ConnectedPayload) {
	in.s.userID = p.UserID
	in.s.log.Info("joined consultation room",
		zap.String("user_id", p.UserID), zap.Int("room_size", p.RoomSize))
}

func (in inbound) OnReady(p models.ReadyPayload) {
	in.s.lc.PeerPresent()
	in.s.announceState()
}

func (in inbound) OnPeerJoined(p models.PeerPayload) {
	in.s.log.Info("peer joined", zap.String("peer_id", p.UserID))
	in.s.lc.PeerPresent()
	if in.s.cfg.Hooks.OnPeer != nil {
		in.s.cfg.Hooks.OnPeer(p, true)
	}
}

func (in inbound) OnPeerLeft(p models.PeerPayload) {
	in.s.log.Info("peer left", zap.String("peer_id", p.UserID))
	in.s.peerLost()
	if in.s.cfg.Hooks.OnPeer != nil {
		in.s.cfg.Hooks.OnPeer(p, false)
	}
}

func (in inbound) OnCallEnded(p models.CallEndedPayload) {
	in.s.log.Info("call ended by relay", zap.String("by", p.By))
	in.s.end(nil)
}

func (in inbound) OnRelayError(reason string) {
	in.s.log.Warn("relay reported an error", zap.String("reason", reason))
}

func (in inbound) OnChat(p models.ChatPayload) {
	if in.s.chat.Append(p) && in.s.cfg.Hooks.OnChat != nil {
		in.s.cfg.Hooks.OnChat(p)
	}
}

func (in inbound) OnFile(p models.FilePayload) {
	in.s.files.Register(p)
	if in.s.cfg.Hooks.OnFile != nil {
		in.s.cfg.Hooks.OnFile(p)
	}
}

func (in inbound) OnRemoteMedia(p models.MediaPayload) {
	in.s.state.ApplyRemote(p)
	in.s.emitMediaState()
}

func (in inbound) OnRemoteOrientation(o models.Orientation) {
	in.s.state.RemoteOrientation = o
	in.s.emitMediaState()
}
