package negotiation

import (
	"errors"
	"fmt"

	"github.com/mossy-p/telemed-rtc/internal/models"
	"github.com/pion/webrtc/v4"
)

// fakeConn models the signaling state machine of a peer connection closely
// enough to exercise offer collisions. Like pion it cannot roll back.
type fakeConn struct {
	name   string
	state  webrtc.SignalingState
	local  *webrtc.SessionDescription
	remote *webrtc.SessionDescription
	offers int

	applied []webrtc.ICECandidateInit
	events  []string

	createOfferErr error
}

func newFakeConn(name string) *fakeConn {
	return &fakeConn{name: name, state: webrtc.SignalingStateStable}
}

func testSDP(origin string, version int) string {
	return fmt.Sprintf("v=0\r\no=%s %d %d IN IP4 127.0.0.1\r\ns=-\r\nt=0 0\r\n", origin, version, version)
}

func (c *fakeConn) CreateOffer(*webrtc.OfferOptions) (webrtc.SessionDescription, error) {
	if c.createOfferErr != nil {
		return webrtc.SessionDescription{}, c.createOfferErr
	}
	c.offers++
	c.events = append(c.events, "create-offer")
	return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: testSDP(c.name, c.offers)}, nil
}

func (c *fakeConn) CreateAnswer(*webrtc.AnswerOptions) (webrtc.SessionDescription, error) {
	if c.state != webrtc.SignalingStateHaveRemoteOffer {
		return webrtc.SessionDescription{}, errors.New("create answer: no remote offer")
	}
	c.events = append(c.events, "create-answer")
	return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: testSDP(c.name, 100+c.offers)}, nil
}

func (c *fakeConn) SetLocalDescription(d webrtc.SessionDescription) error {
	switch d.Type {
	case webrtc.SDPTypeRollback:
		return fmt.Errorf("invalid state change %s->rollback", c.state)
	case webrtc.SDPTypeOffer:
		if c.state != webrtc.SignalingStateStable {
			return fmt.Errorf("set local offer in %s", c.state)
		}
		c.local = &d
		c.state = webrtc.SignalingStateHaveLocalOffer
	case webrtc.SDPTypeAnswer:
		if c.state != webrtc.SignalingStateHaveRemoteOffer {
			return fmt.Errorf("set local answer in %s", c.state)
		}
		c.local = &d
		c.state = webrtc.SignalingStateStable
	}
	c.events = append(c.events, "set-local-"+d.Type.String())
	return nil
}

func (c *fakeConn) SetRemoteDescription(d webrtc.SessionDescription) error {
	switch d.Type {
	case webrtc.SDPTypeOffer:
		if c.state != webrtc.SignalingStateStable {
			return fmt.Errorf("set remote offer in %s", c.state)
		}
		c.state = webrtc.SignalingStateHaveRemoteOffer
	case webrtc.SDPTypeAnswer:
		if c.state != webrtc.SignalingStateHaveLocalOffer {
			return fmt.Errorf("set remote answer in %s", c.state)
		}
		c.state = webrtc.SignalingStateStable
	}
	c.remote = &d
	c.events = append(c.events, "set-remote-"+d.Type.String())
	return nil
}

func (c *fakeConn) AddICECandidate(ci webrtc.ICECandidateInit) error {
	if c.remote == nil {
		return errors.New("add candidate without remote description")
	}
	c.applied = append(c.applied, ci)
	c.events = append(c.events, "add-candidate:"+ci.Candidate)
	return nil
}

func (c *fakeConn) SignalingState() webrtc.SignalingState { return c.state }

func (c *fakeConn) RemoteDescription() *webrtc.SessionDescription { return c.remote }

type fakeTransport struct {
	closed bool
	sent   []models.Message
}

func (t *fakeTransport) Send(msg models.Message) error {
	if t.closed {
		return errors.New("transport closed")
	}
	t.sent = append(t.sent, msg)
	return nil
}

func (t *fakeTransport) IsOpen() bool { return !t.closed }

// take returns and clears the messages sent so far.
func (t *fakeTransport) take() []models.Message {
	msgs := t.sent
	t.sent = nil
	return msgs
}

func (t *fakeTransport) count(mt models.MessageType) int {
	n := 0
	for _, m := range t.sent {
		if m.Type == mt {
			n++
		}
	}
	return n
}

func candidate(s string) webrtc.ICECandidateInit {
	return webrtc.ICECandidateInit{Candidate: s}
}
