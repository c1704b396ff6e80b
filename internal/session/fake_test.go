package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/mossy-p/telemed-rtc/internal/media"
	"github.com/mossy-p/telemed-rtc/internal/models"
	"github.com/mossy-p/telemed-rtc/internal/signal"
	"github.com/pion/webrtc/v4"
	pionmedia "github.com/pion/webrtc/v4/pkg/media"
)

// fakePeer is a signaling state machine that reports itself connected once
// the first exchange completes, like pion does after ICE and DTLS. Like pion
// it cannot roll back a local offer and reports Closed when closed.
type fakePeer struct {
	mu sync.Mutex

	name      string
	state     webrtc.SignalingState
	local     *webrtc.SessionDescription
	remote    *webrtc.SessionDescription
	offers    int
	restarts  int
	connected bool
	closes    int
	senders   []*fakeSender
	cands     []webrtc.ICECandidateInit

	onICE   func(*webrtc.ICECandidate)
	onConn  func(webrtc.PeerConnectionState)
	onSig   func(webrtc.SignalingState)
	onTrack func(*webrtc.TrackRemote, *webrtc.RTPReceiver)
}

func newFakePeer(name string) *fakePeer {
	return &fakePeer{name: name, state: webrtc.SignalingStateStable}
}

func sdpFor(origin string, version int) string {
	return fmt.Sprintf("v=0\r\no=%s %d %d IN IP4 127.0.0.1\r\ns=-\r\nt=0 0\r\n", origin, version, version)
}

func (p *fakePeer) CreateOffer(opts *webrtc.OfferOptions) (webrtc.SessionDescription, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.offers++
	if opts != nil && opts.ICERestart {
		p.restarts++
	}
	return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: sdpFor(p.name, p.offers)}, nil
}

func (p *fakePeer) CreateAnswer(*webrtc.AnswerOptions) (webrtc.SessionDescription, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state != webrtc.SignalingStateHaveRemoteOffer {
		return webrtc.SessionDescription{}, errors.New("no remote offer")
	}
	return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: sdpFor(p.name, 1000+p.offers)}, nil
}

func (p *fakePeer) SetLocalDescription(d webrtc.SessionDescription) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	switch d.Type {
	case webrtc.SDPTypeRollback:
		return fmt.Errorf("invalid state change %s->rollback", p.state)
	case webrtc.SDPTypeOffer:
		if p.state != webrtc.SignalingStateStable {
			return fmt.Errorf("set local offer in %s", p.state)
		}
		p.local = &d
		p.state = webrtc.SignalingStateHaveLocalOffer
	case webrtc.SDPTypeAnswer:
		if p.state != webrtc.SignalingStateHaveRemoteOffer {
			return fmt.Errorf("set local answer in %s", p.state)
		}
		p.local = &d
		p.state = webrtc.SignalingStateStable
		p.maybeConnect()
	}
	return nil
}

func (p *fakePeer) SetRemoteDescription(d webrtc.SessionDescription) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	switch d.Type {
	case webrtc.SDPTypeOffer:
		if p.state != webrtc.SignalingStateStable {
			return fmt.Errorf("set remote offer in %s", p.state)
		}
		p.state = webrtc.SignalingStateHaveRemoteOffer
	case webrtc.SDPTypeAnswer:
		if p.state != webrtc.SignalingStateHaveLocalOffer {
			return fmt.Errorf("set remote answer in %s", p.state)
		}
		p.state = webrtc.SignalingStateStable
		defer p.maybeConnect()
	}
	p.remote = &d
	return nil
}

// maybeConnect must be called with mu held.
func (p *fakePeer) maybeConnect() {
	if p.connected || p.local == nil || p.remote == nil {
		return
	}
	p.connected = true
	if h := p.onConn; h != nil {
		go h(webrtc.PeerConnectionStateConnected)
	}
}

func (p *fakePeer) AddICECandidate(c webrtc.ICECandidateInit) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cands = append(p.cands, c)
	return nil
}

func (p *fakePeer) SignalingState() webrtc.SignalingState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

func (p *fakePeer) RemoteDescription() *webrtc.SessionDescription {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.remote
}

func (p *fakePeer) AddTrack(track webrtc.TrackLocal) (media.Sender, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	s := &fakeSender{track: track}
	p.senders = append(p.senders, s)
	return s, nil
}

func (p *fakePeer) Senders() []media.Sender {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]media.Sender, 0, len(p.senders))
	for _, s := range p.senders {
		out = append(out, s)
	}
	return out
}

func (p *fakePeer) OnICECandidate(f func(*webrtc.ICECandidate)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onICE = f
}

func (p *fakePeer) OnConnectionStateChange(f func(webrtc.PeerConnectionState)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onConn = f
}

func (p *fakePeer) OnSignalingStateChange(f func(webrtc.SignalingState)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onSig = f
}

func (p *fakePeer) OnTrack(f func(*webrtc.TrackRemote, *webrtc.RTPReceiver)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onTrack = f
}

func (p *fakePeer) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closes++
	if h := p.onConn; h != nil && p.closes == 1 {
		go h(webrtc.PeerConnectionStateClosed)
	}
	return nil
}

// fireConnection delivers a connection state change the way pion does, from
// a foreign goroutine.
func (p *fakePeer) fireConnection(state webrtc.PeerConnectionState) {
	p.mu.Lock()
	h := p.onConn
	p.mu.Unlock()
	h(state)
}

func (p *fakePeer) snapshot() (state webrtc.SignalingState, senders, offers, restarts, closes int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state, len(p.senders), p.offers, p.restarts, p.closes
}

func (p *fakePeer) videoSender() *fakeSender {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, s := range p.senders {
		if s.Track().Kind() == webrtc.RTPCodecTypeVideo {
			return s
		}
	}
	return nil
}

func (p *fakePeer) audioTrackID() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, s := range p.senders {
		if t := s.Track(); t.Kind() == webrtc.RTPCodecTypeAudio {
			return t.ID()
		}
	}
	return ""
}

type fakeSender struct {
	mu       sync.Mutex
	track    webrtc.TrackLocal
	replaced int
}

func (s *fakeSender) Track() webrtc.TrackLocal {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.track
}

func (s *fakeSender) ReplaceTrack(track webrtc.TrackLocal) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.track = track
	s.replaced++
	return nil
}

func (s *fakeSender) replacements() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.replaced
}

// fakeRelay connects two channels the way the relay does: offers, answers,
// candidates and media notices go to the other side, chat is stamped and
// sent to both, end-call ends the call for both.
type fakeRelay struct {
	mu    sync.Mutex
	chans [2]*fakeChannel
	sent  [2][]models.Message
}

func newFakeRelay() *fakeRelay {
	r := &fakeRelay{}
	for i := range r.chans {
		r.reopen(i)
	}
	return r
}

// reopen gives slot idx a fresh channel, as when a participant reconnects.
func (r *fakeRelay) reopen(idx int) *fakeChannel {
	c := &fakeChannel{
		relay:    r,
		idx:      idx,
		incoming: make(chan []byte, 1024),
		done:     make(chan struct{}),
	}
	c.open.Store(true)
	r.mu.Lock()
	r.chans[idx] = c
	r.mu.Unlock()
	return c
}

func (r *fakeRelay) route(from int, msg models.Message) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent[from] = append(r.sent[from], msg)

	switch msg.Type {
	case models.MessageTypeEndCall:
		ended, _ := models.NewSystemMessage(models.EventCallEnded, models.CallEndedPayload{By: fmt.Sprint(from)})
		r.deliverLocked(0, ended)
		r.deliverLocked(1, ended)
	case models.MessageTypeChat:
		var p models.ChatPayload
		_ = msg.DecodePayload(&p)
		p.ID = uuid.NewString()
		p.SenderID = fmt.Sprint(from)
		p.Timestamp = time.Now().UTC()
		stamped, _ := models.NewMessage(models.MessageTypeChat, p)
		r.deliverLocked(0, stamped)
		r.deliverLocked(1, stamped)
	default:
		r.deliverLocked(1-from, msg)
	}
}

func (r *fakeRelay) channel(idx int) *fakeChannel {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.chans[idx]
}

// inject delivers a relay-originated message to one side.
func (r *fakeRelay) inject(to int, msg models.Message) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.deliverLocked(to, msg)
}

func (r *fakeRelay) injectRaw(to int, raw []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c := r.chans[to]; c.open.Load() {
		c.incoming <- raw
	}
}

func (r *fakeRelay) deliverLocked(to int, msg models.Message) {
	c := r.chans[to]
	if !c.open.Load() {
		return
	}
	data, _ := json.Marshal(msg)
	c.incoming <- data
}

func (r *fakeRelay) count(from int, t models.MessageType) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, m := range r.sent[from] {
		if m.Type == t {
			n++
		}
	}
	return n
}

type fakeChannel struct {
	relay    *fakeRelay
	idx      int
	incoming chan []byte
	done     chan struct{}
	open     atomic.Bool
	once     sync.Once
	closes   atomic.Int32
	err      error
	sendErr  error
}

func (c *fakeChannel) Send(msg models.Message) error {
	if !c.open.Load() {
		return signal.ErrClosed
	}
	c.relay.mu.Lock()
	err := c.sendErr
	c.relay.mu.Unlock()
	if err != nil {
		return err
	}
	c.relay.route(c.idx, msg)
	return nil
}

// failSends makes every later Send return err.
func (c *fakeChannel) failSends(err error) {
	c.relay.mu.Lock()
	defer c.relay.mu.Unlock()
	c.sendErr = err
}

func (c *fakeChannel) IsOpen() bool { return c.open.Load() }

func (c *fakeChannel) Incoming() <-chan []byte { return c.incoming }

func (c *fakeChannel) Done() <-chan struct{} { return c.done }

func (c *fakeChannel) Err() error {
	c.relay.mu.Lock()
	defer c.relay.mu.Unlock()
	return c.err
}

func (c *fakeChannel) Close() error {
	c.closes.Add(1)
	c.shutdown(nil)
	return nil
}

// drop breaks the channel from the relay side.
func (c *fakeChannel) drop(err error) { c.shutdown(err) }

func (c *fakeChannel) shutdown(err error) {
	c.once.Do(func() {
		c.relay.mu.Lock()
		c.err = err
		c.open.Store(false)
		close(c.incoming)
		c.relay.mu.Unlock()
		close(c.done)
	})
}

type fakeSource struct {
	kind   webrtc.RTPCodecType
	closed chan struct{}
	once   sync.Once
}

func (s *fakeSource) Kind() webrtc.RTPCodecType { return s.kind }

func (s *fakeSource) MimeType() string {
	if s.kind == webrtc.RTPCodecTypeVideo {
		return webrtc.MimeTypeVP8
	}
	return webrtc.MimeTypeOpus
}

func (s *fakeSource) Read() (pionmedia.Sample, error) {
	<-s.closed
	return pionmedia.Sample{}, io.EOF
}

func (s *fakeSource) Close() error {
	s.once.Do(func() { close(s.closed) })
	return nil
}

func (s *fakeSource) isClosed() bool {
	select {
	case <-s.closed:
		return true
	default:
		return false
	}
}

type fakeCapturer struct {
	mu      sync.Mutex
	calls   []media.Constraints
	sources []*fakeSource
}

var errCameraHeld = errors.New("invalid state: driver is already opened")

// Open refuses a second camera while the first source is open.
func (c *fakeCapturer) Open(_ context.Context, cs media.Constraints) ([]media.Source, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = append(c.calls, cs)
	if cs.Video {
		for _, s := range c.sources {
			if s.kind == webrtc.RTPCodecTypeVideo && !s.isClosed() {
				return nil, errCameraHeld
			}
		}
	}
	var out []media.Source
	add := func(kind webrtc.RTPCodecType) {
		src := &fakeSource{kind: kind, closed: make(chan struct{})}
		c.sources = append(c.sources, src)
		out = append(out, src)
	}
	if cs.Audio {
		add(webrtc.RTPCodecTypeAudio)
	}
	if cs.Video {
		add(webrtc.RTPCodecTypeVideo)
	}
	return out, nil
}

func (c *fakeCapturer) lastCall() media.Constraints {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls[len(c.calls)-1]
}

// open counts sources that were captured and not closed yet.
func (c *fakeCapturer) open() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, s := range c.sources {
		if !s.isClosed() {
			n++
		}
	}
	return n
}

type fakeCompleter struct {
	calls atomic.Int32
}

func (c *fakeCompleter) Complete(context.Context, string) error {
	c.calls.Add(1)
	return nil
}
