// Package session runs one consultation call: it owns the peer connection,
// the negotiation engine and the local media, and serializes every event
// through a single loop goroutine.
package session

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	"github.com/mossy-p/telemed-rtc/internal/consultapi"
	"github.com/mossy-p/telemed-rtc/internal/media"
	"github.com/mossy-p/telemed-rtc/internal/models"
	"github.com/mossy-p/telemed-rtc/internal/negotiation"
	"github.com/mossy-p/telemed-rtc/internal/router"
	"github.com/mossy-p/telemed-rtc/internal/signal"
	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"
)

var (
	ErrInvalidConfig  = errors.New("invalid session config")
	ErrClosed         = errors.New("session closed")
	ErrAlreadyStarted = errors.New("session already started")
	ErrEmptyChat      = errors.New("empty chat message")

	// ErrTransport ends a call whose signaling channel broke.
	ErrTransport = errors.New("signaling transport lost")
	// ErrConnectionFailed ends a call whose media link could not recover.
	ErrConnectionFailed = errors.New("media connection failed")
)

const eventBuffer = 256

// Channel is an open signaling channel.
type Channel interface {
	negotiation.Transport
	Incoming() <-chan []byte
	Done() <-chan struct{}
	Err() error
	Close() error
}

// Completer marks a consultation closed on the REST side.
type Completer interface {
	Complete(ctx context.Context, consultationID string) error
}

// Hooks report session events. They run on the session loop and must not
// call back into the Session synchronously; OnTick runs on the timer
// goroutine.
type Hooks struct {
	OnStatus      func(Status)
	OnChat        func(models.ChatPayload)
	OnFile        func(models.FilePayload)
	OnMediaState  func(models.MediaState)
	OnPeer        func(p models.PeerPayload, online bool)
	OnDeviceError func(*media.DeviceError)
	OnPreview     func(audio, video *media.Track)
	OnRemoteTrack func(*webrtc.TrackRemote)
	OnTick        func(elapsed time.Duration)
	OnEnded       func(reason error)
}

// Config is everything a session needs; nothing is read from globals.
type Config struct {
	ConsultationID string
	Token          string
	Role           models.Role
	// SignalURL is the relay base, e.g. wss://relay.example.com.
	SignalURL string
	// APIURL is the REST base used to complete the consultation.
	APIURL      string
	ICE         ICEConfig
	Orientation models.Orientation
	DialTimeout time.Duration

	Capturer media.Capturer
	Hooks    Hooks
	Log      *zap.Logger

	// Dial, NewPeer and Completer default to the websocket client, pion and
	// the REST client.
	Dial      func(ctx context.Context, url, token string) (Channel, error)
	NewPeer   func(ice ICEConfig, log *zap.Logger) (PeerConnection, error)
	Completer Completer
}

// Session is one consultation call.
type Session struct {
	cfg Config
	log *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc
	events chan func()
	done   chan struct{}

	started   atomic.Bool
	completed atomic.Bool

	// Owned by the loop.
	pc       PeerConnection
	tr       *channelTransport
	engine   *negotiation.Engine
	media    *media.Manager
	router   *router.Router
	lc       *Controller
	chat     router.ChatLog
	files    router.FileRegistry
	state    models.MediaState
	userID   string
	detached bool
	finished bool
}

// New builds the session and its peer connection and starts the loop.
// Nothing touches the network until Start.
func New(cfg Config) (*Session, error) {
	if cfg.ConsultationID == "" || cfg.Token == "" || !cfg.Role.Valid() {
		return nil, fmt.Errorf("%w: consultation id, token and role are required", ErrInvalidConfig)
	}
	if cfg.Log == nil {
		cfg.Log = zap.NewNop()
	}
	if !cfg.Orientation.Valid() {
		cfg.Orientation = models.OrientationPortrait
	}
	if cfg.Capturer == nil {
		cfg.Capturer = media.NoDevices{}
	}
	if cfg.Dial == nil {
		cfg.Dial = dialWebsocket(cfg.DialTimeout, cfg.Log)
	}
	if cfg.NewPeer == nil {
		cfg.NewPeer = NewPionPeer
	}
	if cfg.Completer == nil {
		cfg.Completer = consultapi.New(cfg.APIURL, cfg.Token, cfg.Log)
	}

	log := cfg.Log.Named("session").With(
		zap.String("consultation_id", cfg.ConsultationID),
		zap.String("role", string(cfg.Role)))

	pc, err := cfg.NewPeer(cfg.ICE, cfg.Log)
	if err != nil {
		return nil, err
	}

	s := &Session{
		cfg:    cfg,
		log:    log,
		events: make(chan func(), eventBuffer),
		done:   make(chan struct{}),
		pc:     pc,
		tr:     &channelTransport{},
		state:  models.NewMediaState(),
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.state.Orientation = cfg.Orientation

	s.engine = negotiation.NewEngine(pc, s.tr, log)
	s.media = media.NewManager(cfg.Capturer, pc, media.Config{
		StreamID:        cfg.ConsultationID,
		SecureContext:   signal.IsSecure(cfg.SignalURL),
		Orientation:     cfg.Orientation,
		OnTracksChanged: s.onTracksChanged,
		OnPreview:       cfg.Hooks.OnPreview,
		Log:             log,
	})
	s.router = router.New(currentEngine{s}, inbound{s}, inbound{s}, log)
	s.lc = NewController(NewCallTimer(cfg.Hooks.OnTick), s.onStatus, log)
	s.lc.Bind(Resources{
		Detach: s.detach,
		Media:  s.media,
		Conn:   pc,
	})

	s.attachCallbacks(pc)
	go s.run()
	return s, nil
}

// Start opens the signaling channel and begins capturing local media.
func (s *Session) Start(ctx context.Context) error {
	if s.started.Swap(true) {
		return ErrAlreadyStarted
	}

	ch, err := s.cfg.Dial(ctx, s.signalURL(), s.cfg.Token)
	if err != nil {
		s.do(func() error {
			s.end(fmt.Errorf("%w: %w", ErrTransport, err))
			return nil
		})
		return err
	}
	if !s.handOff(func() { s.attachChannel(ch) }) {
		ch.Close()
		return ErrClosed
	}

	go s.captureLocalMedia()
	return nil
}

// SendChat sends a chat line. The relay echoes it back stamped, which is
// when it reaches the chat log.
func (s *Session) SendChat(text string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return ErrEmptyChat
	}
	return s.do(func() error {
		if s.ended() {
			return ErrClosed
		}
		return s.send(models.MessageTypeChat, models.ChatPayload{Text: text})
	})
}

// SetAudioEnabled mutes or unmutes the microphone and tells the peer.
func (s *Session) SetAudioEnabled(enabled bool) (bool, error) {
	var result bool
	err := s.do(func() error {
		got, err := s.media.SetAudioEnabled(enabled)
		if err != nil {
			return err
		}
		result = got
		s.state.LocalAudio = got
		s.emitMediaState()
		return s.announce(models.MessageTypeMedia, models.MediaPayload{AudioEnabled: &got})
	})
	return result, err
}

// SetVideoEnabled turns the camera on or off and tells the peer.
func (s *Session) SetVideoEnabled(enabled bool) (bool, error) {
	var result bool
	err := s.do(func() error {
		got, err := s.media.SetVideoEnabled(enabled)
		if err != nil {
			return err
		}
		result = got
		s.state.LocalVideo = got
		s.emitMediaState()
		return s.announce(models.MessageTypeMedia, models.MediaPayload{VideoEnabled: &got})
	})
	return result, err
}

// SetOrientation reshapes the outbound video in place and tells the peer.
// The camera is reopened off the loop; the swap itself never renegotiates.
// When the new shape cannot be captured the camera comes back in the old one
// and the error is returned.
func (s *Session) SetOrientation(o models.Orientation) error {
	if !o.Valid() {
		return fmt.Errorf("invalid orientation %q", o)
	}
	var (
		old  *media.Track
		prev models.Orientation
	)
	if err := s.do(func() error {
		prev = s.state.Orientation
		if s.media.State().HasVideo {
			old = s.media.VideoTrack()
		}
		return nil
	}); err != nil {
		return err
	}
	if prev == o {
		return nil
	}

	var (
		track   *media.Track
		shape   = o
		openErr error
	)
	if old != nil {
		track, shape, openErr = s.media.ReopenVideo(s.ctx, old, prev, o)
		if track == nil {
			return openErr
		}
	}

	err := s.do(func() error {
		if track != nil {
			if err := s.media.SwapVideo(track, shape); err != nil {
				return err
			}
		}
		if openErr != nil {
			return openErr
		}
		s.state.Orientation = o
		s.emitMediaState()
		return s.announce(models.MessageTypeOrientation, models.OrientationPayload{Orientation: o})
	})
	if errors.Is(err, ErrClosed) && track != nil {
		track.Stop()
	}
	return err
}

// End finishes the call for both participants. The clinician also marks the
// consultation completed.
func (s *Session) End(ctx context.Context) error {
	if err := s.do(func() error {
		if s.ended() {
			return ErrClosed
		}
		if s.tr.IsOpen() {
			if err := s.send(models.MessageTypeEndCall, nil); err != nil {
				s.log.Warn("send end-call failed", zap.Error(err))
			}
		}
		return nil
	}); err != nil {
		return err
	}

	var apiErr error
	if s.cfg.Role == models.RoleClinician && !s.completed.Swap(true) {
		apiErr = s.cfg.Completer.Complete(ctx, s.cfg.ConsultationID)
		if apiErr != nil {
			s.log.Warn("complete consultation failed", zap.Error(apiErr))
		}
	}
	s.Close()
	return apiErr
}

// Leave drops out of the call without ending it for the peer.
func (s *Session) Leave() {
	s.log.Info("leaving consultation")
	s.Close()
}

// Close tears the session down. Safe to call from any state, any number of
// times.
func (s *Session) Close() error {
	s.do(func() error {
		s.end(nil)
		return nil
	})
	<-s.done
	return nil
}

// Status returns the current status from any goroutine.
func (s *Session) Status() Status { return s.lc.Status() }

// Done is closed after teardown.
func (s *Session) Done() <-chan struct{} { return s.done }

// Err returns why the call ended, nil while running or after a normal end.
func (s *Session) Err() error {
	select {
	case <-s.done:
		return s.lc.Reason()
	default:
		return nil
	}
}

// Role returns the negotiation role of the current peer connection,
// unassigned until its first ready.
func (s *Session) Role() negotiation.Role {
	var r negotiation.Role
	s.do(func() error {
		r = s.engine.Role()
		return nil
	})
	return r
}

// MediaState returns the local and remote media state.
func (s *Session) MediaState() models.MediaState {
	var st models.MediaState
	s.do(func() error {
		st = s.state
		return nil
	})
	return st
}

// Chat returns the chat lines received so far.
func (s *Session) Chat() []models.ChatPayload {
	var out []models.ChatPayload
	s.do(func() error {
		out = s.chat.Entries()
		return nil
	})
	return out
}

// Files returns the file references shared so far.
func (s *Session) Files() []models.FilePayload {
	var out []models.FilePayload
	s.do(func() error {
		out = s.files.Files()
		return nil
	})
	return out
}

// Elapsed returns how long the media link has been up.
func (s *Session) Elapsed() time.Duration {
	var d time.Duration
	s.do(func() error {
		d = s.lc.Timer().Elapsed()
		return nil
	})
	return d
}

func (s *Session) run() {
	defer close(s.done)
	for fn := range s.events {
		fn()
		if s.finished {
			return
		}
	}
}

// post queues fn on the loop. It reports false once the loop has exited.
func (s *Session) post(fn func()) bool {
	select {
	case <-s.done:
		return false
	default:
	}
	select {
	case s.events <- fn:
		return true
	case <-s.done:
		return false
	}
}

// handOff runs fn on the loop and waits for it. It reports false when the
// loop exited before fn ran.
func (s *Session) handOff(fn func()) bool {
	ran := make(chan struct{})
	if !s.post(func() { fn(); close(ran) }) {
		return false
	}
	select {
	case <-ran:
		return true
	case <-s.done:
		select {
		case <-ran:
			return true
		default:
			return false
		}
	}
}

func (s *Session) do(fn func() error) error {
	var err error
	if !s.handOff(func() { err = fn() }) {
		return ErrClosed
	}
	return err
}

func (s *Session) signalURL() string {
	return strings.TrimRight(s.cfg.SignalURL, "/") + "/ws/consultations/" + url.PathEscape(s.cfg.ConsultationID)
}

// attachCallbacks routes pc's events to the loop. Events of a connection
// that was replaced or detached are dropped there.
func (s *Session) attachCallbacks(pc PeerConnection) {
	live := func() bool { return !s.detached && pc == s.pc }
	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		init := c.ToJSON()
		s.post(func() {
			if !live() {
				return
			}
			if err := s.engine.OnLocalCandidateDiscovered(init); err != nil {
				s.end(fmt.Errorf("%w: %w", ErrTransport, err))
			}
		})
	})
	pc.OnSignalingStateChange(func(state webrtc.SignalingState) {
		s.post(func() {
			if !live() {
				return
			}
			s.failOnNegotiationError(s.engine.HandleSignalingStateChange(state))
		})
	})
	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		s.post(func() {
			if live() {
				s.handleConnectionState(state)
			}
		})
	})
	pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		s.post(func() {
			if !live() {
				return
			}
			s.log.Info("remote track", zap.Stringer("kind", track.Kind()), zap.String("id", track.ID()))
			if s.cfg.Hooks.OnRemoteTrack != nil {
				s.cfg.Hooks.OnRemoteTrack(track)
			}
		})
	})
}

// detach replaces every callback with a no-op so late pion events cannot
// reach torn down state.
func (s *Session) detach() {
	s.detached = true
	detachPeer(s.pc)
}

func detachPeer(pc PeerConnection) {
	pc.OnICECandidate(func(*webrtc.ICECandidate) {})
	pc.OnSignalingStateChange(func(webrtc.SignalingState) {})
	pc.OnConnectionStateChange(func(webrtc.PeerConnectionState) {})
	pc.OnTrack(func(*webrtc.TrackRemote, *webrtc.RTPReceiver) {})
}

// peerLost returns to waiting and readies a fresh peer connection for the
// peer's return. Local tracks stay live.
func (s *Session) peerLost() {
	s.lc.PeerLeft()
	if s.engine.Pristine() {
		return
	}
	if err := s.renewPeer(); err != nil {
		s.log.Error("cannot replace peer connection", zap.Error(err))
		s.end(fmt.Errorf("%w: %w", ErrConnectionFailed, err))
	}
}

// renewPeer closes the current peer connection and builds a new one with the
// live local tracks attached. Its role comes from the next ready.
func (s *Session) renewPeer() error {
	pc, err := s.cfg.NewPeer(s.cfg.ICE, s.cfg.Log)
	if err != nil {
		return err
	}
	old := s.pc
	detachPeer(old)
	if err := old.Close(); err != nil {
		s.log.Warn("close previous peer connection", zap.Error(err))
	}

	s.pc = pc
	s.engine = negotiation.NewEngine(pc, s.tr, s.log)
	s.lc.SetConn(pc)
	s.attachCallbacks(pc)
	if err := s.media.Rebind(pc); err != nil {
		s.log.Warn("local tracks not carried over", zap.Error(err))
	}
	s.log.Info("peer connection replaced")
	return nil
}

func (s *Session) attachChannel(ch Channel) {
	if s.ended() {
		ch.Close()
		return
	}
	s.tr.ch = ch
	s.lc.SetChannel(ch)
	s.lc.ChannelOpened()
	if err := s.engine.FlushLocalCandidates(); err != nil {
		s.end(fmt.Errorf("%w: %w", ErrTransport, err))
		return
	}
	go s.readLoop(ch)
}

func (s *Session) readLoop(ch Channel) {
	for raw := range ch.Incoming() {
		if !s.post(func() { s.route(raw) }) {
			return
		}
	}
	err := ch.Err()
	s.post(func() {
		if s.ended() {
			return
		}
		if err == nil {
			err = signal.ErrClosed
		}
		s.log.Warn("signaling channel closed", zap.Error(err))
		s.end(fmt.Errorf("%w: %w", ErrTransport, err))
	})
}

func (s *Session) route(raw []byte) {
	if s.ended() {
		return
	}
	err := s.router.Route(raw)
	switch {
	case err == nil, errors.Is(err, router.ErrMalformed):
	case errors.Is(err, negotiation.ErrNegotiation):
		s.failOnNegotiationError(err)
	default:
		s.log.Warn("inbound message failed", zap.Error(err))
	}
}

func (s *Session) captureLocalMedia() {
	acq, devErr := s.media.Open(s.ctx)
	attached := s.handOff(func() {
		if err := s.media.Attach(acq); err != nil {
			s.log.Debug("local media not attached", zap.Error(err))
			return
		}
		st := s.media.State()
		s.state.LocalAudio = st.HasAudio && st.AudioEnabled
		s.state.LocalVideo = st.HasVideo && st.VideoEnabled
		s.emitMediaState()
		s.announceState()
		if devErr != nil {
			s.log.Warn("local media incomplete", zap.Error(devErr))
			if s.cfg.Hooks.OnDeviceError != nil {
				s.cfg.Hooks.OnDeviceError(devErr)
			}
		}
	})
	if !attached {
		acq.Stop()
	}
}

func (s *Session) onTracksChanged() {
	s.failOnNegotiationError(s.engine.RequestRenegotiation())
}

func (s *Session) handleConnectionState(state webrtc.PeerConnectionState) {
	s.log.Info("connection state", zap.Stringer("state", state))
	switch state {
	case webrtc.PeerConnectionStateConnected:
		s.lc.MediaConnected()
	case webrtc.PeerConnectionStateFailed:
		err := s.engine.RestartICE()
		if errors.Is(err, negotiation.ErrRestartExhausted) {
			s.end(ErrConnectionFailed)
			return
		}
		s.failOnNegotiationError(err)
	case webrtc.PeerConnectionStateClosed:
		// Ours are detached before they close.
		s.log.Warn("peer connection closed underneath the call")
		s.peerLost()
	}
}

func (s *Session) failOnNegotiationError(err error) {
	if err == nil {
		return
	}
	if errors.Is(err, negotiation.ErrNegotiation) {
		s.log.Error("negotiation failed, ending call", zap.Error(err))
		s.end(err)
		return
	}
	s.log.Warn("negotiation step failed", zap.Error(err))
}

func (s *Session) end(reason error) {
	if !s.lc.End(reason) {
		return
	}
	s.cancel()
	s.finished = true
	if s.cfg.Hooks.OnEnded != nil {
		s.cfg.Hooks.OnEnded(reason)
	}
}

func (s *Session) ended() bool { return s.lc.Status() == StatusEnded }

func (s *Session) onStatus(st Status) {
	if s.cfg.Hooks.OnStatus != nil {
		s.cfg.Hooks.OnStatus(st)
	}
}

func (s *Session) emitMediaState() {
	if s.cfg.Hooks.OnMediaState != nil {
		s.cfg.Hooks.OnMediaState(s.state)
	}
}

func (s *Session) send(t models.MessageType, payload any) error {
	msg, err := models.NewMessage(t, payload)
	if err != nil {
		return err
	}
	if err := s.tr.Send(msg); err != nil {
		return fmt.Errorf("send %s: %w", t, err)
	}
	return nil
}

// announce tells the peer about a local change. Before the channel opens
// there is nobody to tell; the state goes out with the next ready instead.
func (s *Session) announce(t models.MessageType, payload any) error {
	if !s.tr.IsOpen() {
		return nil
	}
	if err := s.send(t, payload); err != nil {
		s.end(fmt.Errorf("%w: %w", ErrTransport, err))
		return err
	}
	return nil
}

// announceState repeats non-default local state to a peer that just arrived.
func (s *Session) announceState() {
	if !s.state.LocalAudio || !s.state.LocalVideo {
		audio, video := s.state.LocalAudio, s.state.LocalVideo
		if s.announce(models.MessageTypeMedia, models.MediaPayload{AudioEnabled: &audio, VideoEnabled: &video}) != nil {
			return
		}
	}
	if s.state.Orientation != models.OrientationPortrait {
		s.announce(models.MessageTypeOrientation, models.OrientationPayload{Orientation: s.state.Orientation})
	}
}

type channelTransport struct {
	ch Channel
}

func (t *channelTransport) Send(msg models.Message) error {
	if t.ch == nil {
		return signal.ErrClosed
	}
	return t.ch.Send(msg)
}

func (t *channelTransport) IsOpen() bool { return t.ch != nil && t.ch.IsOpen() }

func dialWebsocket(timeout time.Duration, log *zap.Logger) func(context.Context, string, string) (Channel, error) {
	return func(ctx context.Context, rawURL, token string) (Channel, error) {
		c, err := signal.Dial(ctx, signal.DialConfig{URL: rawURL, Token: token, Timeout: timeout, Log: log})
		if err != nil {
			return nil, err
		}
		return c, nil
	}
}
