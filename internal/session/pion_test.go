package session

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/mossy-p/telemed-rtc/internal/media"
	"github.com/mossy-p/telemed-rtc/internal/models"
	"github.com/pion/webrtc/v4"
	pionmedia "github.com/pion/webrtc/v4/pkg/media"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const pionWait = 20 * time.Second

// loopbackICE gathers host candidates on this machine only.
func loopbackICE() ICEConfig {
	return ICEConfig{
		Servers:         []webrtc.ICEServer{},
		IncludeLoopback: true,
		NetworkTypes:    []webrtc.NetworkType{webrtc.NetworkTypeUDP4},
	}
}

// tickSource produces a small sample every 20ms so the remote side sees RTP.
type tickSource struct {
	kind   webrtc.RTPCodecType
	ticker *time.Ticker
	closed chan struct{}
	once   sync.Once
}

func (s *tickSource) Kind() webrtc.RTPCodecType { return s.kind }

func (s *tickSource) MimeType() string {
	if s.kind == webrtc.RTPCodecTypeVideo {
		return webrtc.MimeTypeVP8
	}
	return webrtc.MimeTypeOpus
}

func (s *tickSource) Read() (pionmedia.Sample, error) {
	select {
	case <-s.ticker.C:
		return pionmedia.Sample{Data: []byte{0x10, 0x02, 0x00, 0x9d, 0x01, 0x2a}, Duration: 20 * time.Millisecond}, nil
	case <-s.closed:
		return pionmedia.Sample{}, context.Canceled
	}
}

func (s *tickSource) Close() error {
	s.once.Do(func() {
		s.ticker.Stop()
		close(s.closed)
	})
	return nil
}

// tickCapturer hands out tickSources once gate is closed.
type tickCapturer struct {
	gate chan struct{}
}

func newTickCapturer(gated bool) *tickCapturer {
	c := &tickCapturer{gate: make(chan struct{})}
	if !gated {
		close(c.gate)
	}
	return c
}

func (c *tickCapturer) release() { close(c.gate) }

func (c *tickCapturer) Open(ctx context.Context, cs media.Constraints) ([]media.Source, error) {
	select {
	case <-c.gate:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	var out []media.Source
	add := func(kind webrtc.RTPCodecType) {
		out = append(out, &tickSource{kind: kind, ticker: time.NewTicker(20 * time.Millisecond), closed: make(chan struct{})})
	}
	if cs.Audio {
		add(webrtc.RTPCodecTypeAudio)
	}
	if cs.Video {
		add(webrtc.RTPCodecTypeVideo)
	}
	return out, nil
}

// pionSide is a session on a real pion peer connection.
type pionSide struct {
	*party
	capturer *tickCapturer

	mu     sync.Mutex
	conns  []*webrtc.PeerConnection
	remote map[webrtc.RTPCodecType]int
}

func newPionSide(t *testing.T, relay *fakeRelay, idx int, role models.Role, gated bool) *pionSide {
	t.Helper()
	if testing.Short() {
		t.Skip("real peer connections")
	}
	side := &pionSide{capturer: newTickCapturer(gated), remote: map[webrtc.RTPCodecType]int{}}
	side.party = newParty(t, relay, idx, role, func(c *Config) {
		c.Capturer = side.capturer
		c.ICE = loopbackICE()
		c.NewPeer = func(ice ICEConfig, log *zap.Logger) (PeerConnection, error) {
			pc, err := NewPionPeer(ice, log)
			if err != nil {
				return nil, err
			}
			side.mu.Lock()
			side.conns = append(side.conns, pc.(pionPeer).PeerConnection)
			side.mu.Unlock()
			return pc, nil
		}
		c.Hooks.OnRemoteTrack = func(track *webrtc.TrackRemote) {
			side.mu.Lock()
			side.remote[track.Kind()]++
			side.mu.Unlock()
			go drainRemote(track)
		}
	})
	return side
}

func drainRemote(track *webrtc.TrackRemote) {
	buf := make([]byte, 1500)
	for {
		if _, _, err := track.Read(buf); err != nil {
			return
		}
	}
}

func (p *pionSide) conn() *webrtc.PeerConnection {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.conns[len(p.conns)-1]
}

func (p *pionSide) built() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.conns)
}

func (p *pionSide) remoteTracks() (audio, video int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.remote[webrtc.RTPCodecTypeAudio], p.remote[webrtc.RTPCodecTypeVideo]
}

func (p *pionSide) resetRemote() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.remote = map[webrtc.RTPCodecType]int{}
}

// sending counts senders that carry a local track.
func (p *pionSide) sending() int {
	n := 0
	for _, s := range p.conn().GetSenders() {
		if s.Track() != nil {
			n++
		}
	}
	return n
}

func (p *pionSide) stable() bool {
	return p.conn().SignalingState() == webrtc.SignalingStateStable
}

func waitConnected(t *testing.T, sides ...*pionSide) {
	t.Helper()
	require.Eventually(t, func() bool {
		for _, p := range sides {
			if p.s.Status() != StatusConnected || !p.stable() {
				return false
			}
		}
		return true
	}, pionWait, 50*time.Millisecond)
}

// waitMedia waits until every side receives audio and video from the other.
func waitMedia(t *testing.T, sides ...*pionSide) {
	t.Helper()
	require.Eventually(t, func() bool {
		for _, p := range sides {
			audio, video := p.remoteTracks()
			if audio == 0 || video == 0 || p.sending() != 2 || !p.stable() {
				return false
			}
		}
		return true
	}, pionWait, 50*time.Millisecond)
}

func pionPair(t *testing.T, gated bool) (*fakeRelay, *pionSide, *pionSide) {
	relay := newFakeRelay()
	a := newPionSide(t, relay, 0, models.RoleClinician, gated)
	b := newPionSide(t, relay, 1, models.RolePatient, gated)
	join(t, relay, a.party, b.party)
	return relay, a, b
}

func TestPionSessionsConnect(t *testing.T) {
	relay, a, b := pionPair(t, false)

	waitConnected(t, a, b)
	waitMedia(t, a, b)

	assert.Zero(t, relay.count(0, models.MessageTypeOffer), "polite side never offers")
	assert.GreaterOrEqual(t, relay.count(1, models.MessageTypeOffer), 1)
	assert.NoError(t, a.s.Err())
	assert.NoError(t, b.s.Err())
}

func TestPionSimultaneousOffers(t *testing.T) {
	_, a, b := pionPair(t, false)
	waitConnected(t, a, b)
	waitMedia(t, a, b)

	// Both engines want a new exchange in the same tick.
	var wg sync.WaitGroup
	for _, p := range []*pionSide{a, b} {
		wg.Add(1)
		go func(p *pionSide) {
			defer wg.Done()
			assert.NoError(t, p.s.do(func() error { return p.s.engine.CreateAndSendOffer() }))
		}(p)
	}
	wg.Wait()

	waitConnected(t, a, b)
	assert.Never(t, func() bool {
		return a.s.Status() != StatusConnected || b.s.Status() != StatusConnected
	}, time.Second, 50*time.Millisecond)
	assert.NoError(t, a.s.Err())
	assert.NoError(t, b.s.Err())
	assert.Equal(t, 2, a.sending())
	assert.Equal(t, 2, b.sending())
}

func TestPionLateCaptureOnBothSides(t *testing.T) {
	_, a, b := pionPair(t, true)

	// Connected with nothing to send yet.
	waitConnected(t, a, b)
	assert.Zero(t, a.sending())
	assert.Zero(t, b.sending())

	a.capturer.release()
	b.capturer.release()

	waitMedia(t, a, b)
	assert.Equal(t, StatusConnected, a.s.Status())
	assert.Equal(t, StatusConnected, b.s.Status())
	assert.NoError(t, a.s.Err())
	assert.NoError(t, b.s.Err())
}

func TestPionPeerLeftAndRejoined(t *testing.T) {
	relay, a, b := pionPair(t, false)
	waitConnected(t, a, b)
	waitMedia(t, a, b)
	first := a.conn()

	b.s.Leave()
	relay.inject(0, system(t, models.EventPeerLeft, models.PeerPayload{UserID: "u-patient"}))
	require.Eventually(t, func() bool {
		return a.s.Status() == StatusWaiting && a.built() == 2
	}, pionWait, 20*time.Millisecond)
	assert.Equal(t, webrtc.PeerConnectionStateClosed, first.ConnectionState())
	assert.Equal(t, 2, a.sending(), "local tracks carried to the new connection")
	a.resetRemote()

	relay.reopen(1)
	c := newPionSide(t, relay, 1, models.RolePatient, false)
	require.NoError(t, c.s.Start(context.Background()))
	relay.inject(1, system(t, models.EventConnected, models.ConnectedPayload{UserID: "u-patient", Role: models.RolePatient, RoomSize: 2}))
	relay.inject(0, system(t, models.EventPeerJoined, models.PeerPayload{UserID: "u-patient", Role: models.RolePatient}))
	relay.inject(0, system(t, models.EventReady, models.ReadyPayload{ShouldCreateOffer: false}))
	relay.inject(1, system(t, models.EventReady, models.ReadyPayload{ShouldCreateOffer: true}))

	waitConnected(t, a, c)
	waitMedia(t, a, c)
	assert.Equal(t, 2, a.built())
	assert.NoError(t, a.s.Err())
}
