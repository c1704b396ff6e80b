package media

import (
	"context"
	"errors"
	"io"
	"sync"

	"github.com/mossy-p/telemed-rtc/internal/models"
	"github.com/pion/webrtc/v4"
	pionmedia "github.com/pion/webrtc/v4/pkg/media"
)

type fakeSource struct {
	kind    webrtc.RTPCodecType
	samples chan pionmedia.Sample
	closed  chan struct{}
	once    sync.Once
}

func newFakeSource(kind webrtc.RTPCodecType) *fakeSource {
	return &fakeSource{
		kind:    kind,
		samples: make(chan pionmedia.Sample),
		closed:  make(chan struct{}),
	}
}

func (s *fakeSource) Kind() webrtc.RTPCodecType { return s.kind }

func (s *fakeSource) MimeType() string {
	if s.kind == webrtc.RTPCodecTypeVideo {
		return webrtc.MimeTypeVP8
	}
	return webrtc.MimeTypeOpus
}

func (s *fakeSource) Read() (pionmedia.Sample, error) {
	select {
	case smp := <-s.samples:
		return smp, nil
	case <-s.closed:
		return pionmedia.Sample{}, io.EOF
	}
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

// fakeCapturer fails the attempts listed in fail, keyed by audio/video, and
// the video opens listed in failShape. Like a camera driver it refuses a
// second video open while the first source is still open.
type fakeCapturer struct {
	mu        sync.Mutex
	fail      map[[2]bool]error
	failShape map[models.Orientation]error
	calls     []Constraints
	sources   []*fakeSource
}

func (c *fakeCapturer) Open(_ context.Context, cs Constraints) ([]Source, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = append(c.calls, cs)
	if err := c.fail[[2]bool{cs.Audio, cs.Video}]; err != nil {
		return nil, err
	}
	if cs.Video {
		if err := c.failShape[cs.Orientation]; err != nil {
			return nil, err
		}
		for _, s := range c.sources {
			if s.kind == webrtc.RTPCodecTypeVideo && !s.isClosed() {
				return nil, errDriverOpen
			}
		}
	}
	var out []Source
	if cs.Audio {
		s := newFakeSource(webrtc.RTPCodecTypeAudio)
		c.sources = append(c.sources, s)
		out = append(out, s)
	}
	if cs.Video {
		s := newFakeSource(webrtc.RTPCodecTypeVideo)
		c.sources = append(c.sources, s)
		out = append(out, s)
	}
	return out, nil
}

type fakeSender struct {
	track    webrtc.TrackLocal
	replaced int
}

func (s *fakeSender) Track() webrtc.TrackLocal { return s.track }

func (s *fakeSender) ReplaceTrack(track webrtc.TrackLocal) error {
	s.track = track
	s.replaced++
	return nil
}

type fakePeer struct {
	senders []*fakeSender
	addErr  error
}

func (p *fakePeer) AddTrack(track webrtc.TrackLocal) (Sender, error) {
	if p.addErr != nil {
		return nil, p.addErr
	}
	s := &fakeSender{track: track}
	p.senders = append(p.senders, s)
	return s, nil
}

func (p *fakePeer) Senders() []Sender {
	out := make([]Sender, 0, len(p.senders))
	for _, s := range p.senders {
		out = append(out, s)
	}
	return out
}

var (
	errBusy       = errors.New("device busy")
	errDriverOpen = errors.New("invalid state: driver is already opened")
)
