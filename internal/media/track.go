package media

import (
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"
)

// Track is a local outbound track fed by a capture Source. Disabling it drops
// samples instead of touching the negotiated transceiver.
type Track struct {
	local *webrtc.TrackLocalStaticSample
	src   Source
	log   *zap.Logger

	enabled  atomic.Bool
	stopped  atomic.Bool
	stopOnce sync.Once
	done     chan struct{}
}

func newTrack(src Source, streamID string, log *zap.Logger) (*Track, error) {
	capability, err := codecCapability(src.MimeType())
	if err != nil {
		return nil, err
	}
	id := src.Kind().String() + "-" + uuid.NewString()
	local, err := webrtc.NewTrackLocalStaticSample(capability, id, streamID)
	if err != nil {
		return nil, err
	}

	t := &Track{
		local: local,
		src:   src,
		log:   log.With(zap.String("track", id)),
		done:  make(chan struct{}),
	}
	t.enabled.Store(true)
	go t.pump()
	return t, nil
}

func (t *Track) pump() {
	defer close(t.done)
	for {
		sample, err := t.src.Read()
		if err != nil {
			if !t.stopped.Load() {
				t.log.Warn("capture source ended", zap.Error(err))
			}
			return
		}
		if !t.enabled.Load() {
			continue
		}
		if err := t.local.WriteSample(sample); err != nil {
			t.log.Debug("write sample failed", zap.Error(err))
		}
	}
}

// ID returns the track id announced in the session description.
func (t *Track) ID() string { return t.local.ID() }

// Kind returns audio or video.
func (t *Track) Kind() webrtc.RTPCodecType { return t.local.Kind() }

// Local returns the pion track to attach to a sender.
func (t *Track) Local() webrtc.TrackLocal { return t.local }

// Enabled reports whether samples are forwarded.
func (t *Track) Enabled() bool { return t.enabled.Load() }

// SetEnabled mutes or unmutes the track without renegotiating.
func (t *Track) SetEnabled(enabled bool) { t.enabled.Store(enabled) }

// Stopped reports whether Stop was called.
func (t *Track) Stopped() bool { return t.stopped.Load() }

// Stop closes the capture source. Safe to call more than once.
func (t *Track) Stop() {
	t.stopOnce.Do(func() {
		t.stopped.Store(true)
		if err := t.src.Close(); err != nil {
			t.log.Debug("close capture source", zap.Error(err))
		}
	})
}

// Done is closed once the sample pump exited.
func (t *Track) Done() <-chan struct{} { return t.done }
