// Package media owns the local capture tracks of a consultation and attaches
// them to the peer connection.
package media

import (
	"context"
	"errors"
	"fmt"

	"github.com/mossy-p/telemed-rtc/internal/models"
	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"
)

// Sender is the part of *webrtc.RTPSender the manager uses.
type Sender interface {
	Track() webrtc.TrackLocal
	ReplaceTrack(track webrtc.TrackLocal) error
}

// Peer is the connection tracks are attached to.
type Peer interface {
	AddTrack(track webrtc.TrackLocal) (Sender, error)
	Senders() []Sender
}

// Config configures a Manager.
type Config struct {
	// StreamID groups the local tracks into one remote stream.
	StreamID string
	// SecureContext is false when signaling runs over a plain connection.
	// Capture is refused in that case.
	SecureContext bool
	Orientation   models.Orientation

	// OnTracksChanged fires after tracks were added to the peer.
	OnTracksChanged func()
	// OnPreview receives the tracks to render locally.
	OnPreview func(audio, video *Track)

	Log *zap.Logger
}

// State is the local media state shown to the user.
type State struct {
	AudioEnabled bool
	VideoEnabled bool
	HasAudio     bool
	HasVideo     bool
	Orientation  models.Orientation
}

// Acquired holds freshly opened tracks before they are attached.
type Acquired struct {
	Audio *Track
	Video *Track
}

// Stop releases tracks that were opened but not attached.
func (a Acquired) Stop() {
	if a.Audio != nil {
		a.Audio.Stop()
	}
	if a.Video != nil {
		a.Video.Stop()
	}
}

// Manager owns the local tracks. Open and OpenVideo only touch the capture
// devices and may run on any goroutine; everything else must be called from
// the session loop.
type Manager struct {
	capturer Capturer
	peer     Peer
	cfg      Config
	log      *zap.Logger

	audio        *Track
	video        *Track
	audioEnabled bool
	videoEnabled bool
	orientation  models.Orientation
	acquired     bool
	released     bool
}

// NewManager creates a manager that opens devices through capturer.
func NewManager(capturer Capturer, peer Peer, cfg Config) *Manager {
	log := cfg.Log
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.StreamID == "" {
		cfg.StreamID = "local"
	}
	if !cfg.Orientation.Valid() {
		cfg.Orientation = models.OrientationPortrait
	}
	return &Manager{
		capturer:     capturer,
		peer:         peer,
		cfg:          cfg,
		log:          log.Named("media"),
		audioEnabled: true,
		videoEnabled: true,
		orientation:  cfg.Orientation,
	}
}

// Acquire opens and attaches the local tracks in one step. A returned
// *DeviceError is informational: whatever could be opened is attached.
func (m *Manager) Acquire(ctx context.Context) error {
	acq, devErr := m.Open(ctx)
	if err := m.Attach(acq); err != nil {
		return err
	}
	if devErr != nil {
		return devErr
	}
	return nil
}

// Open captures audio and video, falling back to a single kind when both
// cannot be opened together. It returns the classified error of the first
// failure alongside any tracks that were opened.
func (m *Manager) Open(ctx context.Context) (Acquired, *DeviceError) {
	if !m.cfg.SecureContext {
		return Acquired{}, Classify(ErrInsecureContext)
	}

	attempts := []Constraints{
		{Audio: true, Video: true, Orientation: m.cfg.Orientation},
		{Video: true, Orientation: m.cfg.Orientation},
		{Audio: true},
	}

	var firstErr error
	for _, c := range attempts {
		sources, err := m.capturer.Open(ctx, c)
		if err != nil {
			m.log.Warn("capture failed",
				zap.Bool("audio", c.Audio), zap.Bool("video", c.Video), zap.Error(err))
			if firstErr == nil {
				firstErr = err
			}
			if ctx.Err() != nil {
				break
			}
			continue
		}
		acq, err := m.wrapSources(sources)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		var devErr *DeviceError
		if firstErr != nil {
			devErr = Classify(firstErr)
		}
		return acq, devErr
	}
	return Acquired{}, Classify(firstErr)
}

func (m *Manager) wrapSources(sources []Source) (Acquired, error) {
	var acq Acquired
	for _, src := range sources {
		slot := &acq.Audio
		if src.Kind() == webrtc.RTPCodecTypeVideo {
			slot = &acq.Video
		}
		if *slot != nil {
			_ = src.Close()
			continue
		}
		t, err := newTrack(src, m.cfg.StreamID, m.log)
		if err != nil {
			_ = src.Close()
			acq.Stop()
			return Acquired{}, err
		}
		*slot = t
	}
	if acq.Audio == nil && acq.Video == nil {
		return Acquired{}, fmt.Errorf("capture returned no sources: %w", ErrDeviceNotFound)
	}
	return acq, nil
}

// Attach adds opened tracks to the peer. Tracks handed over after Release or
// a previous Attach are stopped.
func (m *Manager) Attach(acq Acquired) error {
	if m.released {
		acq.Stop()
		return ErrReleased
	}
	if m.acquired {
		acq.Stop()
		return ErrAlreadyAcquired
	}
	m.acquired = true

	added := 0
	for _, t := range []*Track{acq.Audio, acq.Video} {
		if t == nil {
			continue
		}
		if _, err := m.peer.AddTrack(t.Local()); err != nil {
			m.log.Error("add track failed", zap.Stringer("kind", t.Kind()), zap.Error(err))
			t.Stop()
			continue
		}
		if t.Kind() == webrtc.RTPCodecTypeAudio {
			t.SetEnabled(m.audioEnabled)
			m.audio = t
		} else {
			t.SetEnabled(m.videoEnabled)
			m.video = t
		}
		added++
	}

	m.preview()
	if added > 0 && m.cfg.OnTracksChanged != nil {
		m.cfg.OnTracksChanged()
	}
	return nil
}

// SetAudioEnabled mutes or unmutes the microphone. It never renegotiates.
func (m *Manager) SetAudioEnabled(enabled bool) (bool, error) {
	if m.audio == nil {
		return m.audioEnabled, ErrNoTrack
	}
	m.audioEnabled = enabled
	m.audio.SetEnabled(enabled)
	return enabled, nil
}

// SetVideoEnabled turns the camera on or off. It never renegotiates.
func (m *Manager) SetVideoEnabled(enabled bool) (bool, error) {
	if m.video == nil {
		return m.videoEnabled, ErrNoTrack
	}
	m.videoEnabled = enabled
	m.video.SetEnabled(enabled)
	return enabled, nil
}

// Rebind attaches the live local tracks to a replacement peer connection
// without firing OnTracksChanged.
func (m *Manager) Rebind(peer Peer) error {
	m.peer = peer
	if m.released {
		return ErrReleased
	}
	var errs error
	for _, t := range []*Track{m.audio, m.video} {
		if t == nil || t.Stopped() {
			continue
		}
		if _, err := peer.AddTrack(t.Local()); err != nil {
			errs = errors.Join(errs, fmt.Errorf("add %s track: %w", t.Kind(), err))
		}
	}
	return errs
}

// RefreshVideoTrackForOrientation reopens the camera with the constraints of
// o and swaps the outbound video in place.
func (m *Manager) RefreshVideoTrackForOrientation(ctx context.Context, o models.Orientation) error {
	t, got, err := m.ReopenVideo(ctx, m.video, m.orientation, o)
	if t == nil {
		return err
	}
	if swapErr := m.SwapVideo(t, got); swapErr != nil {
		return swapErr
	}
	return err
}

// ReopenVideo stops old and opens the camera again shaped for o. Capture
// drivers allow a single open per device, so the old source is closed first.
// If o cannot be opened the camera comes back shaped for prev and the error
// is still returned. The track and orientation returned are what is live; the
// track is nil when the camera could not be reopened at all. Safe off the
// session loop.
func (m *Manager) ReopenVideo(ctx context.Context, old *Track, prev, o models.Orientation) (*Track, models.Orientation, error) {
	if old != nil {
		old.Stop()
	}
	t, err := m.OpenVideo(ctx, o)
	if err == nil {
		return t, o, nil
	}
	m.log.Warn("reopen camera failed, restoring previous shape",
		zap.String("orientation", string(o)), zap.Error(err))
	t, restoreErr := m.OpenVideo(ctx, prev)
	if restoreErr != nil {
		m.log.Error("camera lost", zap.Error(restoreErr))
		return nil, prev, err
	}
	return t, prev, err
}

// OpenVideo opens a camera track shaped for o without attaching it. It fails
// while another track holds the camera.
func (m *Manager) OpenVideo(ctx context.Context, o models.Orientation) (*Track, error) {
	sources, err := m.capturer.Open(ctx, Constraints{Video: true, Orientation: o})
	if err != nil {
		return nil, Classify(err)
	}
	var video Source
	for _, src := range sources {
		if video == nil && src.Kind() == webrtc.RTPCodecTypeVideo {
			video = src
			continue
		}
		_ = src.Close()
	}
	if video == nil {
		return nil, Classify(ErrDeviceNotFound)
	}
	t, err := newTrack(video, m.cfg.StreamID, m.log)
	if err != nil {
		_ = video.Close()
		return nil, err
	}
	return t, nil
}

// SwapVideo replaces the outbound video with t through the existing sender,
// keeping the audio track and the negotiated transceivers untouched. The old
// video track is stopped.
func (m *Manager) SwapVideo(t *Track, o models.Orientation) error {
	if m.released {
		t.Stop()
		return ErrReleased
	}
	sender := m.videoSender()
	if sender == nil {
		t.Stop()
		return ErrNoVideoSender
	}
	t.SetEnabled(m.videoEnabled)
	if err := sender.ReplaceTrack(t.Local()); err != nil {
		t.Stop()
		return fmt.Errorf("replace video track: %w", err)
	}

	old := m.video
	m.video = t
	m.orientation = o
	if old != nil {
		old.Stop()
	}
	m.log.Info("video track replaced", zap.String("orientation", string(o)))
	m.preview()
	return nil
}

func (m *Manager) videoSender() Sender {
	for _, s := range m.peer.Senders() {
		if track := s.Track(); track != nil && track.Kind() == webrtc.RTPCodecTypeVideo {
			return s
		}
	}
	return nil
}

// Release stops every local track. Later calls do nothing.
func (m *Manager) Release() {
	if m.released {
		return
	}
	m.released = true
	for _, t := range []*Track{m.audio, m.video} {
		if t != nil {
			t.Stop()
		}
	}
	m.audio, m.video = nil, nil
	m.log.Debug("local media released")
}

// Released reports whether Release was called.
func (m *Manager) Released() bool { return m.released }

// State returns the local media state.
func (m *Manager) State() State {
	return State{
		AudioEnabled: m.audioEnabled,
		VideoEnabled: m.videoEnabled,
		HasAudio:     m.audio != nil,
		HasVideo:     m.video != nil && !m.video.Stopped(),
		Orientation:  m.orientation,
	}
}

// AudioTrack returns the attached microphone track, if any.
func (m *Manager) AudioTrack() *Track { return m.audio }

// VideoTrack returns the attached camera track, if any.
func (m *Manager) VideoTrack() *Track { return m.video }

func (m *Manager) preview() {
	if m.cfg.OnPreview != nil {
		m.cfg.OnPreview(m.audio, m.video)
	}
}

// IsDeviceError reports whether err is a classified capture failure.
func IsDeviceError(err error) bool {
	var de *DeviceError
	return errors.As(err, &de)
}
