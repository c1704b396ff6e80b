//go:build linux

package media

import (
	"context"
	"fmt"
	"time"

	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/codec/opus"
	"github.com/pion/mediadevices/pkg/codec/vpx"
	_ "github.com/pion/mediadevices/pkg/driver/camera"
	_ "github.com/pion/mediadevices/pkg/driver/microphone"
	"github.com/pion/mediadevices/pkg/frame"
	"github.com/pion/mediadevices/pkg/prop"
	"github.com/pion/webrtc/v4"
	pionmedia "github.com/pion/webrtc/v4/pkg/media"
	"go.uber.org/zap"
)

const (
	videoFrameDuration = time.Second / 30
	audioFrameDuration = 20 * time.Millisecond
)

// DeviceCapturer opens V4L2 cameras and ALSA/Pulse microphones through
// pion/mediadevices and encodes them to VP8 and Opus.
type DeviceCapturer struct {
	log *zap.Logger
}

// NewDeviceCapturer returns the capturer for local hardware.
func NewDeviceCapturer(log *zap.Logger) Capturer {
	if log == nil {
		log = zap.NewNop()
	}
	return &DeviceCapturer{log: log.Named("capture")}
}

func (d *DeviceCapturer) Open(ctx context.Context, c Constraints) ([]Source, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	vpxParams, err := vpx.NewVP8Params()
	if err != nil {
		return nil, err
	}
	vpxParams.BitRate = 1_500_000
	opusParams, err := opus.NewParams()
	if err != nil {
		return nil, err
	}

	constraints := mediadevices.MediaStreamConstraints{
		Codec: mediadevices.NewCodecSelector(
			mediadevices.WithVideoEncoders(&vpxParams),
			mediadevices.WithAudioEncoders(&opusParams),
		),
	}
	if c.Video {
		width, height := c.VideoSize()
		constraints.Video = func(mc *mediadevices.MediaTrackConstraints) {
			// MJPEG nodes of some cameras poison the VP8 encoder.
			mc.FrameFormat = prop.FrameFormatOneOf{
				frame.FormatYUYV,
				frame.FormatI420,
				frame.FormatI444,
				frame.FormatRGBA,
			}
			mc.Width = prop.Int(width)
			mc.Height = prop.Int(height)
		}
	}
	if c.Audio {
		constraints.Audio = func(*mediadevices.MediaTrackConstraints) {}
	}

	stream, err := mediadevices.GetUserMedia(constraints)
	if err != nil {
		return nil, fmt.Errorf("get user media: %w", err)
	}

	tracks := stream.GetTracks()
	closeAll := func() {
		for _, t := range tracks {
			_ = t.Close()
		}
	}
	if err := ctx.Err(); err != nil {
		closeAll()
		return nil, err
	}

	sources := make([]Source, 0, len(tracks))
	for _, t := range tracks {
		mime, frameDuration := webrtc.MimeTypeOpus, audioFrameDuration
		if t.Kind() == webrtc.RTPCodecTypeVideo {
			mime, frameDuration = webrtc.MimeTypeVP8, videoFrameDuration
		}
		r, err := t.NewEncodedReader(mime)
		if err != nil {
			for _, s := range sources {
				_ = s.Close()
			}
			closeAll()
			return nil, fmt.Errorf("encoded reader for %s: %w", t.Kind(), err)
		}
		d.log.Debug("device opened", zap.Stringer("kind", t.Kind()), zap.String("mime", mime))
		sources = append(sources, &deviceSource{
			track:    t,
			reader:   r,
			kind:     t.Kind(),
			mime:     mime,
			duration: frameDuration,
		})
	}
	return sources, nil
}

type deviceSource struct {
	track    mediadevices.Track
	reader   mediadevices.EncodedReadCloser
	kind     webrtc.RTPCodecType
	mime     string
	duration time.Duration
}

func (s *deviceSource) Kind() webrtc.RTPCodecType { return s.kind }

func (s *deviceSource) MimeType() string { return s.mime }

func (s *deviceSource) Read() (pionmedia.Sample, error) {
	buf, release, err := s.reader.Read()
	if err != nil {
		return pionmedia.Sample{}, err
	}
	defer release()
	data := make([]byte, len(buf.Data))
	copy(data, buf.Data)
	return pionmedia.Sample{Data: data, Duration: s.duration}, nil
}

func (s *deviceSource) Close() error {
	_ = s.reader.Close()
	return s.track.Close()
}
