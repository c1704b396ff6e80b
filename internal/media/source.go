package media

import (
	"context"
	"fmt"

	"github.com/mossy-p/telemed-rtc/internal/models"
	"github.com/pion/webrtc/v4"
	pionmedia "github.com/pion/webrtc/v4/pkg/media"
)

// Source yields encoded samples of one captured device.
type Source interface {
	Kind() webrtc.RTPCodecType
	MimeType() string
	// Read blocks until the next sample. It returns an error once the
	// source is closed.
	Read() (pionmedia.Sample, error)
	Close() error
}

// Capturer opens capture devices.
type Capturer interface {
	Open(ctx context.Context, c Constraints) ([]Source, error)
}

// Constraints selects the devices to open and the video shape.
type Constraints struct {
	Audio       bool
	Video       bool
	Orientation models.Orientation
}

// VideoSize returns the preferred capture size for the orientation.
func (c Constraints) VideoSize() (width, height int) {
	if c.Orientation == models.OrientationLandscape {
		return 1280, 720
	}
	return 720, 1280
}

// NoDevices is a Capturer for receive-only participants.
type NoDevices struct{}

func (NoDevices) Open(context.Context, Constraints) ([]Source, error) {
	return nil, fmt.Errorf("receive-only participant: %w", ErrDeviceNotFound)
}

func codecCapability(mimeType string) (webrtc.RTPCodecCapability, error) {
	switch mimeType {
	case webrtc.MimeTypeVP8:
		return webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8, ClockRate: 90000}, nil
	case webrtc.MimeTypeVP9:
		return webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP9, ClockRate: 90000}, nil
	case webrtc.MimeTypeH264:
		return webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeH264, ClockRate: 90000}, nil
	case webrtc.MimeTypeOpus:
		return webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2}, nil
	}
	return webrtc.RTPCodecCapability{}, fmt.Errorf("unsupported capture codec %q", mimeType)
}
