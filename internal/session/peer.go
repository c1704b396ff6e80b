package session

import (
	"fmt"
	"time"

	"github.com/mossy-p/telemed-rtc/internal/media"
	"github.com/mossy-p/telemed-rtc/internal/negotiation"
	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"
)

// PeerConnection is everything the session needs from a pion peer
// connection. Only the session registers callbacks on it.
type PeerConnection interface {
	negotiation.Connection
	media.Peer

	OnICECandidate(f func(*webrtc.ICECandidate))
	OnConnectionStateChange(f func(webrtc.PeerConnectionState))
	OnSignalingStateChange(f func(webrtc.SignalingState))
	OnTrack(f func(*webrtc.TrackRemote, *webrtc.RTPReceiver))
	Close() error
}

// ICEConfig configures connectivity of the peer connection.
type ICEConfig struct {
	// Servers defaults to a public STUN server when nil. An empty slice
	// gathers host candidates only.
	Servers             []webrtc.ICEServer
	DisconnectedTimeout time.Duration
	FailedTimeout       time.Duration
	KeepAliveInterval   time.Duration

	// IncludeLoopback gathers candidates on loopback interfaces.
	IncludeLoopback bool
	// NetworkTypes limits gathering, all types when empty.
	NetworkTypes []webrtc.NetworkType
}

func (c ICEConfig) withDefaults() ICEConfig {
	if c.Servers == nil {
		c.Servers = []webrtc.ICEServer{{URLs: []string{"stun:stun.l.google.com:19302"}}}
	}
	if c.DisconnectedTimeout <= 0 {
		c.DisconnectedTimeout = 10 * time.Second
	}
	if c.FailedTimeout <= 0 {
		c.FailedTimeout = 30 * time.Second
	}
	if c.KeepAliveInterval <= 0 {
		c.KeepAliveInterval = 2 * time.Second
	}
	return c
}

// pionPeer adapts *webrtc.PeerConnection to the narrow sender interfaces of
// the media manager.
type pionPeer struct {
	*webrtc.PeerConnection
}

func (p pionPeer) AddTrack(track webrtc.TrackLocal) (media.Sender, error) {
	sender, err := p.PeerConnection.AddTrack(track)
	if err != nil {
		return nil, err
	}
	return sender, nil
}

func (p pionPeer) Senders() []media.Sender {
	senders := p.GetSenders()
	out := make([]media.Sender, 0, len(senders))
	for _, s := range senders {
		out = append(out, s)
	}
	return out
}

// NewPionPeer builds a peer connection with the default codecs and
// interceptors, and recvonly audio and video transceivers so remote media is
// accepted before any local track exists.
func NewPionPeer(ice ICEConfig, log *zap.Logger) (PeerConnection, error) {
	if log == nil {
		log = zap.NewNop()
	}
	ice = ice.withDefaults()

	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("register codecs: %w", err)
	}
	registry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, registry); err != nil {
		return nil, fmt.Errorf("register interceptors: %w", err)
	}

	se := webrtc.SettingEngine{LoggerFactory: newZapLoggerFactory(log)}
	se.SetICETimeouts(ice.DisconnectedTimeout, ice.FailedTimeout, ice.KeepAliveInterval)
	se.SetIncludeLoopbackCandidate(ice.IncludeLoopback)
	if len(ice.NetworkTypes) > 0 {
		se.SetNetworkTypes(ice.NetworkTypes)
	}

	api := webrtc.NewAPI(
		webrtc.WithMediaEngine(mediaEngine),
		webrtc.WithInterceptorRegistry(registry),
		webrtc.WithSettingEngine(se),
	)
	pc, err := api.NewPeerConnection(webrtc.Configuration{ICEServers: ice.Servers})
	if err != nil {
		return nil, fmt.Errorf("new peer connection: %w", err)
	}

	for _, kind := range []webrtc.RTPCodecType{webrtc.RTPCodecTypeAudio, webrtc.RTPCodecTypeVideo} {
		if _, err := pc.AddTransceiverFromKind(kind, webrtc.RTPTransceiverInit{
			Direction: webrtc.RTPTransceiverDirectionRecvonly,
		}); err != nil {
			pc.Close()
			return nil, fmt.Errorf("add %s transceiver: %w", kind, err)
		}
	}
	return pionPeer{pc}, nil
}
