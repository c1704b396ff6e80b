package models

// MediaState is the audio/video state of both sides of a call. The local half
// follows the user's toggles; the remote half changes only when the peer
// announces it.
type MediaState struct {
	LocalVideo        bool        `json:"localVideo"`
	LocalAudio        bool        `json:"localAudio"`
	RemoteVideo       bool        `json:"remoteVideo"`
	RemoteAudio       bool        `json:"remoteAudio"`
	Orientation       Orientation `json:"orientation"`
	RemoteOrientation Orientation `json:"remoteOrientation"`
}

// NewMediaState returns the state of a fresh call: everything on, portrait.
func NewMediaState() MediaState {
	return MediaState{
		LocalVideo:        true,
		LocalAudio:        true,
		RemoteVideo:       true,
		RemoteAudio:       true,
		Orientation:       OrientationPortrait,
		RemoteOrientation: OrientationPortrait,
	}
}

// ApplyRemote merges a peer announcement into the remote half.
func (s *MediaState) ApplyRemote(p MediaPayload) {
	if p.AudioEnabled != nil {
		s.RemoteAudio = *p.AudioEnabled
	}
	if p.VideoEnabled != nil {
		s.RemoteVideo = *p.VideoEnabled
	}
}
