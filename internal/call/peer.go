package call

import "github.com/pion/webrtc/v4"

// RemoteTrack describes a track received from the counterpart.
type RemoteTrack struct {
	ID       string
	StreamID string
	Kind     webrtc.RTPCodecType
}

// Peer is one side of a WebRTC connection.
type Peer interface {
	AddTrack(t *LocalTrack) error
	CreateOffer() (webrtc.SessionDescription, error)
	CreateAnswer() (webrtc.SessionDescription, error)
	SetLocalDescription(sd webrtc.SessionDescription) error
	SetRemoteDescription(sd webrtc.SessionDescription) error
	AddICECandidate(c webrtc.ICECandidateInit) error
	OnICECandidate(fn func(webrtc.ICECandidateInit))
	OnTrack(fn func(RemoteTrack))
	OnConnectionStateChange(fn func(webrtc.PeerConnectionState))
	Close() error
}

// PeerFactory creates peers.
type PeerFactory interface {
	NewPeer() (Peer, error)
}
