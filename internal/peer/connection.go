package peer

import (
	"github.com/pion/webrtc/v3"
)

// Connection is the subset of *webrtc.PeerConnection the coordinator drives.
type Connection interface {
	AddTrack(track webrtc.TrackLocal) (*webrtc.RTPSender, error)
	CreateOffer(options *webrtc.OfferOptions) (webrtc.SessionDescription, error)
	CreateAnswer(options *webrtc.AnswerOptions) (webrtc.SessionDescription, error)
	SetLocalDescription(desc webrtc.SessionDescription) error
	SetRemoteDescription(desc webrtc.SessionDescription) error
	AddICECandidate(candidate webrtc.ICECandidateInit) error
	OnICECandidate(f func(*webrtc.ICECandidate))
	OnConnectionStateChange(f func(webrtc.PeerConnectionState))
	OnTrack(f func(*webrtc.TrackRemote, *webrtc.RTPReceiver))
	Close() error
}

// ConnectionFactory creates one connection per remote participant.
type ConnectionFactory func() (Connection, error)

// PionFactory creates real pion peer connections with cfg.
func PionFactory(cfg webrtc.Configuration) ConnectionFactory {
	return func() (Connection, error) {
		return webrtc.NewPeerConnection(cfg)
	}
}
