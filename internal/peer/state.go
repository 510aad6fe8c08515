// Package peer is the participant side of a consultation: it acquires local
// media, joins through the signaling relay and negotiates one WebRTC
// connection per remote participant.
package peer

// State is the coordinator's externally visible state.
type State int

const (
	StateIdle State = iota
	StateAcquiringMedia
	StateJoining
	StateWaiting
	StateConnecting
	StateConnected
	StatePeerDisconnected
	StateEnded
	StateFailed
)

var stateNames = [...]string{
	StateIdle:             "idle",
	StateAcquiringMedia:   "acquiring-media",
	StateJoining:          "joining",
	StateWaiting:          "waiting",
	StateConnecting:       "connecting",
	StateConnected:        "connected",
	StatePeerDisconnected: "peer-disconnected",
	StateEnded:            "ended",
	StateFailed:           "failed",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "unknown"
	}
	return stateNames[s]
}

// Terminal reports whether no further transitions happen.
func (s State) Terminal() bool {
	return s == StateEnded || s == StateFailed
}
