package peer

import (
	"errors"
	"fmt"
)

var (
	ErrPermissionDenied = errors.New("media permission denied")
	ErrNoDevice         = errors.New("no capture device")
	ErrSessionReplaced  = errors.New("session replaced by another connection")
	ErrSignalingClosed  = errors.New("signaling connection closed")
)

// MediaError is returned when neither audio+video nor audio-only capture
// could be acquired.
type MediaError struct {
	AudioOnly bool // the failing attempt was the audio-only fallback
	Err       error
}

func (e *MediaError) Error() string {
	if e.AudioOnly {
		return fmt.Sprintf("acquire audio-only media: %v", e.Err)
	}
	return fmt.Sprintf("acquire media: %v", e.Err)
}

func (e *MediaError) Unwrap() error { return e.Err }

// JoinError is the relay's rejection of a join request.
type JoinError struct {
	Code     string
	Reason   string
	Message  string
	Category string
}

func (e *JoinError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("join rejected (%s): %s", e.Reason, e.Message)
	}
	return fmt.Sprintf("join rejected: %s", e.Message)
}
