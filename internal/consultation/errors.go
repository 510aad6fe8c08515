package consultation

import (
	"errors"

	"github.com/aura-telehealth/backend/internal/access"
)

var (
	ErrAppointmentNotFound = errors.New("appointment not found")
	ErrNotParticipant      = errors.New("not a participant of this appointment")
	ErrSessionFull         = errors.New("consultation session is full")
	ErrAlreadyCompleted    = errors.New("consultation already completed")
	ErrNotStarted          = errors.New("consultation has not started")
	ErrStatusUpdate        = errors.New("appointment status update failed")
)

// AccessError is returned when the access window evaluation rejects a
// join or start attempt.
type AccessError struct {
	Result access.Result
}

func (e *AccessError) Error() string {
	return "consultation not accessible: " + string(e.Result.Reason)
}
