package models

import (
	"time"

	"github.com/google/uuid"
)

// AttendanceLog tracks one participant connection to a consultation.
type AttendanceLog struct {
	ID             uuid.UUID  `json:"id"`
	AppointmentID  uuid.UUID  `json:"appointment_id"`
	UserID         uuid.UUID  `json:"user_id"`
	Role           Role       `json:"role"`
	SocketID       string     `json:"socket_id"`
	JoinedAt       time.Time  `json:"joined_at"`
	LeftAt         *time.Time `json:"left_at,omitempty"`
	PresentSeconds int64      `json:"present_seconds"`
}
