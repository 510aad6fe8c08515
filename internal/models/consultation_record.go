package models

import (
	"time"

	"github.com/google/uuid"
)

// ConsultationRecord is the persisted summary of one live consultation session.
type ConsultationRecord struct {
	ID               uuid.UUID  `json:"id"`
	AppointmentID    uuid.UUID  `json:"appointment_id"`
	StartedAt        time.Time  `json:"started_at"`
	EndedAt          *time.Time `json:"ended_at,omitempty"`
	DurationSeconds  int64      `json:"duration_seconds"`
	PeakParticipants int        `json:"peak_participants"`
	EndedBy          *uuid.UUID `json:"ended_by,omitempty"`
	ReportKey        *string    `json:"report_key,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at"`
}
