package models

import (
	"time"

	"github.com/google/uuid"
)

// NotificationKind classifies in-app notifications.
type NotificationKind string

const (
	NotificationConsultationStarted   NotificationKind = "consultation_started"
	NotificationConsultationCompleted NotificationKind = "consultation_completed"
)

// Notification is an in-app message for a user.
type Notification struct {
	ID            uuid.UUID        `json:"id"`
	UserID        uuid.UUID        `json:"user_id"`
	AppointmentID *uuid.UUID       `json:"appointment_id,omitempty"`
	Kind          NotificationKind `json:"kind"`
	Message       string           `json:"message"`
	ReadAt        *time.Time       `json:"read_at,omitempty"`
	CreatedAt     time.Time        `json:"created_at"`
}
