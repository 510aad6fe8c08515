package models

import (
	"time"

	"github.com/google/uuid"
)

// ConsultationType is how an appointment is conducted.
type ConsultationType string

const (
	ConsultationOnline   ConsultationType = "online"
	ConsultationInPerson ConsultationType = "in_person"
)

// AppointmentStatus is the appointment workflow status owned by the appointment store.
type AppointmentStatus string

const (
	StatusPending    AppointmentStatus = "pending"
	StatusApproved   AppointmentStatus = "approved"
	StatusConfirmed  AppointmentStatus = "confirmed"
	StatusInProgress AppointmentStatus = "in_progress"
	StatusCompleted  AppointmentStatus = "completed"
	StatusCancelled  AppointmentStatus = "cancelled"
)

// Appointment is a scheduled consultation between a patient and a doctor.
type Appointment struct {
	ID               uuid.UUID         `json:"id"`
	PatientID        uuid.UUID         `json:"patient_id"`
	DoctorID         uuid.UUID         `json:"doctor_id"`
	ScheduledDate    time.Time         `json:"scheduled_date"`
	ScheduledTime    string            `json:"scheduled_time"` // "HH:MM"
	ConsultationType ConsultationType  `json:"consultation_type"`
	Status           AppointmentStatus `json:"status"`
	StartedAt        *time.Time        `json:"started_at,omitempty"`
	EndedAt          *time.Time        `json:"ended_at,omitempty"`
	CreatedAt        time.Time         `json:"created_at"`
	UpdatedAt        time.Time         `json:"updated_at"`
}

// ParticipantRole returns the role userID plays in the appointment.
func (a *Appointment) ParticipantRole(userID uuid.UUID) (Role, bool) {
	switch userID {
	case a.PatientID:
		return RolePatient, true
	case a.DoctorID:
		return RoleDoctor, true
	}
	return "", false
}

// Counterpart returns the other participant of the appointment.
func (a *Appointment) Counterpart(userID uuid.UUID) uuid.UUID {
	if userID == a.PatientID {
		return a.DoctorID
	}
	return a.PatientID
}
