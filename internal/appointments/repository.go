// Package appointments reads appointments from PostgreSQL and applies the
// consultation status transitions.
package appointments

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/aura-telehealth/backend/internal/models"
)

// ErrNotFound is returned by SetStatus when no appointment matches.
var ErrNotFound = errors.New("appointment not found")

const appointmentColumns = `id, patient_id, doctor_id, scheduled_date, scheduled_time, consultation_type, status,
	started_at, ended_at, created_at, updated_at`

// Repository handles appointment persistence.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository creates an appointment repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// GetAppointment returns an appointment by ID, or nil if none exists.
func (r *Repository) GetAppointment(ctx context.Context, id uuid.UUID) (*models.Appointment, error) {
	q := `SELECT ` + appointmentColumns + ` FROM appointments WHERE id = $1`
	a, err := scanAppointment(r.pool.QueryRow(ctx, q, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return a, nil
}

// SetStatus updates the appointment status. Moving to in_progress stamps
// started_at once; moving to completed stamps ended_at.
func (r *Repository) SetStatus(ctx context.Context, id uuid.UUID, status models.AppointmentStatus) error {
	const q = `UPDATE appointments SET
			status = $2,
			started_at = CASE WHEN $2 = 'in_progress' THEN COALESCE(started_at, NOW()) ELSE started_at END,
			ended_at = CASE WHEN $2 = 'completed' THEN NOW() ELSE ended_at END,
			updated_at = NOW()
		WHERE id = $1`
	tag, err := r.pool.Exec(ctx, q, id, string(status))
	if err != nil {
		return fmt.Errorf("update appointment status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func scanAppointment(row pgx.Row) (*models.Appointment, error) {
	var a models.Appointment
	var consultationType, status string
	err := row.Scan(&a.ID, &a.PatientID, &a.DoctorID, &a.ScheduledDate, &a.ScheduledTime, &consultationType, &status,
		&a.StartedAt, &a.EndedAt, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		return nil, err
	}
	a.ConsultationType = models.ConsultationType(consultationType)
	a.Status = models.AppointmentStatus(status)
	return &a, nil
}
