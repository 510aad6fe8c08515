// Package records persists one summary row per live consultation session and
// serves the generated session reports.
package records

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/aura-telehealth/backend/internal/models"
)

const recordColumns = `id, appointment_id, started_at, ended_at, duration_seconds, peak_participants, ended_by, report_key, created_at, updated_at`

// Repository handles consultation_records persistence.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository creates a consultation records repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// Open creates the open record for an appointment unless one already exists.
func (r *Repository) Open(ctx context.Context, appointmentID uuid.UUID, startedAt time.Time) error {
	const q = `INSERT INTO consultation_records (appointment_id, started_at)
		VALUES ($1, $2)
		ON CONFLICT (appointment_id) WHERE ended_at IS NULL DO NOTHING`
	_, err := r.pool.Exec(ctx, q, appointmentID, startedAt)
	return err
}

// CloseInput describes how a consultation ended.
type CloseInput struct {
	AppointmentID    uuid.UUID
	StartedAt        time.Time
	EndedAt          time.Time
	DurationSeconds  int64
	PeakParticipants int
	EndedBy          uuid.UUID
}

// Close finalizes the open record of the appointment, inserting a closed one
// if Open never ran. It returns the record id.
func (r *Repository) Close(ctx context.Context, in CloseInput) (uuid.UUID, error) {
	var id uuid.UUID
	err := pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		const update = `UPDATE consultation_records
			SET ended_at = $2, duration_seconds = $3, peak_participants = GREATEST(peak_participants, $4), ended_by = $5, updated_at = NOW()
			WHERE appointment_id = $1 AND ended_at IS NULL
			RETURNING id`
		err := tx.QueryRow(ctx, update, in.AppointmentID, in.EndedAt, in.DurationSeconds, in.PeakParticipants, in.EndedBy).Scan(&id)
		if err == nil {
			return nil
		}
		if !errors.Is(err, pgx.ErrNoRows) {
			return err
		}
		const insert = `INSERT INTO consultation_records (appointment_id, started_at, ended_at, duration_seconds, peak_participants, ended_by)
			VALUES ($1, $2, $3, $4, $5, $6)
			RETURNING id`
		return tx.QueryRow(ctx, insert, in.AppointmentID, in.StartedAt, in.EndedAt, in.DurationSeconds, in.PeakParticipants, in.EndedBy).Scan(&id)
	})
	return id, err
}

// GetByID returns a record by ID, or nil if none exists.
func (r *Repository) GetByID(ctx context.Context, id uuid.UUID) (*models.ConsultationRecord, error) {
	q := `SELECT ` + recordColumns + ` FROM consultation_records WHERE id = $1`
	rec, err := scanRecord(r.pool.QueryRow(ctx, q, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return rec, nil
}

// ListByAppointment returns every record of an appointment, newest first.
func (r *Repository) ListByAppointment(ctx context.Context, appointmentID uuid.UUID) ([]models.ConsultationRecord, error) {
	q := `SELECT ` + recordColumns + ` FROM consultation_records WHERE appointment_id = $1 ORDER BY started_at DESC`
	rows, err := r.pool.Query(ctx, q, appointmentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []models.ConsultationRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, *rec)
	}
	return list, rows.Err()
}

// SetReportKey stores the S3 key of the generated report.
func (r *Repository) SetReportKey(ctx context.Context, id uuid.UUID, key string) error {
	const q = `UPDATE consultation_records SET report_key = $2, updated_at = NOW() WHERE id = $1`
	_, err := r.pool.Exec(ctx, q, id, key)
	return err
}

func scanRecord(row pgx.Row) (*models.ConsultationRecord, error) {
	var rec models.ConsultationRecord
	err := row.Scan(&rec.ID, &rec.AppointmentID, &rec.StartedAt, &rec.EndedAt, &rec.DurationSeconds, &rec.PeakParticipants,
		&rec.EndedBy, &rec.ReportKey, &rec.CreatedAt, &rec.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &rec, nil
}
