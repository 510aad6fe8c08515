// Package sessionlog records when each participant socket joined and left a
// consultation.
package sessionlog

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/aura-telehealth/backend/internal/consultation"
	"github.com/aura-telehealth/backend/internal/models"
)

// Repository handles consultation_attendance.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository creates an attendance repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// LogJoin inserts a row when a socket joins a consultation. A repeated join
// of the same socket is ignored.
func (r *Repository) LogJoin(ctx context.Context, appointmentID uuid.UUID, m consultation.Member) error {
	joinedAt := m.JoinedAt
	if joinedAt.IsZero() {
		joinedAt = time.Now()
	}
	_, err := r.pool.Exec(ctx,
		`INSERT INTO consultation_attendance (appointment_id, user_id, role, socket_id, joined_at)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (appointment_id, socket_id) DO NOTHING`,
		appointmentID, m.ParticipantID, string(m.Role), m.SocketID, joinedAt)
	return err
}

// LogLeave closes the open row of the socket and stores how long it was present.
func (r *Repository) LogLeave(ctx context.Context, appointmentID uuid.UUID, m consultation.Member) error {
	_, err := r.pool.Exec(ctx,
		`UPDATE consultation_attendance
		 SET left_at = NOW(), present_seconds = GREATEST(0, EXTRACT(EPOCH FROM (NOW() - joined_at))::BIGINT)
		 WHERE appointment_id = $1 AND socket_id = $2 AND left_at IS NULL`,
		appointmentID, m.SocketID)
	return err
}

// ListByAppointment returns attendance rows for a consultation, oldest first.
func (r *Repository) ListByAppointment(ctx context.Context, appointmentID uuid.UUID) ([]models.AttendanceLog, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id, appointment_id, user_id, role, socket_id, joined_at, left_at, present_seconds
		 FROM consultation_attendance WHERE appointment_id = $1 ORDER BY joined_at`,
		appointmentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []models.AttendanceLog
	for rows.Next() {
		var row models.AttendanceLog
		var role string
		if err := rows.Scan(&row.ID, &row.AppointmentID, &row.UserID, &role, &row.SocketID, &row.JoinedAt, &row.LeftAt, &row.PresentSeconds); err != nil {
			return nil, err
		}
		row.Role = models.Role(role)
		list = append(list, row)
	}
	return list, rows.Err()
}

// Totals sums present time per participant.
func Totals(rows []models.AttendanceLog) map[uuid.UUID]int64 {
	out := make(map[uuid.UUID]int64)
	for _, row := range rows {
		out[row.UserID] += row.PresentSeconds
	}
	return out
}
