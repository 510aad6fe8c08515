package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/aura-telehealth/backend/internal/consultation"
	"github.com/aura-telehealth/backend/internal/models"
	"github.com/aura-telehealth/backend/internal/notifications"
	"github.com/aura-telehealth/backend/internal/sessionlog"
	"github.com/aura-telehealth/backend/pkg/queue"
	"github.com/aura-telehealth/backend/pkg/storage"
)

// NotificationStore persists notifications.
type NotificationStore interface {
	Insert(ctx context.Context, n *models.Notification) error
}

// NotificationProcessor stores notification jobs as in-app notifications.
type NotificationProcessor struct {
	store  NotificationStore
	logger *zap.Logger
}

// NewNotificationProcessor creates a notification processor.
func NewNotificationProcessor(store NotificationStore, logger *zap.Logger) *NotificationProcessor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &NotificationProcessor{store: store, logger: logger}
}

// Process executes one notification job.
func (p *NotificationProcessor) Process(ctx context.Context, job *queue.Job) error {
	var payload queue.NotificationPayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return fmt.Errorf("unmarshal payload: %w", err)
	}
	n := notifications.FromPayload(payload)
	if err := p.store.Insert(ctx, &n); err != nil {
		return fmt.Errorf("insert notification: %w", err)
	}
	p.logger.Info("notification stored", zap.String("user_id", n.UserID.String()), zap.String("kind", string(n.Kind)))
	return nil
}

// RecordStore reads and annotates consultation records.
type RecordStore interface {
	GetByID(ctx context.Context, id uuid.UUID) (*models.ConsultationRecord, error)
	SetReportKey(ctx context.Context, id uuid.UUID, key string) error
}

// AttendanceReader lists attendance rows.
type AttendanceReader interface {
	ListByAppointment(ctx context.Context, appointmentID uuid.UUID) ([]models.AttendanceLog, error)
}

// ReportUploader stores report objects.
type ReportUploader interface {
	ReportsBucket() string
	Upload(ctx context.Context, bucket, key, contentType string, body io.Reader) error
}

// Report is the JSON document written for each finished consultation.
type Report struct {
	RecordID         uuid.UUID              `json:"record_id"`
	AppointmentID    uuid.UUID              `json:"appointment_id"`
	StartedAt        time.Time              `json:"started_at"`
	EndedAt          *time.Time             `json:"ended_at,omitempty"`
	DurationSeconds  int64                  `json:"duration_seconds"`
	Duration         string                 `json:"duration"`
	PeakParticipants int                    `json:"peak_participants"`
	EndedBy          *uuid.UUID             `json:"ended_by,omitempty"`
	Attendance       []models.AttendanceLog `json:"attendance"`
	PresentSeconds   map[uuid.UUID]int64    `json:"present_seconds"`
	GeneratedAt      time.Time              `json:"generated_at"`
}

// ReportProcessor builds the consultation report and uploads it to S3.
type ReportProcessor struct {
	records    RecordStore
	attendance AttendanceReader
	uploader   ReportUploader
	logger     *zap.Logger
}

// NewReportProcessor creates a report processor.
func NewReportProcessor(records RecordStore, attendance AttendanceReader, uploader ReportUploader, logger *zap.Logger) *ReportProcessor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ReportProcessor{records: records, attendance: attendance, uploader: uploader, logger: logger}
}

// Process executes one report job.
func (p *ReportProcessor) Process(ctx context.Context, job *queue.Job) error {
	var payload queue.SessionReportPayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return fmt.Errorf("unmarshal payload: %w", err)
	}
	rec, err := p.records.GetByID(ctx, payload.RecordID)
	if err != nil {
		return fmt.Errorf("get record: %w", err)
	}
	if rec == nil {
		return fmt.Errorf("record not found: %s", payload.RecordID)
	}
	if rec.ReportKey != nil {
		p.logger.Info("report already generated", zap.String("record_id", rec.ID.String()))
		return nil
	}

	rows, err := p.attendance.ListByAppointment(ctx, rec.AppointmentID)
	if err != nil {
		return fmt.Errorf("list attendance: %w", err)
	}
	if rows == nil {
		rows = []models.AttendanceLog{}
	}
	report := Report{
		RecordID:         rec.ID,
		AppointmentID:    rec.AppointmentID,
		StartedAt:        rec.StartedAt,
		EndedAt:          rec.EndedAt,
		DurationSeconds:  rec.DurationSeconds,
		Duration:         consultation.FormatDuration(time.Duration(rec.DurationSeconds) * time.Second),
		PeakParticipants: rec.PeakParticipants,
		EndedBy:          rec.EndedBy,
		Attendance:       rows,
		PresentSeconds:   sessionlog.Totals(rows),
		GeneratedAt:      time.Now().UTC(),
	}
	body, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal report: %w", err)
	}

	key := storage.ReportKey(rec.AppointmentID.String(), rec.ID.String())
	if err := p.uploader.Upload(ctx, p.uploader.ReportsBucket(), key, "application/json", bytes.NewReader(body)); err != nil {
		return fmt.Errorf("s3 upload: %w", err)
	}
	if err := p.records.SetReportKey(ctx, rec.ID, key); err != nil {
		return fmt.Errorf("update record: %w", err)
	}
	p.logger.Info("consultation report uploaded", zap.String("record_id", rec.ID.String()), zap.String("s3_key", key))
	return nil
}
