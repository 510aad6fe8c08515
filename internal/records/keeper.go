package records

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/aura-telehealth/backend/internal/consultation"
	"github.com/aura-telehealth/backend/pkg/queue"
)

// Store is the persistence used by Keeper.
type Store interface {
	Open(ctx context.Context, appointmentID uuid.UUID, startedAt time.Time) error
	Close(ctx context.Context, in CloseInput) (uuid.UUID, error)
}

// ReportQueue schedules report generation for a closed record.
type ReportQueue interface {
	EnqueueSessionReport(ctx context.Context, payload queue.SessionReportPayload) error
}

// Keeper writes consultation records as sessions start and end.
type Keeper struct {
	store  Store
	queue  ReportQueue
	logger *zap.Logger
}

// NewKeeper creates a record keeper. q may be nil to skip report generation.
func NewKeeper(store Store, q ReportQueue, logger *zap.Logger) *Keeper {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Keeper{store: store, queue: q, logger: logger}
}

// Open records that the consultation started.
func (k *Keeper) Open(ctx context.Context, appointmentID uuid.UUID, startedAt time.Time) error {
	return k.store.Open(ctx, appointmentID, startedAt)
}

// Close finalizes the record and schedules its report.
func (k *Keeper) Close(ctx context.Context, summary consultation.Summary) error {
	startedAt := summary.EndedAt
	if summary.StartedAt != nil {
		startedAt = *summary.StartedAt
	}
	id, err := k.store.Close(ctx, CloseInput{
		AppointmentID:    summary.AppointmentID,
		StartedAt:        startedAt,
		EndedAt:          summary.EndedAt,
		DurationSeconds:  summary.DurationSeconds(),
		PeakParticipants: summary.Peak,
		EndedBy:          summary.EndedBy,
	})
	if err != nil {
		return fmt.Errorf("close record: %w", err)
	}
	if k.queue == nil {
		return nil
	}
	if err := k.queue.EnqueueSessionReport(ctx, queue.SessionReportPayload{RecordID: id, AppointmentID: summary.AppointmentID}); err != nil {
		return fmt.Errorf("enqueue report: %w", err)
	}
	k.logger.Debug("session report scheduled", zap.String("record_id", id.String()), zap.String("appointment_id", summary.AppointmentID.String()))
	return nil
}
