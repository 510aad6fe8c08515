package notifications

import (
	"context"

	"github.com/aura-telehealth/backend/internal/models"
	"github.com/aura-telehealth/backend/pkg/queue"
)

// Enqueuer accepts notification jobs.
type Enqueuer interface {
	EnqueueNotification(ctx context.Context, payload queue.NotificationPayload) error
}

// QueueNotifier hands notifications to the background worker.
type QueueNotifier struct {
	q Enqueuer
}

// NewQueueNotifier creates a notifier backed by the job queue.
func NewQueueNotifier(q Enqueuer) *QueueNotifier {
	return &QueueNotifier{q: q}
}

// Notify enqueues n for delivery.
func (n *QueueNotifier) Notify(ctx context.Context, note models.Notification) error {
	return n.q.EnqueueNotification(ctx, queue.NotificationPayload{
		UserID:        note.UserID,
		AppointmentID: note.AppointmentID,
		Kind:          string(note.Kind),
		Message:       note.Message,
	})
}

// FromPayload rebuilds a notification from its job payload.
func FromPayload(p queue.NotificationPayload) models.Notification {
	return models.Notification{
		UserID:        p.UserID,
		AppointmentID: p.AppointmentID,
		Kind:          models.NotificationKind(p.Kind),
		Message:       p.Message,
	}
}
