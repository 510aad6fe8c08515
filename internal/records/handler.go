package records

import (
	"context"
	"errors"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/aura-telehealth/backend/internal/consultation"
	"github.com/aura-telehealth/backend/internal/middleware"
	"github.com/aura-telehealth/backend/internal/models"
	"github.com/aura-telehealth/backend/pkg/response"
)

// Authorizer checks that the caller may read a consultation.
type Authorizer interface {
	Authorize(ctx context.Context, appointmentID, userID uuid.UUID, role models.Role) error
}

// Lister lists records of an appointment.
type Lister interface {
	ListByAppointment(ctx context.Context, appointmentID uuid.UUID) ([]models.ConsultationRecord, error)
}

// Presigner signs report download URLs.
type Presigner interface {
	ReportsBucket() string
	PresignExpire() time.Duration
	GeneratePresignedDownloadURL(ctx context.Context, bucket, key string, expires time.Duration) (string, error)
}

// Handler handles GET /consultations/:id/records.
type Handler struct {
	repo    Lister
	authz   Authorizer
	presign Presigner
	logger  *zap.Logger
}

// NewHandler creates a records handler. presign may be nil when S3 is not configured.
func NewHandler(repo Lister, authz Authorizer, presign Presigner, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{repo: repo, authz: authz, presign: presign, logger: logger}
}

type recordView struct {
	models.ConsultationRecord
	ReportURL string `json:"report_url,omitempty"`
}

// List returns the consultation records of an appointment with signed report URLs.
func (h *Handler) List(c *gin.Context) {
	appointmentID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.BadRequest(c, "invalid appointment id")
		return
	}
	userID := c.MustGet(middleware.ContextUserID).(uuid.UUID)
	role, _ := c.Get(middleware.ContextUserRole)
	userRole, _ := role.(models.Role)

	ctx := c.Request.Context()
	if err := h.authz.Authorize(ctx, appointmentID, userID, userRole); err != nil {
		switch {
		case errors.Is(err, consultation.ErrNotParticipant):
			response.Forbidden(c, "not a participant of this consultation")
		case errors.Is(err, consultation.ErrAppointmentNotFound):
			response.NotFound(c, "appointment not found")
		default:
			h.logger.Error("authorize records read", zap.String("appointment_id", appointmentID.String()), zap.Error(err))
			response.Internal(c, "failed to list records")
		}
		return
	}

	list, err := h.repo.ListByAppointment(ctx, appointmentID)
	if err != nil {
		h.logger.Error("list records", zap.String("appointment_id", appointmentID.String()), zap.Error(err))
		response.Internal(c, "failed to list records")
		return
	}
	out := make([]recordView, 0, len(list))
	for _, rec := range list {
		v := recordView{ConsultationRecord: rec}
		if rec.ReportKey != nil && h.presign != nil {
			url, err := h.presign.GeneratePresignedDownloadURL(ctx, h.presign.ReportsBucket(), *rec.ReportKey, h.presign.PresignExpire())
			if err != nil {
				h.logger.Warn("presign report", zap.String("record_id", rec.ID.String()), zap.Error(err))
			} else {
				v.ReportURL = url
			}
		}
		out = append(out, v)
	}
	response.OK(c, gin.H{"records": out})
}
