package sessionlog

import (
	"context"
	"errors"

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

// Lister lists attendance rows.
type Lister interface {
	ListByAppointment(ctx context.Context, appointmentID uuid.UUID) ([]models.AttendanceLog, error)
}

// Handler handles GET /consultations/:id/attendance.
type Handler struct {
	repo   Lister
	authz  Authorizer
	logger *zap.Logger
}

// NewHandler creates an attendance handler.
func NewHandler(repo Lister, authz Authorizer, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{repo: repo, authz: authz, logger: logger}
}

// GetAttendance returns every join/leave of the consultation and the total
// present time per participant.
func (h *Handler) GetAttendance(c *gin.Context) {
	appointmentID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.BadRequest(c, "invalid appointment id")
		return
	}
	userID := c.MustGet(middleware.ContextUserID).(uuid.UUID)
	role, _ := c.Get(middleware.ContextUserRole)
	userRole, _ := role.(models.Role)

	if err := h.authz.Authorize(c.Request.Context(), appointmentID, userID, userRole); err != nil {
		switch {
		case errors.Is(err, consultation.ErrNotParticipant):
			response.Forbidden(c, "not a participant of this consultation")
		case errors.Is(err, consultation.ErrAppointmentNotFound):
			response.NotFound(c, "appointment not found")
		default:
			h.logger.Error("authorize attendance read", zap.String("appointment_id", appointmentID.String()), zap.Error(err))
			response.Internal(c, "failed to list attendance")
		}
		return
	}

	list, err := h.repo.ListByAppointment(c.Request.Context(), appointmentID)
	if err != nil {
		h.logger.Error("list attendance", zap.String("appointment_id", appointmentID.String()), zap.Error(err))
		response.Internal(c, "failed to list attendance")
		return
	}
	if list == nil {
		list = []models.AttendanceLog{}
	}
	response.OK(c, gin.H{"attendance": list, "present_seconds": Totals(list)})
}
