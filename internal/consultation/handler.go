package consultation

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/aura-telehealth/backend/internal/access"
	"github.com/aura-telehealth/backend/internal/middleware"
	"github.com/aura-telehealth/backend/internal/models"
	"github.com/aura-telehealth/backend/pkg/response"
)

// Handler exposes the lifecycle controller over HTTP.
type Handler struct {
	ctrl   *Controller
	logger *zap.Logger
}

// NewHandler creates a consultation handler.
func NewHandler(ctrl *Controller, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{ctrl: ctrl, logger: logger}
}

type checkAccessResponse struct {
	access.Result
	Appointment *models.Appointment `json:"appointment"`
}

type endResponse struct {
	AppointmentID   uuid.UUID  `json:"appointment_id"`
	StartedAt       *time.Time `json:"started_at,omitempty"`
	EndedAt         time.Time  `json:"ended_at"`
	DurationSeconds int64      `json:"duration_seconds"`
	Duration        string     `json:"duration"`
	Peak            int        `json:"peak_participants"`
}

// CheckAccess handles GET /appointments/:id/check-access.
func (h *Handler) CheckAccess(c *gin.Context) {
	id, userID, ok := h.params(c)
	if !ok {
		return
	}
	check, err := h.ctrl.CheckAccess(c.Request.Context(), id, userID)
	if err != nil {
		h.writeError(c, id, err)
		return
	}
	response.OK(c, checkAccessResponse{Result: check.Result, Appointment: check.Appointment})
}

// Start handles POST /consultations/:id/start.
func (h *Handler) Start(c *gin.Context) {
	id, userID, ok := h.params(c)
	if !ok {
		return
	}
	res, err := h.ctrl.Start(c.Request.Context(), id, userID)
	if err != nil {
		h.writeError(c, id, err)
		return
	}
	response.OK(c, res)
}

// End handles POST /consultations/:id/end and POST /appointments/:id/end-consultation.
func (h *Handler) End(c *gin.Context) {
	id, userID, ok := h.params(c)
	if !ok {
		return
	}
	sum, err := h.ctrl.End(c.Request.Context(), id, userID)
	if err != nil {
		h.writeError(c, id, err)
		return
	}
	response.OK(c, endResponse{
		AppointmentID:   sum.AppointmentID,
		StartedAt:       sum.StartedAt,
		EndedAt:         sum.EndedAt,
		DurationSeconds: sum.DurationSeconds(),
		Duration:        FormatDuration(sum.Duration),
		Peak:            sum.Peak,
	})
}

// Get handles GET /consultations/:id.
func (h *Handler) Get(c *gin.Context) {
	id, userID, ok := h.params(c)
	if !ok {
		return
	}
	snap, err := h.ctrl.Snapshot(c.Request.Context(), id, userID)
	if err != nil {
		h.writeError(c, id, err)
		return
	}
	response.OK(c, snap)
}

// List handles GET /admin/consultations.
func (h *Handler) List(c *gin.Context) {
	response.OK(c, gin.H{"sessions": h.ctrl.List()})
}

func (h *Handler) params(c *gin.Context) (uuid.UUID, uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.BadRequest(c, "invalid appointment id")
		return uuid.Nil, uuid.Nil, false
	}
	userID := c.MustGet(middleware.ContextUserID).(uuid.UUID)
	return id, userID, true
}

func (h *Handler) writeError(c *gin.Context, id uuid.UUID, err error) {
	var accessErr *AccessError
	switch {
	case errors.As(err, &accessErr):
		res := accessErr.Result
		var data interface{}
		if res.OpensAt != nil {
			data = gin.H{"opens_at": res.OpensAt, "closes_at": res.ClosesAt}
		}
		response.Rejected(c, http.StatusForbidden, res.Message, string(res.Reason), string(res.Category), data)
	case errors.Is(err, ErrNotParticipant):
		response.Rejected(c, http.StatusForbidden, "You are not a participant of this consultation", "not authorized", string(access.CategoryAuthorization), nil)
	case errors.Is(err, ErrAppointmentNotFound):
		response.NotFound(c, "appointment not found")
	case errors.Is(err, ErrAlreadyCompleted):
		response.Conflict(c, "consultation already completed")
	case errors.Is(err, ErrNotStarted):
		response.Conflict(c, "consultation has not started")
	case errors.Is(err, ErrSessionFull):
		response.Conflict(c, "consultation session is full")
	case errors.Is(err, ErrStatusUpdate):
		response.Rejected(c, http.StatusServiceUnavailable, "Could not update the appointment, please retry", "store unavailable", string(access.CategoryTechnical), nil)
	default:
		h.logger.Error("consultation request failed", zap.String("appointment_id", id.String()), zap.Error(err))
		response.Internal(c, "internal error")
	}
}
