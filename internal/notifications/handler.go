package notifications

import (
	"context"
	"errors"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/aura-telehealth/backend/internal/middleware"
	"github.com/aura-telehealth/backend/internal/models"
	"github.com/aura-telehealth/backend/pkg/response"
)

// Store is the notification persistence used by Handler.
type Store interface {
	ListByUser(ctx context.Context, userID uuid.UUID, unreadOnly bool, limit int) ([]models.Notification, error)
	MarkRead(ctx context.Context, userID, id uuid.UUID) error
}

// Handler serves the caller's notifications.
type Handler struct {
	store  Store
	logger *zap.Logger
}

// NewHandler creates a notifications handler.
func NewHandler(store Store, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{store: store, logger: logger}
}

// List handles GET /notifications?unread=true&limit=20.
func (h *Handler) List(c *gin.Context) {
	userID := c.MustGet(middleware.ContextUserID).(uuid.UUID)
	unread, _ := strconv.ParseBool(c.Query("unread"))
	limit, _ := strconv.Atoi(c.Query("limit"))

	list, err := h.store.ListByUser(c.Request.Context(), userID, unread, limit)
	if err != nil {
		h.logger.Error("list notifications", zap.String("user_id", userID.String()), zap.Error(err))
		response.Internal(c, "failed to list notifications")
		return
	}
	if list == nil {
		list = []models.Notification{}
	}
	response.OK(c, gin.H{"notifications": list})
}

// MarkRead handles PATCH /notifications/:id/read.
func (h *Handler) MarkRead(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.BadRequest(c, "invalid notification id")
		return
	}
	userID := c.MustGet(middleware.ContextUserID).(uuid.UUID)
	if err := h.store.MarkRead(c.Request.Context(), userID, id); err != nil {
		if errors.Is(err, ErrNotFound) {
			response.NotFound(c, "notification not found")
			return
		}
		h.logger.Error("mark notification read", zap.String("notification_id", id.String()), zap.Error(err))
		response.Internal(c, "failed to update notification")
		return
	}
	response.OK(c, gin.H{"id": id, "read": true})
}
