// Package api exposes the live commerce engine over HTTP.
package api

import (
	"context"
	"errors"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/aura-kitchen/livecommerce/internal/analytics"
	"github.com/aura-kitchen/livecommerce/internal/apperr"
	"github.com/aura-kitchen/livecommerce/internal/livesession"
	"github.com/aura-kitchen/livecommerce/internal/middleware"
	"github.com/aura-kitchen/livecommerce/internal/models"
	"github.com/aura-kitchen/livecommerce/internal/orders"
	"github.com/aura-kitchen/livecommerce/internal/presence"
	"github.com/aura-kitchen/livecommerce/pkg/response"
)

// ReplayLinker signs download links for stored replay manifests.
type ReplayLinker interface {
	GeneratePresignedDownloadURL(ctx context.Context, bucket, key string, expires time.Duration) (string, error)
	ReplaysBucket() string
	PresignExpire() time.Duration
}

// Handler serves session, order and transport signal endpoints.
type Handler struct {
	sessions  *livesession.Manager
	orders    *orders.Coordinator
	presence  *presence.Aggregator
	summaries analytics.Store
	replays   ReplayLinker
	logger    *zap.Logger
}

// NewHandler creates the API handler. replays may be nil when replay storage is not configured.
func NewHandler(sessions *livesession.Manager, coordinator *orders.Coordinator, agg *presence.Aggregator, summaries analytics.Store, replays ReplayLinker, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		sessions:  sessions,
		orders:    coordinator,
		presence:  agg,
		summaries: summaries,
		replays:   replays,
		logger:    logger,
	}
}

func actorID(c *gin.Context) uuid.UUID {
	return c.MustGet(middleware.ContextUserID).(uuid.UUID)
}

func paramID(c *gin.Context, what string) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.BadRequest(c, "invalid "+what+" id")
		return uuid.Nil, false
	}
	return id, true
}

// ownedSession loads the session in the path and checks the caller broadcasts it.
func (h *Handler) ownedSession(c *gin.Context) (*models.LiveSession, bool) {
	id, ok := paramID(c, "session")
	if !ok {
		return nil, false
	}
	s, err := h.sessions.Get(c.Request.Context(), id)
	if err != nil {
		response.Error(c, err)
		return nil, false
	}
	if s.BroadcasterID != actorID(c) {
		response.Error(c, apperr.ErrNotAuthorized)
		return nil, false
	}
	return s, true
}

// fail writes err, logging only what the caller cannot fix.
func (h *Handler) fail(c *gin.Context, op string, err error) {
	if !expected(err) {
		h.logger.Error(op, zap.Error(err), zap.String("path", c.FullPath()))
	}
	response.Error(c, err)
}

func expected(err error) bool {
	for _, known := range []error{
		apperr.ErrConflict, apperr.ErrInvalidTransition, apperr.ErrSessionNotLive,
		apperr.ErrNotAuthorized, apperr.ErrNotFound, apperr.ErrInvalidInput,
	} {
		if errors.Is(err, known) {
			return true
		}
	}
	return false
}
