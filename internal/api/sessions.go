package api

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/aura-kitchen/livecommerce/internal/livesession"
	"github.com/aura-kitchen/livecommerce/internal/middleware"
	"github.com/aura-kitchen/livecommerce/internal/models"
	"github.com/aura-kitchen/livecommerce/internal/presence"
	"github.com/aura-kitchen/livecommerce/pkg/response"
)

// CreateSessionRequest is the body for POST /sessions.
type CreateSessionRequest struct {
	ChannelID   string     `json:"channel_id" binding:"required"`
	Title       string     `json:"title" binding:"required"`
	Description string     `json:"description"`
	ProductID   *uuid.UUID `json:"product_id"`
	Tags        []string   `json:"tags"`
}

// ScheduleSessionRequest is the body for POST /sessions/schedule.
type ScheduleSessionRequest struct {
	CreateSessionRequest
	ScheduledStartAt time.Time `json:"scheduled_start_at" binding:"required"`
}

// EndSessionRequest is the body for POST /sessions/:id/end.
type EndSessionRequest struct {
	Reason     string `json:"reason"`
	SaveReplay bool   `json:"save_replay"`
}

// CancelSessionRequest is the body for POST /sessions/:id/cancel.
type CancelSessionRequest struct {
	Reason string `json:"reason"`
}

// CommentRequest is the body for POST /sessions/:id/comments.
type CommentRequest struct {
	AuthorName string `json:"author_name"`
	Content    string `json:"content" binding:"required"`
}

// SessionView is a stored session plus this instance's live counters.
type SessionView struct {
	Session *models.LiveSession `json:"session"`
	Live    *presence.Snapshot  `json:"live,omitempty"`
}

func (r CreateSessionRequest) params(broadcasterID uuid.UUID) livesession.CreateParams {
	return livesession.CreateParams{
		BroadcasterID: broadcasterID,
		ChannelID:     r.ChannelID,
		Title:         r.Title,
		Description:   r.Description,
		ProductID:     r.ProductID,
		Tags:          r.Tags,
	}
}

// CreateSession handles POST /sessions. A 409 carries resume_session_id when the caller already has an open session.
func (h *Handler) CreateSession(c *gin.Context) {
	var req CreateSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "invalid request: "+err.Error())
		return
	}
	id, err := h.sessions.CreateSession(c.Request.Context(), req.params(actorID(c)))
	if err != nil {
		h.fail(c, "create session", err)
		return
	}
	response.Created(c, gin.H{"id": id, "status": models.SessionStarting})
}

// ScheduleSession handles POST /sessions/schedule.
func (h *Handler) ScheduleSession(c *gin.Context) {
	var req ScheduleSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "invalid request: "+err.Error())
		return
	}
	id, err := h.sessions.ScheduleSession(c.Request.Context(), req.params(actorID(c)), req.ScheduledStartAt)
	if err != nil {
		h.fail(c, "schedule session", err)
		return
	}
	response.Created(c, gin.H{"id": id, "status": models.SessionSetup})
}

// ResumeCandidate handles GET /sessions/resume.
func (h *Handler) ResumeCandidate(c *gin.Context) {
	id, err := h.sessions.ResumeCandidate(c.Request.Context(), actorID(c))
	if err != nil {
		h.fail(c, "resume candidate", err)
		return
	}
	response.OK(c, gin.H{"session_id": id})
}

// GetSession handles GET /sessions/:id.
func (h *Handler) GetSession(c *gin.Context) {
	id, ok := paramID(c, "session")
	if !ok {
		return
	}
	s, err := h.sessions.Get(c.Request.Context(), id)
	if err != nil {
		h.fail(c, "get session", err)
		return
	}
	view := SessionView{Session: s}
	if snap, ok := h.presence.Snapshot(id); ok {
		view.Live = &snap
	}
	response.OK(c, view)
}

// StartSession handles POST /sessions/:id/start.
func (h *Handler) StartSession(c *gin.Context) {
	s, ok := h.ownedSession(c)
	if !ok {
		return
	}
	if err := h.sessions.StartSession(c.Request.Context(), s.ID); err != nil {
		h.fail(c, "start session", err)
		return
	}
	response.OK(c, gin.H{"id": s.ID, "status": models.SessionStarting})
}

// MarkLive handles POST /sessions/:id/live for transports that cannot reach the signal endpoints.
func (h *Handler) MarkLive(c *gin.Context) {
	s, ok := h.ownedSession(c)
	if !ok {
		return
	}
	if err := h.sessions.MarkLive(c.Request.Context(), s.ID); err != nil {
		h.fail(c, "mark live", err)
		return
	}
	response.OK(c, gin.H{"id": s.ID, "status": models.SessionLive})
}

// EndSession handles POST /sessions/:id/end. Repeating it returns the same summary.
func (h *Handler) EndSession(c *gin.Context) {
	s, ok := h.ownedSession(c)
	if !ok {
		return
	}
	var req EndSessionRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			response.BadRequest(c, "invalid request: "+err.Error())
			return
		}
	}
	summary, err := h.sessions.EndSession(c.Request.Context(), s.ID, req.Reason, req.SaveReplay)
	if err != nil {
		h.fail(c, "end session", err)
		return
	}
	response.OK(c, summary)
}

// CancelSession handles POST /sessions/:id/cancel.
func (h *Handler) CancelSession(c *gin.Context) {
	s, ok := h.ownedSession(c)
	if !ok {
		return
	}
	var req CancelSessionRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			response.BadRequest(c, "invalid request: "+err.Error())
			return
		}
	}
	if err := h.sessions.CancelSession(c.Request.Context(), s.ID, req.Reason); err != nil {
		h.fail(c, "cancel session", err)
		return
	}
	response.OK(c, gin.H{"id": s.ID, "status": models.SessionCancelled})
}

// GetSummary handles GET /sessions/:id/summary.
func (h *Handler) GetSummary(c *gin.Context) {
	s, ok := h.ownedSession(c)
	if !ok {
		return
	}
	summary, err := h.summaries.GetSummary(c.Request.Context(), s.ID)
	if err != nil {
		h.fail(c, "get summary", err)
		return
	}
	if summary == nil {
		response.NotFound(c, "summary not available")
		return
	}
	response.OK(c, summary)
}

// ReplayURL handles GET /sessions/:id/replay-url.
func (h *Handler) ReplayURL(c *gin.Context) {
	s, ok := h.ownedSession(c)
	if !ok {
		return
	}
	if h.replays == nil || s.ReplayKey == "" {
		response.NotFound(c, "replay not available")
		return
	}
	url, err := h.replays.GeneratePresignedDownloadURL(c.Request.Context(), h.replays.ReplaysBucket(), s.ReplayKey, h.replays.PresignExpire())
	if err != nil {
		h.fail(c, "presign replay", err)
		return
	}
	response.OK(c, gin.H{"url": url, "key": s.ReplayKey})
}

// ListComments handles GET /sessions/:id/comments.
func (h *Handler) ListComments(c *gin.Context) {
	id, ok := paramID(c, "session")
	if !ok {
		return
	}
	response.OK(c, gin.H{"comments": h.presence.RecentComments(id)})
}

// PostComment handles POST /sessions/:id/comments.
func (h *Handler) PostComment(c *gin.Context) {
	id, ok := paramID(c, "session")
	if !ok {
		return
	}
	var req CommentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "invalid request: "+err.Error())
		return
	}
	if req.AuthorName == "" {
		req.AuthorName = c.GetString(middleware.ContextUserName)
	}
	comment, err := h.presence.PostComment(c.Request.Context(), id, req.AuthorName, req.Content)
	if err != nil {
		h.fail(c, "post comment", err)
		return
	}
	response.Created(c, comment)
}

// Heartbeat handles POST /sessions/:id/heartbeat for the calling viewer.
func (h *Handler) Heartbeat(c *gin.Context) {
	id, ok := paramID(c, "session")
	if !ok {
		return
	}
	if err := h.presence.Heartbeat(c.Request.Context(), id, actorID(c).String()); err != nil {
		h.fail(c, "heartbeat", err)
		return
	}
	response.NoContent(c)
}

// Viewers handles GET /sessions/:id/viewers.
func (h *Handler) Viewers(c *gin.Context) {
	id, ok := paramID(c, "session")
	if !ok {
		return
	}
	response.OK(c, gin.H{
		"current": h.presence.CurrentViewerCount(id),
		"peak":    h.presence.PeakViewerCount(id),
	})
}
