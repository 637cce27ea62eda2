package api

import (
	"github.com/gin-gonic/gin"

	"github.com/aura-kitchen/livecommerce/pkg/response"
)

// TransportSignalRequest is the body for the media transport webhooks.
type TransportSignalRequest struct {
	ChannelID string `json:"channel_id" binding:"required"`
}

// FirstFrame handles POST /transport/first-frame: the channel's media started flowing.
func (h *Handler) FirstFrame(c *gin.Context) {
	var req TransportSignalRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "invalid request: "+err.Error())
		return
	}
	id, err := h.sessions.HandleFirstFrame(c.Request.Context(), req.ChannelID)
	if err != nil {
		h.fail(c, "first frame", err)
		return
	}
	response.OK(c, gin.H{"session_id": id})
}

// TransportLost handles POST /transport/lost: the channel's media transport dropped.
func (h *Handler) TransportLost(c *gin.Context) {
	var req TransportSignalRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "invalid request: "+err.Error())
		return
	}
	id, err := h.sessions.HandleTransportLost(c.Request.Context(), req.ChannelID)
	if err != nil {
		h.fail(c, "transport lost", err)
		return
	}
	response.OK(c, gin.H{"session_id": id})
}
