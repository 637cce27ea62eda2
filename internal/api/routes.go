package api

import (
	"github.com/gin-gonic/gin"

	"github.com/aura-kitchen/livecommerce/internal/auth"
	"github.com/aura-kitchen/livecommerce/internal/middleware"
	"github.com/aura-kitchen/livecommerce/pkg/response"
)

// RegisterRoutes mounts the HTTP surface on router. ws may be nil, and the
// transport signal endpoints are only mounted when transportSecret is set.
func RegisterRoutes(router *gin.Engine, h *Handler, jwtService *auth.JWTService, ws gin.HandlerFunc, transportSecret string) {
	// Health
	router.GET("/health", func(c *gin.Context) { response.OK(c, gin.H{"status": "ok"}) })

	// Protected API (JWT required)
	api := router.Group("")
	api.Use(middleware.JWT(jwtService))
	{
		// Sessions
		api.POST("/sessions", middleware.RequireRole(auth.RoleBroadcaster, auth.RoleAdmin), h.CreateSession)
		api.POST("/sessions/schedule", middleware.RequireRole(auth.RoleBroadcaster, auth.RoleAdmin), h.ScheduleSession)
		api.GET("/sessions/resume", h.ResumeCandidate)
		api.GET("/sessions/:id", h.GetSession)
		api.POST("/sessions/:id/start", h.StartSession)
		api.POST("/sessions/:id/live", h.MarkLive)
		api.POST("/sessions/:id/end", h.EndSession)
		api.POST("/sessions/:id/cancel", h.CancelSession)
		api.GET("/sessions/:id/summary", h.GetSummary)
		api.GET("/sessions/:id/replay-url", h.ReplayURL)

		// Audience
		api.GET("/sessions/:id/comments", h.ListComments)
		api.POST("/sessions/:id/comments", h.PostComment)
		api.POST("/sessions/:id/heartbeat", h.Heartbeat)
		api.GET("/sessions/:id/viewers", h.Viewers)

		// Orders
		api.POST("/sessions/:id/orders", h.PlaceOrder)
		api.GET("/sessions/:id/orders", h.ListOrders)
		api.GET("/orders/:id", h.GetOrder)
		api.POST("/orders/:id/decision", h.DecideOrder)
		api.POST("/orders/:id/advance", h.AdvanceOrder)
	}

	// Media transport signals (shared secret; no JWT)
	if transportSecret != "" {
		transport := router.Group("/transport")
		transport.Use(middleware.TransportSecret(transportSecret))
		{
			transport.POST("/first-frame", h.FirstFrame)
			transport.POST("/lost", h.TransportLost)
		}
	}

	// WebSocket (token in query; no Authorization header required)
	if ws != nil {
		router.GET("/ws", ws)
	}
}
