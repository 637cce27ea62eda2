package api

import (
	"github.com/gin-gonic/gin"

	"github.com/aura-kitchen/livecommerce/internal/apperr"
	"github.com/aura-kitchen/livecommerce/internal/models"
	"github.com/aura-kitchen/livecommerce/internal/orders"
	"github.com/aura-kitchen/livecommerce/pkg/response"
)

// PlaceOrderRequest is the body for POST /sessions/:id/orders.
type PlaceOrderRequest struct {
	Items       []models.LineItem `json:"items" binding:"required"`
	TotalAmount int64             `json:"total_amount"`
	Currency    string            `json:"currency"`
}

// DecisionRequest is the body for POST /orders/:id/decision.
type DecisionRequest struct {
	Decision string `json:"decision" binding:"required"`
}

// AdvanceRequest is the body for POST /orders/:id/advance.
type AdvanceRequest struct {
	Status string `json:"status" binding:"required"`
}

// PlaceOrder handles POST /sessions/:id/orders (viewer buys during a live session).
func (h *Handler) PlaceOrder(c *gin.Context) {
	sessionID, ok := paramID(c, "session")
	if !ok {
		return
	}
	var req PlaceOrderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "invalid request: "+err.Error())
		return
	}
	id, err := h.orders.PlaceOrder(c.Request.Context(), orders.PlaceParams{
		SessionID:   sessionID,
		PurchaserID: actorID(c),
		Items:       req.Items,
		TotalAmount: req.TotalAmount,
		Currency:    req.Currency,
	})
	if err != nil {
		h.fail(c, "place order", err)
		return
	}
	response.Created(c, gin.H{"id": id, "status": models.OrderPending})
}

// ListOrders handles GET /sessions/:id/orders (broadcaster dashboard).
func (h *Handler) ListOrders(c *gin.Context) {
	s, ok := h.ownedSession(c)
	if !ok {
		return
	}
	list, pending, err := h.orders.ListOrders(c.Request.Context(), s.ID)
	if err != nil {
		h.fail(c, "list orders", err)
		return
	}
	response.OK(c, gin.H{"orders": list, "pending_count": pending})
}

// DecideOrder handles POST /orders/:id/decision.
func (h *Handler) DecideOrder(c *gin.Context) {
	orderID, ok := paramID(c, "order")
	if !ok {
		return
	}
	var req DecisionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "invalid request: "+err.Error())
		return
	}
	o, err := h.orders.DecideOrder(c.Request.Context(), orderID, orders.Decision(req.Decision), actorID(c))
	if err != nil {
		h.fail(c, "decide order", err)
		return
	}
	response.OK(c, o)
}

// AdvanceOrder handles POST /orders/:id/advance.
func (h *Handler) AdvanceOrder(c *gin.Context) {
	orderID, ok := paramID(c, "order")
	if !ok {
		return
	}
	var req AdvanceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "invalid request: "+err.Error())
		return
	}
	next := models.OrderStatus(req.Status)
	if !next.Valid() {
		response.Error(c, apperr.Invalid("unknown order status %q", req.Status))
		return
	}
	o, err := h.orders.AdvanceOrder(c.Request.Context(), orderID, next, actorID(c))
	if err != nil {
		h.fail(c, "advance order", err)
		return
	}
	response.OK(c, o)
}

// GetOrder handles GET /orders/:id for the purchaser or the broadcaster.
func (h *Handler) GetOrder(c *gin.Context) {
	orderID, ok := paramID(c, "order")
	if !ok {
		return
	}
	o, err := h.orders.GetOrder(c.Request.Context(), orderID)
	if err != nil {
		h.fail(c, "get order", err)
		return
	}
	if actor := actorID(c); actor != o.PurchaserID && actor != o.BroadcasterID {
		response.Error(c, apperr.ErrNotAuthorized)
		return
	}
	response.OK(c, o)
}
