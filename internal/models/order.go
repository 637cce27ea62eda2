package models

import (
	"time"

	"github.com/google/uuid"
)

// OrderStatus is a position in the order funnel.
type OrderStatus string

const (
	OrderPending   OrderStatus = "pending"
	OrderConfirmed OrderStatus = "confirmed"
	OrderPreparing OrderStatus = "preparing"
	OrderReady     OrderStatus = "ready"
	OrderDelivered OrderStatus = "delivered"
	OrderCancelled OrderStatus = "cancelled"
)

var orderFunnel = map[OrderStatus]OrderStatus{
	OrderPending:   OrderConfirmed,
	OrderConfirmed: OrderPreparing,
	OrderPreparing: OrderReady,
	OrderReady:     OrderDelivered,
}

// Next returns the funnel successor of s.
func (s OrderStatus) Next() (OrderStatus, bool) {
	n, ok := orderFunnel[s]
	return n, ok
}

// Terminal reports whether the order can no longer move.
func (s OrderStatus) Terminal() bool {
	return s == OrderDelivered || s == OrderCancelled
}

// Accepted reports whether the broadcaster confirmed the order at some point.
func (s OrderStatus) Accepted() bool {
	switch s {
	case OrderConfirmed, OrderPreparing, OrderReady, OrderDelivered:
		return true
	}
	return false
}

// Valid reports whether s is a known status.
func (s OrderStatus) Valid() bool {
	return s == OrderCancelled || s == OrderDelivered || orderFunnel[s] != ""
}

// CanTransitionOrder reports whether from -> to is allowed: the funnel successor, or pending -> cancelled.
func CanTransitionOrder(from, to OrderStatus) bool {
	if from == OrderPending && to == OrderCancelled {
		return true
	}
	next, ok := from.Next()
	return ok && next == to
}

// LineItem is one product line of an order. Amounts are minor currency units.
type LineItem struct {
	ProductID uuid.UUID `json:"product_id"`
	Quantity  int       `json:"quantity"`
	UnitPrice int64     `json:"unit_price"`
}

// Order is a commerce event bound to a live session.
type Order struct {
	ID            uuid.UUID   `json:"id"`
	SessionID     uuid.UUID   `json:"session_id"`
	ChannelID     string      `json:"channel_id"`
	PurchaserID   uuid.UUID   `json:"purchaser_id"`
	BroadcasterID uuid.UUID   `json:"broadcaster_id"`
	Status        OrderStatus `json:"status"`
	TotalAmount   int64       `json:"total_amount"`
	Currency      string      `json:"currency"`
	Items         []LineItem  `json:"items"`
	DecidedBy     *uuid.UUID  `json:"decided_by,omitempty"`
	CreatedAt     time.Time   `json:"created_at"`
	UpdatedAt     time.Time   `json:"updated_at"`
}

// Withdrawn reports whether the order was cancelled by the system rather than the broadcaster.
// It is set on orders that reached the ledger after their session ended.
func (o *Order) Withdrawn() bool {
	return o.Status == OrderCancelled && o.DecidedBy != nil && *o.DecidedBy == uuid.Nil
}

// ItemsTotal sums quantity * unit price over items.
func ItemsTotal(items []LineItem) int64 {
	var total int64
	for _, it := range items {
		total += int64(it.Quantity) * it.UnitPrice
	}
	return total
}
