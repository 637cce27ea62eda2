// Package orders accepts viewer orders for live sessions and moves them through the funnel.
package orders

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/aura-kitchen/livecommerce/internal/apperr"
	"github.com/aura-kitchen/livecommerce/internal/models"
	"github.com/aura-kitchen/livecommerce/internal/realtime"
	"github.com/aura-kitchen/livecommerce/pkg/retry"
	"github.com/aura-kitchen/livecommerce/pkg/telemetry"
)

// DefaultCurrency is used when an order does not name one.
const DefaultCurrency = "INR"

// Decision is the broadcaster's answer to a pending order.
type Decision string

const (
	DecisionConfirm Decision = "confirm"
	DecisionReject  Decision = "reject"
)

// SessionLookup is the read side of the session store the coordinator needs.
type SessionLookup interface {
	GetByID(ctx context.Context, id uuid.UUID) (*models.LiveSession, error)
}

// Publisher fans events out to session subscribers.
type Publisher interface {
	Publish(e realtime.Event)
}

// PlaceParams describes a viewer order.
type PlaceParams struct {
	SessionID   uuid.UUID
	PurchaserID uuid.UUID
	Items       []models.LineItem
	TotalAmount int64
	Currency    string
}

// Coordinator owns order placement and broadcaster decisions. The ledger's
// compare-and-swap is the only arbiter between concurrent decisions.
type Coordinator struct {
	sessions SessionLookup
	ledger   Ledger
	events   Publisher
	logger   *zap.Logger
	tracer   trace.Tracer
	now      func() time.Time
}

// NewCoordinator creates an order coordinator.
func NewCoordinator(sessions SessionLookup, ledger Ledger, events Publisher, logger *zap.Logger) *Coordinator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Coordinator{
		sessions: sessions,
		ledger:   ledger,
		events:   events,
		logger:   logger,
		tracer:   otel.Tracer("livecommerce/orders"),
		now:      func() time.Time { return time.Now().UTC().Truncate(time.Microsecond) },
	}
}

func validateItems(p *PlaceParams) error {
	if p.PurchaserID == uuid.Nil {
		return apperr.Invalid("purchaser_id is required")
	}
	if len(p.Items) == 0 {
		return apperr.Invalid("order needs at least one item")
	}
	for i, it := range p.Items {
		if it.Quantity <= 0 {
			return apperr.Invalid("item %d: quantity must be positive", i)
		}
		if it.UnitPrice < 0 {
			return apperr.Invalid("item %d: unit price must not be negative", i)
		}
	}
	if sum := models.ItemsTotal(p.Items); sum != p.TotalAmount {
		return apperr.Invalid("total_amount %d does not match items total %d", p.TotalAmount, sum)
	}
	p.Currency = strings.ToUpper(strings.TrimSpace(p.Currency))
	if p.Currency == "" {
		p.Currency = DefaultCurrency
	}
	if len(p.Currency) != 3 {
		return apperr.Invalid("currency must be a 3-letter code")
	}
	return nil
}

// PlaceOrder persists a pending order on a live session and notifies the broadcaster.
func (c *Coordinator) PlaceOrder(ctx context.Context, p PlaceParams) (id uuid.UUID, err error) {
	ctx, span := c.tracer.Start(ctx, "orders.PlaceOrder", trace.WithAttributes(attribute.String("session_id", p.SessionID.String())))
	defer func() { telemetry.End(span, err) }()

	if err := validateItems(&p); err != nil {
		return uuid.Nil, err
	}
	s, err := retry.Read(ctx, func() (*models.LiveSession, error) { return c.sessions.GetByID(ctx, p.SessionID) })
	if err != nil {
		return uuid.Nil, err
	}
	if s == nil {
		return uuid.Nil, apperr.ErrNotFound
	}
	if s.Status != models.SessionLive {
		return uuid.Nil, apperr.ErrSessionNotLive
	}

	now := c.now()
	o := &models.Order{
		ID:            uuid.New(),
		SessionID:     s.ID,
		ChannelID:     s.ChannelID,
		PurchaserID:   p.PurchaserID,
		BroadcasterID: s.BroadcasterID,
		Status:        models.OrderPending,
		TotalAmount:   p.TotalAmount,
		Currency:      p.Currency,
		Items:         p.Items,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := retry.Once(ctx, func() error { return c.ledger.Create(ctx, o) }); err != nil {
		c.logger.Error("place order failed", zap.String("session_id", s.ID.String()), zap.Error(err))
		return uuid.Nil, err
	}
	// EndSession may have finished between the live check and the insert.
	if after, err := c.sessions.GetByID(ctx, s.ID); err == nil && after != nil && after.Status.Terminal() {
		if _, err := c.ledger.CompareAndSwapStatus(ctx, o.ID, models.OrderPending, models.OrderCancelled, uuid.Nil, c.now()); err != nil {
			c.logger.Error("withdraw late order failed", zap.String("order_id", o.ID.String()), zap.Error(err))
		}
		c.logger.Warn("order withdrawn: session ended while placing",
			zap.String("order_id", o.ID.String()),
			zap.String("session_id", s.ID.String()),
		)
		return uuid.Nil, apperr.ErrSessionNotLive
	}

	c.events.Publish(realtime.NewEvent(realtime.KindOrder, realtime.EventOrderCreated, s.ID, s.BroadcasterID, o))
	c.publishPendingCount(ctx, s.ID, s.BroadcasterID)
	c.logger.Info("order placed",
		zap.String("order_id", o.ID.String()),
		zap.String("session_id", s.ID.String()),
		zap.Int64("total_amount", o.TotalAmount),
	)
	return o.ID, nil
}

// DecideOrder confirms or rejects a pending order. Only the session's broadcaster may decide.
func (c *Coordinator) DecideOrder(ctx context.Context, orderID uuid.UUID, decision Decision, actorID uuid.UUID) (o *models.Order, err error) {
	ctx, span := c.tracer.Start(ctx, "orders.DecideOrder", trace.WithAttributes(
		attribute.String("order_id", orderID.String()),
		attribute.String("decision", string(decision)),
	))
	defer func() { telemetry.End(span, err) }()

	var target models.OrderStatus
	switch decision {
	case DecisionConfirm:
		target = models.OrderConfirmed
	case DecisionReject:
		target = models.OrderCancelled
	default:
		return nil, apperr.Invalid("decision must be confirm or reject")
	}
	o, err = c.loadForActor(ctx, orderID, actorID)
	if err != nil {
		return nil, err
	}
	if o.Status != models.OrderPending {
		return nil, apperr.Transition("order", o.Status, target)
	}
	return c.swap(ctx, o, target, actorID)
}

// AdvanceOrder moves a confirmed order one step along the funnel. Skips and backwards moves are rejected.
func (c *Coordinator) AdvanceOrder(ctx context.Context, orderID uuid.UUID, next models.OrderStatus, actorID uuid.UUID) (o *models.Order, err error) {
	ctx, span := c.tracer.Start(ctx, "orders.AdvanceOrder", trace.WithAttributes(
		attribute.String("order_id", orderID.String()),
		attribute.String("next", string(next)),
	))
	defer func() { telemetry.End(span, err) }()

	if !next.Valid() {
		return nil, apperr.Invalid("unknown order status %q", next)
	}
	o, err = c.loadForActor(ctx, orderID, actorID)
	if err != nil {
		return nil, err
	}
	if succ, ok := o.Status.Next(); !ok || succ != next {
		return nil, apperr.Transition("order", o.Status, next)
	}
	return c.swap(ctx, o, next, actorID)
}

func (c *Coordinator) loadForActor(ctx context.Context, orderID, actorID uuid.UUID) (*models.Order, error) {
	o, err := retry.Read(ctx, func() (*models.Order, error) { return c.ledger.GetByID(ctx, orderID) })
	if err != nil {
		return nil, err
	}
	if o == nil {
		return nil, apperr.ErrNotFound
	}
	if actorID != o.BroadcasterID {
		return nil, apperr.ErrNotAuthorized
	}
	return o, nil
}

func (c *Coordinator) swap(ctx context.Context, o *models.Order, next models.OrderStatus, actorID uuid.UUID) (*models.Order, error) {
	from := o.Status
	now := c.now()
	ok, err := retry.Read(ctx, func() (bool, error) {
		return c.ledger.CompareAndSwapStatus(ctx, o.ID, from, next, actorID, now)
	})
	if err != nil {
		return nil, err
	}
	if !ok {
		c.logger.Info("order transition lost race",
			zap.String("order_id", o.ID.String()),
			zap.String("from", string(from)),
			zap.String("to", string(next)),
		)
		return nil, apperr.Transition("order", from, next)
	}
	o.Status = next
	o.DecidedBy = &actorID
	o.UpdatedAt = now

	c.events.Publish(realtime.NewEvent(realtime.KindOrder, realtime.EventOrderUpdated, o.SessionID, o.BroadcasterID, o))
	c.publishPendingCount(ctx, o.SessionID, o.BroadcasterID)
	c.logger.Info("order updated",
		zap.String("order_id", o.ID.String()),
		zap.String("from", string(from)),
		zap.String("to", string(next)),
	)
	return o, nil
}

// PendingCount counts the session's pending orders. It is always read from the ledger.
func (c *Coordinator) PendingCount(ctx context.Context, sessionID uuid.UUID) (int, error) {
	list, err := retry.Read(ctx, func() ([]models.Order, error) { return c.ledger.ListBySession(ctx, sessionID) })
	if err != nil {
		return 0, err
	}
	return countPending(list), nil
}

func countPending(list []models.Order) int {
	n := 0
	for _, o := range list {
		if o.Status == models.OrderPending {
			n++
		}
	}
	return n
}

func (c *Coordinator) publishPendingCount(ctx context.Context, sessionID, broadcasterID uuid.UUID) {
	n, err := c.PendingCount(ctx, sessionID)
	if err != nil {
		c.logger.Warn("pending count unavailable", zap.String("session_id", sessionID.String()), zap.Error(err))
		return
	}
	c.events.Publish(realtime.NewEvent(realtime.KindOrder, realtime.EventPendingCount, sessionID, broadcasterID,
		map[string]int{"pending": n}))
}

// ListOrders returns a session's orders with the derived pending count.
func (c *Coordinator) ListOrders(ctx context.Context, sessionID uuid.UUID) ([]models.Order, int, error) {
	list, err := retry.Read(ctx, func() ([]models.Order, error) { return c.ledger.ListBySession(ctx, sessionID) })
	if err != nil {
		return nil, 0, err
	}
	if list == nil {
		list = []models.Order{}
	}
	return list, countPending(list), nil
}

// GetOrder returns one order.
func (c *Coordinator) GetOrder(ctx context.Context, id uuid.UUID) (*models.Order, error) {
	o, err := retry.Read(ctx, func() (*models.Order, error) { return c.ledger.GetByID(ctx, id) })
	if err != nil {
		return nil, err
	}
	if o == nil {
		return nil, apperr.ErrNotFound
	}
	return o, nil
}
