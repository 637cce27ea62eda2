// Package analytics compiles and stores the post-session summary.
package analytics

import (
	"context"

	"github.com/google/uuid"

	"github.com/aura-kitchen/livecommerce/internal/apperr"
	"github.com/aura-kitchen/livecommerce/internal/models"
	"github.com/aura-kitchen/livecommerce/pkg/retry"
)

// SessionLookup reads final session state.
type SessionLookup interface {
	GetByID(ctx context.Context, id uuid.UUID) (*models.LiveSession, error)
}

// OrderLister reads the ledger by channel.
type OrderLister interface {
	ListByChannel(ctx context.Context, channelID string) ([]models.Order, error)
}

// Compiler derives a SessionSummary from stored state only, so repeated calls yield the same summary.
type Compiler struct {
	sessions SessionLookup
	orders   OrderLister
}

// NewCompiler creates a summary compiler.
func NewCompiler(sessions SessionLookup, orders OrderLister) *Compiler {
	return &Compiler{sessions: sessions, orders: orders}
}

// Compile builds the summary of an ended session.
func (c *Compiler) Compile(ctx context.Context, sessionID uuid.UUID) (*models.SessionSummary, error) {
	s, err := retry.Read(ctx, func() (*models.LiveSession, error) { return c.sessions.GetByID(ctx, sessionID) })
	if err != nil {
		return nil, err
	}
	if s == nil {
		return nil, apperr.ErrNotFound
	}
	if s.Status != models.SessionEnded || s.EndedAt == nil {
		return nil, apperr.Transition("summary", s.Status, models.SessionEnded)
	}
	list, err := retry.Read(ctx, func() ([]models.Order, error) { return c.orders.ListByChannel(ctx, s.ChannelID) })
	if err != nil {
		return nil, err
	}

	endedAt := s.EndedAt.UTC()
	sum := &models.SessionSummary{
		SessionID:     s.ID,
		ChannelID:     s.ChannelID,
		BroadcasterID: s.BroadcasterID,
		EndedAt:       endedAt,
		PeakViewers:   s.PeakViewers,
		TotalViewers:  s.TotalViewers,
		TotalComments: s.TotalComments,
		EndReason:     s.EndReason,
		CompiledAt:    endedAt,
	}
	if s.StartedAt != nil {
		startedAt := s.StartedAt.UTC()
		sum.StartedAt = &startedAt
		if endedAt.After(startedAt) {
			sum.DurationSeconds = int64(endedAt.Sub(startedAt).Seconds())
		}
	}
	// A channel id is reused across sessions.
	for _, o := range list {
		if o.SessionID != s.ID || o.Withdrawn() {
			continue
		}
		sum.TotalOrders++
		switch {
		case o.Status == models.OrderPending:
			sum.PendingOrders++
		case o.Status == models.OrderCancelled:
			sum.CancelledOrders++
		case o.Status.Accepted():
			sum.ConfirmedOrders++
			sum.GrossAmount += o.TotalAmount
		}
	}
	return sum, nil
}
