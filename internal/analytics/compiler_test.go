package analytics

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aura-kitchen/livecommerce/internal/apperr"
	"github.com/aura-kitchen/livecommerce/internal/memstore"
	"github.com/aura-kitchen/livecommerce/internal/models"
)

func endedSession(t *testing.T, store *memstore.Sessions, channel string) *models.LiveSession {
	t.Helper()
	ctx := context.Background()
	start := time.Date(2026, 3, 14, 19, 0, 0, 0, time.UTC)
	s := &models.LiveSession{
		ID:            uuid.New(),
		ChannelID:     channel,
		BroadcasterID: uuid.New(),
		Title:         "Thali hour",
		Status:        models.SessionStarting,
		CreatedAt:     start.Add(-time.Minute),
	}
	require.NoError(t, store.Create(ctx, s))
	for _, step := range []struct {
		from, to models.SessionStatus
		at       time.Time
		reason   string
	}{
		{models.SessionStarting, models.SessionLive, start, ""},
		{models.SessionLive, models.SessionEnding, start.Add(90 * time.Minute), "ended_by_broadcaster"},
		{models.SessionEnding, models.SessionEnded, start.Add(90*time.Minute + time.Second), ""},
	} {
		ok, err := store.UpdateStatus(ctx, s.ID, step.from, step.to, step.reason, step.at)
		require.NoError(t, err)
		require.True(t, ok)
	}
	require.NoError(t, store.UpdateCounters(ctx, s.ID, models.CounterDelta{PeakViewers: 40, TotalViewers: 75, TotalComments: 210}))
	return s
}

func addOrder(t *testing.T, ledger *memstore.Orders, s *models.LiveSession, status models.OrderStatus, amount int64) {
	t.Helper()
	require.NoError(t, ledger.Create(context.Background(), &models.Order{
		ID:            uuid.New(),
		SessionID:     s.ID,
		ChannelID:     s.ChannelID,
		BroadcasterID: s.BroadcasterID,
		Status:        status,
		TotalAmount:   amount,
	}))
}

func TestCompileCountsOrdersOfThisSessionOnly(t *testing.T) {
	ctx := context.Background()
	sessions := memstore.NewSessions()
	ledger := memstore.NewOrders()

	earlier := endedSession(t, sessions, "kitchen-1")
	addOrder(t, ledger, earlier, models.OrderDelivered, 99900)

	s := endedSession(t, sessions, "kitchen-1")
	addOrder(t, ledger, s, models.OrderConfirmed, 30000)
	addOrder(t, ledger, s, models.OrderDelivered, 12000)
	addOrder(t, ledger, s, models.OrderCancelled, 5000)
	addOrder(t, ledger, s, models.OrderPending, 7000)

	withdrawn := uuid.Nil
	require.NoError(t, ledger.Create(ctx, &models.Order{
		ID:        uuid.New(),
		SessionID: s.ID,
		ChannelID: s.ChannelID,
		Status:    models.OrderCancelled,
		DecidedBy: &withdrawn,
	}))

	sum, err := NewCompiler(sessions, ledger).Compile(ctx, s.ID)
	require.NoError(t, err)

	assert.Equal(t, 4, sum.TotalOrders)
	assert.Equal(t, 2, sum.ConfirmedOrders)
	assert.Equal(t, 1, sum.CancelledOrders)
	assert.Equal(t, 1, sum.PendingOrders)
	assert.Equal(t, int64(42000), sum.GrossAmount)
	assert.Equal(t, 40, sum.PeakViewers)
	assert.Equal(t, 75, sum.TotalViewers)
	assert.Equal(t, int64(210), sum.TotalComments)
	assert.Equal(t, int64(90*60+1), sum.DurationSeconds)
	assert.Equal(t, "ended_by_broadcaster", sum.EndReason)
	assert.Equal(t, sum.EndedAt, sum.CompiledAt)
}

func TestCompileIsDeterministic(t *testing.T) {
	ctx := context.Background()
	sessions := memstore.NewSessions()
	ledger := memstore.NewOrders()
	s := endedSession(t, sessions, "kitchen-2")
	addOrder(t, ledger, s, models.OrderConfirmed, 1000)
	c := NewCompiler(sessions, ledger)

	first, err := c.Compile(ctx, s.ID)
	require.NoError(t, err)
	second, err := c.Compile(ctx, s.ID)
	require.NoError(t, err)

	a, err := json.Marshal(first)
	require.NoError(t, err)
	b, err := json.Marshal(second)
	require.NoError(t, err)
	assert.Equal(t, string(a), string(b))
}

func TestCompileRequiresEndedSession(t *testing.T) {
	ctx := context.Background()
	sessions := memstore.NewSessions()
	live := &models.LiveSession{ID: uuid.New(), ChannelID: "kitchen-3", BroadcasterID: uuid.New(), Status: models.SessionLive}
	require.NoError(t, sessions.Create(ctx, live))
	c := NewCompiler(sessions, memstore.NewOrders())

	_, err := c.Compile(ctx, live.ID)
	assert.ErrorIs(t, err, apperr.ErrInvalidTransition)

	_, err = c.Compile(ctx, uuid.New())
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}
