package orders

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aura-kitchen/livecommerce/internal/apperr"
	"github.com/aura-kitchen/livecommerce/internal/memstore"
	"github.com/aura-kitchen/livecommerce/internal/models"
	"github.com/aura-kitchen/livecommerce/internal/realtime"
)

type recorder struct {
	mu     sync.Mutex
	events []realtime.Event
}

func (r *recorder) Publish(e realtime.Event) {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
}

func (r *recorder) last(name string) (realtime.Event, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := len(r.events) - 1; i >= 0; i-- {
		if r.events[i].Name == name {
			return r.events[i], true
		}
	}
	return realtime.Event{}, false
}

type fixture struct {
	sessions *memstore.Sessions
	ledger   *memstore.Orders
	events   *recorder
	coord    *Coordinator
}

func newFixture() *fixture {
	f := &fixture{
		sessions: memstore.NewSessions(),
		ledger:   memstore.NewOrders(),
		events:   &recorder{},
	}
	f.coord = NewCoordinator(f.sessions, f.ledger, f.events, nil)
	return f
}

func (f *fixture) session(t *testing.T, status models.SessionStatus) *models.LiveSession {
	t.Helper()
	s := &models.LiveSession{
		ID:            uuid.New(),
		ChannelID:     "kitchen-" + uuid.NewString()[:8],
		BroadcasterID: uuid.New(),
		Title:         "Dosa live",
		Status:        status,
		CreatedAt:     time.Now().UTC(),
	}
	require.NoError(t, f.sessions.Create(context.Background(), s))
	return s
}

func oneItem(price int64) ([]models.LineItem, int64) {
	return []models.LineItem{{ProductID: uuid.New(), Quantity: 2, UnitPrice: price}}, 2 * price
}

func (f *fixture) place(t *testing.T, s *models.LiveSession) uuid.UUID {
	t.Helper()
	items, total := oneItem(18000)
	id, err := f.coord.PlaceOrder(context.Background(), PlaceParams{
		SessionID:   s.ID,
		PurchaserID: uuid.New(),
		Items:       items,
		TotalAmount: total,
	})
	require.NoError(t, err)
	return id
}

func TestPlaceOrderOnLiveSession(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	s := f.session(t, models.SessionLive)

	id := f.place(t, s)

	o, err := f.coord.GetOrder(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.OrderPending, o.Status)
	assert.Equal(t, DefaultCurrency, o.Currency)
	assert.Equal(t, s.BroadcasterID, o.BroadcasterID)
	assert.Equal(t, s.ChannelID, o.ChannelID)

	_, ok := f.events.last(realtime.EventOrderCreated)
	assert.True(t, ok)
	e, ok := f.events.last(realtime.EventPendingCount)
	require.True(t, ok)
	assert.JSONEq(t, `{"pending":1}`, string(e.Data))
}

func TestPlaceOrderRequiresLiveSession(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	items, total := oneItem(100)

	for _, st := range []models.SessionStatus{models.SessionStarting, models.SessionEnding, models.SessionEnded, models.SessionCancelled} {
		s := f.session(t, st)
		_, err := f.coord.PlaceOrder(ctx, PlaceParams{SessionID: s.ID, PurchaserID: uuid.New(), Items: items, TotalAmount: total})
		assert.ErrorIs(t, err, apperr.ErrSessionNotLive, st)
	}

	_, err := f.coord.PlaceOrder(ctx, PlaceParams{SessionID: uuid.New(), PurchaserID: uuid.New(), Items: items, TotalAmount: total})
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestPlaceOrderValidation(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	s := f.session(t, models.SessionLive)
	items, total := oneItem(500)

	tests := []struct {
		name string
		p    PlaceParams
	}{
		{"no purchaser", PlaceParams{SessionID: s.ID, Items: items, TotalAmount: total}},
		{"no items", PlaceParams{SessionID: s.ID, PurchaserID: uuid.New()}},
		{"zero quantity", PlaceParams{SessionID: s.ID, PurchaserID: uuid.New(), Items: []models.LineItem{{Quantity: 0, UnitPrice: 5}}}},
		{"total mismatch", PlaceParams{SessionID: s.ID, PurchaserID: uuid.New(), Items: items, TotalAmount: total + 1}},
		{"bad currency", PlaceParams{SessionID: s.ID, PurchaserID: uuid.New(), Items: items, TotalAmount: total, Currency: "rupees"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.coord.PlaceOrder(ctx, tt.p)
			assert.ErrorIs(t, err, apperr.ErrInvalidInput)
		})
	}
}

func TestConcurrentConfirmsHaveExactlyOneWinner(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	s := f.session(t, models.SessionLive)
	id := f.place(t, s)

	const n = 20
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		successes int
		conflicts int
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.coord.DecideOrder(ctx, id, DecisionConfirm, s.BroadcasterID)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				successes++
			case assert.ErrorIs(t, err, apperr.ErrInvalidTransition):
				conflicts++
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, successes)
	assert.Equal(t, n-1, conflicts)
	o, err := f.coord.GetOrder(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.OrderConfirmed, o.Status)
}

func TestDecideOrderOnlyByBroadcaster(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	s := f.session(t, models.SessionLive)
	id := f.place(t, s)

	_, err := f.coord.DecideOrder(ctx, id, DecisionConfirm, uuid.New())
	assert.ErrorIs(t, err, apperr.ErrNotAuthorized)

	_, err = f.coord.DecideOrder(ctx, id, Decision("maybe"), s.BroadcasterID)
	assert.ErrorIs(t, err, apperr.ErrInvalidInput)

	_, err = f.coord.DecideOrder(ctx, uuid.New(), DecisionConfirm, s.BroadcasterID)
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestRejectCancelsPendingOnly(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	s := f.session(t, models.SessionLive)
	id := f.place(t, s)

	o, err := f.coord.DecideOrder(ctx, id, DecisionReject, s.BroadcasterID)
	require.NoError(t, err)
	assert.Equal(t, models.OrderCancelled, o.Status)
	require.NotNil(t, o.DecidedBy)
	assert.Equal(t, s.BroadcasterID, *o.DecidedBy)

	_, err = f.coord.DecideOrder(ctx, id, DecisionConfirm, s.BroadcasterID)
	assert.ErrorIs(t, err, apperr.ErrInvalidTransition)

	e, ok := f.events.last(realtime.EventPendingCount)
	require.True(t, ok)
	assert.JSONEq(t, `{"pending":0}`, string(e.Data))
}

func TestAdvanceOrderFollowsFunnel(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	s := f.session(t, models.SessionLive)
	id := f.place(t, s)

	_, err := f.coord.AdvanceOrder(ctx, id, models.OrderConfirmed, s.BroadcasterID)
	require.NoError(t, err)

	_, err = f.coord.AdvanceOrder(ctx, id, models.OrderReady, s.BroadcasterID)
	assert.ErrorIs(t, err, apperr.ErrInvalidTransition, "skipping preparing")

	_, err = f.coord.AdvanceOrder(ctx, id, models.OrderCancelled, s.BroadcasterID)
	assert.ErrorIs(t, err, apperr.ErrInvalidTransition, "confirmed orders are not cancellable")

	for _, next := range []models.OrderStatus{models.OrderPreparing, models.OrderReady, models.OrderDelivered} {
		o, err := f.coord.AdvanceOrder(ctx, id, next, s.BroadcasterID)
		require.NoError(t, err)
		assert.Equal(t, next, o.Status)
	}

	_, err = f.coord.AdvanceOrder(ctx, id, models.OrderConfirmed, s.BroadcasterID)
	assert.ErrorIs(t, err, apperr.ErrInvalidTransition)

	_, err = f.coord.AdvanceOrder(ctx, id, models.OrderStatus("shipped"), s.BroadcasterID)
	assert.ErrorIs(t, err, apperr.ErrInvalidInput)
}

func TestListOrdersDerivesPendingCount(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	s := f.session(t, models.SessionLive)
	first := f.place(t, s)
	f.place(t, s)
	f.place(t, s)

	_, err := f.coord.DecideOrder(ctx, first, DecisionConfirm, s.BroadcasterID)
	require.NoError(t, err)

	list, pending, err := f.coord.ListOrders(ctx, s.ID)
	require.NoError(t, err)
	assert.Len(t, list, 3)
	assert.Equal(t, 2, pending)

	empty, pending, err := f.coord.ListOrders(ctx, uuid.New())
	require.NoError(t, err)
	assert.NotNil(t, empty)
	assert.Equal(t, 0, pending)
}

// endingDuringPlace reports the session live on the first read and ended afterwards.
type endingDuringPlace struct {
	*memstore.Sessions
	mu    sync.Mutex
	reads int
}

func (e *endingDuringPlace) GetByID(ctx context.Context, id uuid.UUID) (*models.LiveSession, error) {
	s, err := e.Sessions.GetByID(ctx, id)
	if err != nil || s == nil {
		return s, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.reads++
	if e.reads > 1 {
		s.Status = models.SessionEnded
	}
	return s, nil
}

func TestPlaceOrderWithdrawsOrderWhenSessionEndsMeanwhile(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	s := f.session(t, models.SessionLive)
	coord := NewCoordinator(&endingDuringPlace{Sessions: f.sessions}, f.ledger, f.events, nil)

	items, total := oneItem(9000)
	_, err := coord.PlaceOrder(ctx, PlaceParams{
		SessionID:   s.ID,
		PurchaserID: uuid.New(),
		Items:       items,
		TotalAmount: total,
		Currency:    "INR",
	})
	assert.ErrorIs(t, err, apperr.ErrSessionNotLive)

	list, err := f.ledger.ListBySession(ctx, s.ID)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, models.OrderCancelled, list[0].Status)
	assert.True(t, list[0].Withdrawn())
}
