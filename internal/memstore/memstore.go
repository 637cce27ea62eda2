// Package memstore keeps sessions, orders and summaries in process memory.
// It enforces the same uniqueness and compare-and-swap rules as the PostgreSQL
// schema and is used for single-instance deployments and tests.
package memstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/aura-kitchen/livecommerce/internal/apperr"
	"github.com/aura-kitchen/livecommerce/internal/models"
)

// Sessions is an in-memory session store.
type Sessions struct {
	mu   sync.Mutex
	byID map[uuid.UUID]*models.LiveSession
}

// NewSessions creates an empty session store.
func NewSessions() *Sessions {
	return &Sessions{byID: make(map[uuid.UUID]*models.LiveSession)}
}

func copySession(s *models.LiveSession) *models.LiveSession {
	c := *s
	c.Tags = append([]string(nil), s.Tags...)
	if c.Tags == nil {
		c.Tags = []string{}
	}
	return &c
}

func holdsChannel(st models.SessionStatus) bool {
	return st == models.SessionStarting || st == models.SessionLive
}

// conflictLocked mirrors the partial unique indexes on live_sessions.
func (m *Sessions) conflictLocked(self uuid.UUID, broadcasterID uuid.UUID, channelID string, status models.SessionStatus) error {
	for _, other := range m.byID {
		if other.ID == self || other.Status.Terminal() {
			continue
		}
		if other.BroadcasterID == broadcasterID && self == uuid.Nil {
			return &apperr.ConflictError{SessionID: other.ID, Reason: "broadcaster has an open session"}
		}
		if holdsChannel(status) && holdsChannel(other.Status) && other.ChannelID == channelID {
			return &apperr.ConflictError{SessionID: other.ID, Reason: "channel is busy"}
		}
	}
	return nil
}

// Create stores a copy of s, enforcing one open session per broadcaster and per channel.
func (m *Sessions) Create(_ context.Context, s *models.LiveSession) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.byID[s.ID]; ok {
		return &apperr.ConflictError{SessionID: s.ID, Reason: "duplicate id"}
	}
	if err := m.conflictLocked(uuid.Nil, s.BroadcasterID, s.ChannelID, s.Status); err != nil {
		return err
	}
	c := copySession(s)
	c.StatusChangedAt = c.CreatedAt
	m.byID[s.ID] = c
	return nil
}

// GetByID returns a copy of the session, or nil if it does not exist.
func (m *Sessions) GetByID(_ context.Context, id uuid.UUID) (*models.LiveSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.byID[id]
	if !ok {
		return nil, nil
	}
	return copySession(s), nil
}

// UpdateStatus moves the session from expected to next and stamps the transition times.
// It reports false when the current status is not expected.
func (m *Sessions) UpdateStatus(_ context.Context, id uuid.UUID, expected, next models.SessionStatus, reason string, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.byID[id]
	if !ok || s.Status != expected {
		return false, nil
	}
	if err := m.conflictLocked(s.ID, s.BroadcasterID, s.ChannelID, next); err != nil {
		return false, err
	}
	s.Status = next
	s.StatusChangedAt = at
	if reason != "" {
		s.EndReason = reason
	}
	switch next {
	case models.SessionLive:
		t := at
		s.StartedAt = &t
	case models.SessionEnded, models.SessionCancelled:
		t := at
		s.EndedAt = &t
	}
	return true, nil
}

// UpdateCounters sets the current viewer count, raises the peak and adds to the totals.
func (m *Sessions) UpdateCounters(_ context.Context, id uuid.UUID, d models.CounterDelta) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.byID[id]
	if !ok {
		return apperr.ErrNotFound
	}
	s.CurrentViewers = d.CurrentViewers
	if d.PeakViewers > s.PeakViewers {
		s.PeakViewers = d.PeakViewers
	}
	s.TotalViewers += d.TotalViewers
	s.TotalComments += d.TotalComments
	return nil
}

// ListOpenByBroadcaster returns the broadcaster's sessions that are not yet terminal.
func (m *Sessions) ListOpenByBroadcaster(_ context.Context, broadcasterID uuid.UUID) ([]models.LiveSession, error) {
	m.mu.Lock()
	var out []models.LiveSession
	for _, s := range m.byID {
		if s.BroadcasterID == broadcasterID && !s.Status.Terminal() {
			out = append(out, *copySession(s))
		}
	}
	m.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

// GetActiveByChannel returns the session currently holding channelID, or nil.
func (m *Sessions) GetActiveByChannel(_ context.Context, channelID string) (*models.LiveSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.byID {
		if s.ChannelID == channelID && holdsChannel(s.Status) {
			return copySession(s), nil
		}
	}
	return nil, nil
}

// ListStale returns sessions in status whose last transition was before changedBefore.
func (m *Sessions) ListStale(_ context.Context, status models.SessionStatus, changedBefore time.Time) ([]models.LiveSession, error) {
	m.mu.Lock()
	var out []models.LiveSession
	for _, s := range m.byID {
		if s.Status == status && s.StatusChangedAt.Before(changedBefore) {
			out = append(out, *copySession(s))
		}
	}
	m.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].StatusChangedAt.Before(out[j].StatusChangedAt) })
	return out, nil
}

// SetReplayKey records the replay object key for an ended session.
func (m *Sessions) SetReplayKey(_ context.Context, id uuid.UUID, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.byID[id]
	if !ok {
		return apperr.ErrNotFound
	}
	s.ReplayKey = key
	return nil
}

// Orders is an in-memory order ledger.
type Orders struct {
	mu   sync.Mutex
	byID map[uuid.UUID]*models.Order
	seq  []uuid.UUID
}

// NewOrders creates an empty ledger.
func NewOrders() *Orders {
	return &Orders{byID: make(map[uuid.UUID]*models.Order)}
}

func copyOrder(o *models.Order) *models.Order {
	c := *o
	c.Items = append([]models.LineItem(nil), o.Items...)
	if o.DecidedBy != nil {
		d := *o.DecidedBy
		c.DecidedBy = &d
	}
	return &c
}

// Create stores a copy of o. Creating an existing id is a no-op.
func (l *Orders) Create(_ context.Context, o *models.Order) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.byID[o.ID]; ok {
		return nil
	}
	l.byID[o.ID] = copyOrder(o)
	l.seq = append(l.seq, o.ID)
	return nil
}

// GetByID returns a copy of the order, or nil if it does not exist.
func (l *Orders) GetByID(_ context.Context, id uuid.UUID) (*models.Order, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	o, ok := l.byID[id]
	if !ok {
		return nil, nil
	}
	return copyOrder(o), nil
}

// CompareAndSwapStatus decides a pending order. It reports false when the order
// is missing or its status is not expected.
func (l *Orders) CompareAndSwapStatus(_ context.Context, id uuid.UUID, expected, next models.OrderStatus, actorID uuid.UUID, at time.Time) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	o, ok := l.byID[id]
	if !ok || o.Status != expected {
		return false, nil
	}
	o.Status = next
	actor := actorID
	o.DecidedBy = &actor
	o.UpdatedAt = at
	return true, nil
}

func (l *Orders) filter(keep func(*models.Order) bool) []models.Order {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []models.Order
	for _, id := range l.seq {
		if o := l.byID[id]; keep(o) {
			out = append(out, *copyOrder(o))
		}
	}
	return out
}

// ListBySession returns the orders placed against sessionID.
func (l *Orders) ListBySession(_ context.Context, sessionID uuid.UUID) ([]models.Order, error) {
	return l.filter(func(o *models.Order) bool { return o.SessionID == sessionID }), nil
}

// ListByChannel returns the orders of every session on channelID.
func (l *Orders) ListByChannel(_ context.Context, channelID string) ([]models.Order, error) {
	return l.filter(func(o *models.Order) bool { return o.ChannelID == channelID }), nil
}

// Summaries is an in-memory write-once summary store.
type Summaries struct {
	mu   sync.Mutex
	byID map[uuid.UUID]models.SessionSummary
}

// NewSummaries creates an empty summary store.
func NewSummaries() *Summaries {
	return &Summaries{byID: make(map[uuid.UUID]models.SessionSummary)}
}

// SaveSummary stores s unless a summary already exists for the session.
// It returns the stored summary and whether this call created it.
func (m *Summaries) SaveSummary(_ context.Context, s *models.SessionSummary) (*models.SessionSummary, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.byID[s.SessionID]; ok {
		return &existing, false, nil
	}
	m.byID[s.SessionID] = *s
	out := *s
	return &out, true, nil
}

// GetSummary returns the session's summary, or nil if none was stored.
func (m *Summaries) GetSummary(_ context.Context, sessionID uuid.UUID) (*models.SessionSummary, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.byID[sessionID]
	if !ok {
		return nil, nil
	}
	return &s, nil
}
