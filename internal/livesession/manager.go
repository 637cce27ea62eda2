// Package livesession owns the live session lifecycle: creation, going live,
// ending with a summary, cancellation and the stuck-session watchdog.
package livesession

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/aura-kitchen/livecommerce/internal/analytics"
	"github.com/aura-kitchen/livecommerce/internal/apperr"
	"github.com/aura-kitchen/livecommerce/internal/models"
	"github.com/aura-kitchen/livecommerce/internal/realtime"
	"github.com/aura-kitchen/livecommerce/internal/sessions"
	"github.com/aura-kitchen/livecommerce/pkg/retry"
	"github.com/aura-kitchen/livecommerce/pkg/telemetry"
)

// End and cancel reasons recorded on the session.
const (
	ReasonEndedByBroadcaster     = "ended_by_broadcaster"
	ReasonCancelledByBroadcaster = "cancelled_by_broadcaster"
	ReasonStartTimeout           = "start_timeout"
	ReasonTransportLost          = "transport_lost"
)

const maxTitleRunes = 200

// Aggregator is the presence side the lifecycle drives at session end.
type Aggregator interface {
	Drain(ctx context.Context, sessionID uuid.UUID) error
	Release(sessionID uuid.UUID)
	RecentComments(sessionID uuid.UUID) []models.Comment
}

// Compiler builds the post-session summary.
type Compiler interface {
	Compile(ctx context.Context, sessionID uuid.UUID) (*models.SessionSummary, error)
}

// ReplayRequester persists a replay of an ended session out of band.
type ReplayRequester interface {
	RequestReplay(ctx context.Context, s *models.LiveSession, summary *models.SessionSummary, comments []models.Comment) error
}

// Publisher fans events out to session subscribers.
type Publisher interface {
	Publish(e realtime.Event)
}

// Config holds watchdog timings.
type Config struct {
	StartGrace       time.Duration
	TransportGrace   time.Duration
	WatchdogInterval time.Duration
}

// CreateParams describes a new session.
type CreateParams struct {
	BroadcasterID uuid.UUID
	ChannelID     string
	Title         string
	Description   string
	ProductID     *uuid.UUID
	Tags          []string
}

type lostMark struct {
	sessionID uuid.UUID
	at        time.Time
}

// Manager runs the session state machine on top of the session store.
type Manager struct {
	store     sessions.Store
	summaries analytics.Store
	compiler  Compiler
	agg       Aggregator
	replay    ReplayRequester
	events    Publisher
	cfg       Config
	logger    *zap.Logger
	tracer    trace.Tracer
	now       func() time.Time

	broadcasters *keyedMutex
	ending       singleflight.Group

	lostMu sync.Mutex
	lost   map[string]lostMark // channel id -> transport lost report
}

// NewManager creates a lifecycle manager. replay may be nil when replays are not persisted.
func NewManager(store sessions.Store, summaries analytics.Store, compiler Compiler, agg Aggregator, replay ReplayRequester, events Publisher, cfg Config, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.StartGrace <= 0 {
		cfg.StartGrace = 2 * time.Minute
	}
	if cfg.TransportGrace <= 0 {
		cfg.TransportGrace = 45 * time.Second
	}
	if cfg.WatchdogInterval <= 0 {
		cfg.WatchdogInterval = 10 * time.Second
	}
	return &Manager{
		store:        store,
		summaries:    summaries,
		compiler:     compiler,
		agg:          agg,
		replay:       replay,
		events:       events,
		cfg:          cfg,
		logger:       logger,
		tracer:       otel.Tracer("livecommerce/livesession"),
		now:          func() time.Time { return time.Now().UTC().Truncate(time.Microsecond) },
		broadcasters: newKeyedMutex(),
		lost:         make(map[string]lostMark),
	}
}

func (p *CreateParams) normalize() error {
	p.ChannelID = strings.TrimSpace(p.ChannelID)
	p.Title = strings.TrimSpace(p.Title)
	p.Description = strings.TrimSpace(p.Description)
	if p.BroadcasterID == uuid.Nil {
		return apperr.Invalid("broadcaster_id is required")
	}
	if p.ChannelID == "" {
		return apperr.Invalid("channel_id is required")
	}
	if p.Title == "" {
		return apperr.Invalid("title is required")
	}
	if utf8.RuneCountInString(p.Title) > maxTitleRunes {
		return apperr.Invalid("title is longer than %d characters", maxTitleRunes)
	}
	p.Tags = models.NormalizeTags(p.Tags)
	return nil
}

func (m *Manager) load(ctx context.Context, id uuid.UUID) (*models.LiveSession, error) {
	s, err := retry.Read(ctx, func() (*models.LiveSession, error) { return m.store.GetByID(ctx, id) })
	if err != nil {
		return nil, err
	}
	if s == nil {
		return nil, apperr.ErrNotFound
	}
	return s, nil
}

// openConflict reports the broadcaster's open session, if any, as a resumable conflict.
func (m *Manager) openConflict(ctx context.Context, broadcasterID uuid.UUID) error {
	open, err := retry.Read(ctx, func() ([]models.LiveSession, error) {
		return m.store.ListOpenByBroadcaster(ctx, broadcasterID)
	})
	if err != nil {
		return err
	}
	if len(open) > 0 {
		return &apperr.ConflictError{SessionID: open[0].ID, Reason: "broadcaster has an open session"}
	}
	return nil
}

func (m *Manager) channelConflict(ctx context.Context, channelID string, broadcasterID uuid.UUID) error {
	active, err := retry.Read(ctx, func() (*models.LiveSession, error) { return m.store.GetActiveByChannel(ctx, channelID) })
	if err != nil {
		return err
	}
	if active == nil {
		return nil
	}
	conflict := &apperr.ConflictError{Reason: "channel is busy"}
	if active.BroadcasterID == broadcasterID {
		conflict.SessionID = active.ID
	}
	return conflict
}

// resolveConflict fills in the resumable session when the store's unique index rejected a write.
func (m *Manager) resolveConflict(ctx context.Context, err error, broadcasterID uuid.UUID) error {
	var conflict *apperr.ConflictError
	if !errors.As(err, &conflict) || conflict.SessionID != uuid.Nil {
		return err
	}
	if open := m.openConflict(ctx, broadcasterID); open != nil {
		var found *apperr.ConflictError
		if errors.As(open, &found) {
			return found
		}
	}
	return err
}

func (m *Manager) create(ctx context.Context, p CreateParams, status models.SessionStatus, scheduled *time.Time) (uuid.UUID, error) {
	if err := p.normalize(); err != nil {
		return uuid.Nil, err
	}
	unlock := m.broadcasters.Lock(p.BroadcasterID)
	defer unlock()

	if err := m.openConflict(ctx, p.BroadcasterID); err != nil {
		return uuid.Nil, err
	}
	if status == models.SessionStarting {
		if err := m.channelConflict(ctx, p.ChannelID, p.BroadcasterID); err != nil {
			return uuid.Nil, err
		}
	}

	now := m.now()
	s := &models.LiveSession{
		ID:               uuid.New(),
		ChannelID:        p.ChannelID,
		BroadcasterID:    p.BroadcasterID,
		ProductID:        p.ProductID,
		Title:            p.Title,
		Description:      p.Description,
		Tags:             p.Tags,
		Status:           status,
		ScheduledStartAt: scheduled,
		CreatedAt:        now,
		StatusChangedAt:  now,
	}
	if err := m.store.Create(ctx, s); err != nil {
		return uuid.Nil, m.resolveConflict(ctx, err, p.BroadcasterID)
	}
	m.logger.Info("session created",
		zap.String("session_id", s.ID.String()),
		zap.String("channel_id", s.ChannelID),
		zap.String("status", string(status)),
	)
	if status == models.SessionStarting {
		m.publish(s, realtime.EventSessionStarting, s)
	}
	return s.ID, nil
}

// CreateSession opens a session in starting. A broadcaster with an open session gets a
// *apperr.ConflictError naming it, so the client can offer to resume instead.
func (m *Manager) CreateSession(ctx context.Context, p CreateParams) (id uuid.UUID, err error) {
	ctx, span := m.tracer.Start(ctx, "livesession.CreateSession", trace.WithAttributes(attribute.String("channel_id", p.ChannelID)))
	defer func() { telemetry.End(span, err) }()
	return m.create(ctx, p, models.SessionStarting, nil)
}

// ScheduleSession records a session in setup for a later start.
func (m *Manager) ScheduleSession(ctx context.Context, p CreateParams, startAt time.Time) (uuid.UUID, error) {
	if startAt.IsZero() {
		return uuid.Nil, apperr.Invalid("scheduled_start_at is required")
	}
	at := startAt.UTC().Truncate(time.Microsecond)
	return m.create(ctx, p, models.SessionSetup, &at)
}

// StartSession moves a scheduled session to starting.
func (m *Manager) StartSession(ctx context.Context, id uuid.UUID) (err error) {
	ctx, span := m.tracer.Start(ctx, "livesession.StartSession", trace.WithAttributes(attribute.String("session_id", id.String())))
	defer func() { telemetry.End(span, err) }()

	s, err := m.load(ctx, id)
	if err != nil {
		return err
	}
	unlock := m.broadcasters.Lock(s.BroadcasterID)
	defer unlock()

	if s.Status != models.SessionSetup {
		return apperr.Transition("session", s.Status, models.SessionStarting)
	}
	if err := m.channelConflict(ctx, s.ChannelID, s.BroadcasterID); err != nil {
		return err
	}
	if err := m.transition(ctx, s, models.SessionSetup, models.SessionStarting, ""); err != nil {
		return m.resolveConflict(ctx, err, s.BroadcasterID)
	}
	m.publish(s, realtime.EventSessionStarting, s)
	return nil
}

// ResumeCandidate returns the broadcaster's most recent starting or live session, or nil.
func (m *Manager) ResumeCandidate(ctx context.Context, broadcasterID uuid.UUID) (*uuid.UUID, error) {
	open, err := retry.Read(ctx, func() ([]models.LiveSession, error) {
		return m.store.ListOpenByBroadcaster(ctx, broadcasterID)
	})
	if err != nil {
		return nil, err
	}
	for _, s := range open {
		if s.Status.Resumable() {
			id := s.ID
			return &id, nil
		}
	}
	return nil, nil
}

// Get returns a session.
func (m *Manager) Get(ctx context.Context, id uuid.UUID) (*models.LiveSession, error) {
	return m.load(ctx, id)
}

// transition applies a compare-and-swap and refreshes s on success.
// A lost swap is reported against the status the session actually has now.
func (m *Manager) transition(ctx context.Context, s *models.LiveSession, from, to models.SessionStatus, reason string) error {
	if !models.CanTransition(from, to) {
		return apperr.Transition("session", from, to)
	}
	at := m.now()
	attempts := 0
	ok, err := retry.Read(ctx, func() (bool, error) {
		attempts++
		return m.store.UpdateStatus(ctx, s.ID, from, to, reason, at)
	})
	if err != nil {
		return err
	}
	if ok {
		s.Status = to
		s.StatusChangedAt = at
		if reason != "" {
			s.EndReason = reason
		}
		switch to {
		case models.SessionLive:
			s.StartedAt = &at
		case models.SessionEnded, models.SessionCancelled:
			s.EndedAt = &at
		}
	} else {
		fresh, err := m.load(ctx, s.ID)
		if err != nil {
			return apperr.Transition("session", from, to)
		}
		// a retry can find the write of an attempt whose reply was lost
		if attempts == 1 || fresh.Status != to || !fresh.StatusChangedAt.Equal(at) {
			return apperr.Transition("session", fresh.Status, to)
		}
		*s = *fresh
	}
	m.logger.Info("session status changed",
		zap.String("session_id", s.ID.String()),
		zap.String("from", string(from)),
		zap.String("to", string(to)),
		zap.String("reason", reason),
	)
	return nil
}

func (m *Manager) publish(s *models.LiveSession, name string, payload interface{}) {
	m.events.Publish(realtime.NewEvent(realtime.KindLifecycle, name, s.ID, s.BroadcasterID, payload))
}

// MarkLive moves a starting session to live and stamps its start time.
func (m *Manager) MarkLive(ctx context.Context, id uuid.UUID) (err error) {
	ctx, span := m.tracer.Start(ctx, "livesession.MarkLive", trace.WithAttributes(attribute.String("session_id", id.String())))
	defer func() { telemetry.End(span, err) }()

	s, err := m.load(ctx, id)
	if err != nil {
		return err
	}
	if err := m.transition(ctx, s, models.SessionStarting, models.SessionLive, ""); err != nil {
		return err
	}
	m.clearLost(s.ChannelID, s.ID)
	m.publish(s, realtime.EventSessionLive, s)
	return nil
}

// EndSession ends a live session and returns its summary. Calling it again, or
// concurrently, returns the summary stored by the first call. A session left in
// ending by a crash is drained and finished.
func (m *Manager) EndSession(ctx context.Context, id uuid.UUID, reason string, saveReplay bool) (summary *models.SessionSummary, err error) {
	ctx, span := m.tracer.Start(ctx, "livesession.EndSession", trace.WithAttributes(
		attribute.String("session_id", id.String()),
		attribute.Bool("save_replay", saveReplay),
	))
	defer func() { telemetry.End(span, err) }()

	if reason = strings.TrimSpace(reason); reason == "" {
		reason = ReasonEndedByBroadcaster
	}
	v, err, shared := m.ending.Do(id.String(), func() (interface{}, error) {
		return m.endSession(ctx, id, reason, saveReplay)
	})
	if err != nil {
		return nil, err
	}
	if shared {
		m.logger.Debug("end session collapsed with in-flight call", zap.String("session_id", id.String()))
	}
	out := *v.(*models.SessionSummary)
	return &out, nil
}

func (m *Manager) endSession(ctx context.Context, id uuid.UUID, reason string, saveReplay bool) (*models.SessionSummary, error) {
	existing, err := retry.Read(ctx, func() (*models.SessionSummary, error) { return m.summaries.GetSummary(ctx, id) })
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return existing, nil
	}

	s, err := m.load(ctx, id)
	if err != nil {
		return nil, err
	}
	switch s.Status {
	case models.SessionLive:
		if err := m.transition(ctx, s, models.SessionLive, models.SessionEnding, reason); err != nil {
			return nil, err
		}
		m.publish(s, realtime.EventSessionEnding, s)
		fallthrough
	case models.SessionEnding:
		if err := m.agg.Drain(ctx, id); err != nil {
			return nil, err
		}
		if err := m.transition(ctx, s, models.SessionEnding, models.SessionEnded, ""); err != nil {
			return nil, err
		}
	case models.SessionEnded:
		// ended without a stored summary: compile below.
	default:
		return nil, apperr.Transition("session", s.Status, models.SessionEnding)
	}

	compiled, err := m.compiler.Compile(ctx, id)
	if err != nil {
		return nil, err
	}
	compiled.SavedAsReplay = saveReplay
	stored, created, err := m.saveSummary(ctx, compiled)
	if err != nil {
		return nil, err
	}

	if created && stored.SavedAsReplay && m.replay != nil {
		if err := m.replay.RequestReplay(ctx, s, stored, m.agg.RecentComments(id)); err != nil {
			m.logger.Error("replay request failed", zap.String("session_id", id.String()), zap.Error(err))
		}
	}
	m.agg.Release(id)
	m.clearLost(s.ChannelID, s.ID)
	if created {
		m.publish(s, realtime.EventSessionEnded, stored)
	}
	m.logger.Info("session ended",
		zap.String("session_id", id.String()),
		zap.String("reason", stored.EndReason),
		zap.Int("total_orders", stored.TotalOrders),
		zap.Int("confirmed_orders", stored.ConfirmedOrders),
	)
	return stored, nil
}

func (m *Manager) saveSummary(ctx context.Context, s *models.SessionSummary) (*models.SessionSummary, bool, error) {
	type result struct {
		stored  *models.SessionSummary
		created bool
	}
	r, err := retry.Read(ctx, func() (result, error) {
		stored, created, err := m.summaries.SaveSummary(ctx, s)
		return result{stored, created}, err
	})
	return r.stored, r.created, err
}

// CancelSession abandons a session that has not gone live.
func (m *Manager) CancelSession(ctx context.Context, id uuid.UUID, reason string) (err error) {
	ctx, span := m.tracer.Start(ctx, "livesession.CancelSession", trace.WithAttributes(attribute.String("session_id", id.String())))
	defer func() { telemetry.End(span, err) }()

	if reason = strings.TrimSpace(reason); reason == "" {
		reason = ReasonCancelledByBroadcaster
	}
	s, err := m.load(ctx, id)
	if err != nil {
		return err
	}
	if s.Status != models.SessionSetup && s.Status != models.SessionStarting {
		return apperr.Transition("session", s.Status, models.SessionCancelled)
	}
	return m.cancel(ctx, s, reason)
}

func (m *Manager) cancel(ctx context.Context, s *models.LiveSession, reason string) error {
	if err := m.transition(ctx, s, s.Status, models.SessionCancelled, reason); err != nil {
		return err
	}
	m.agg.Release(s.ID)
	m.clearLost(s.ChannelID, s.ID)
	m.publish(s, realtime.EventSessionCancelled, s)
	return nil
}

// HandleFirstFrame reacts to the media transport's first frame on a channel: a starting
// session goes live, a live one has recovered from a transport loss.
func (m *Manager) HandleFirstFrame(ctx context.Context, channelID string) (uuid.UUID, error) {
	s, err := m.activeOnChannel(ctx, channelID)
	if err != nil {
		return uuid.Nil, err
	}
	m.clearLost(channelID, s.ID)
	if s.Status == models.SessionLive {
		m.logger.Info("transport recovered", zap.String("session_id", s.ID.String()), zap.String("channel_id", channelID))
		return s.ID, nil
	}
	if err := m.MarkLive(ctx, s.ID); err != nil {
		return uuid.Nil, err
	}
	return s.ID, nil
}

// HandleTransportLost records that the channel's media transport went away. The watchdog
// acts on it once the transport grace period passes without a new first frame.
func (m *Manager) HandleTransportLost(ctx context.Context, channelID string) (uuid.UUID, error) {
	s, err := m.activeOnChannel(ctx, channelID)
	if err != nil {
		return uuid.Nil, err
	}
	m.lostMu.Lock()
	if mark, ok := m.lost[channelID]; !ok || mark.sessionID != s.ID {
		m.lost[channelID] = lostMark{sessionID: s.ID, at: m.now()}
	}
	m.lostMu.Unlock()
	m.logger.Warn("transport lost", zap.String("session_id", s.ID.String()), zap.String("channel_id", channelID))
	return s.ID, nil
}

func (m *Manager) activeOnChannel(ctx context.Context, channelID string) (*models.LiveSession, error) {
	channelID = strings.TrimSpace(channelID)
	if channelID == "" {
		return nil, apperr.Invalid("channel_id is required")
	}
	s, err := retry.Read(ctx, func() (*models.LiveSession, error) { return m.store.GetActiveByChannel(ctx, channelID) })
	if err != nil {
		return nil, err
	}
	if s == nil {
		return nil, apperr.ErrNotFound
	}
	return s, nil
}

func (m *Manager) clearLost(channelID string, sessionID uuid.UUID) {
	m.lostMu.Lock()
	if mark, ok := m.lost[channelID]; ok && mark.sessionID == sessionID {
		delete(m.lost, channelID)
	}
	m.lostMu.Unlock()
}
