// Package presence aggregates live comments and viewer presence per session.
// It is the only writer of a session's viewer and comment counters.
package presence

import (
	"context"
	"crypto/rand"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"

	"github.com/aura-kitchen/livecommerce/internal/apperr"
	"github.com/aura-kitchen/livecommerce/internal/models"
	"github.com/aura-kitchen/livecommerce/internal/realtime"
	"github.com/aura-kitchen/livecommerce/pkg/retry"
)

const (
	DefaultWindow = 50
	DefaultTTL    = 30 * time.Second

	maxAuthorRunes = 64
	// bounds tracker calls made on behalf of callers without a context.
	trackerTimeout = time.Second
)

// SessionStore is the part of the session store the aggregator reads and writes.
type SessionStore interface {
	GetByID(ctx context.Context, id uuid.UUID) (*models.LiveSession, error)
	UpdateCounters(ctx context.Context, id uuid.UUID, delta models.CounterDelta) error
}

// Publisher fans events out to session subscribers.
type Publisher interface {
	Publish(e realtime.Event)
}

// Config tunes the aggregator. A nil Tracker keeps presence in process.
type Config struct {
	Window  int
	TTL     time.Duration
	Tracker Tracker
}

// Snapshot is a point-in-time view of a session's live counters.
type Snapshot struct {
	CurrentViewers int              `json:"current_viewers"`
	PeakViewers    int              `json:"peak_viewers"`
	TotalViewers   int              `json:"total_viewers"`
	TotalComments  int64            `json:"total_comments"`
	Recent         []models.Comment `json:"recent_comments"`
}

type room struct {
	mu            sync.Mutex
	flushMu       sync.Mutex
	broadcasterID uuid.UUID
	comments      *ring
	totalComments int64
	// viewers first seen through this instance; other instances flush their own.
	viewers int
	current int
	peak    int

	flushedComments int64
	flushedViewers  int
	flushedCurrent  int
	flushedPeak     int
}

// Aggregator holds per-session comment windows and presence sets.
type Aggregator struct {
	store   SessionStore
	events  Publisher
	tracker Tracker
	logger  *zap.Logger
	window  int
	ttl     time.Duration
	now     func() time.Time

	mu    sync.Mutex
	rooms map[uuid.UUID]*room

	entropyMu sync.Mutex
	entropy   *ulid.MonotonicEntropy
}

// NewAggregator creates an aggregator. Zero config values fall back to the defaults.
func NewAggregator(store SessionStore, events Publisher, cfg Config, logger *zap.Logger) *Aggregator {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Window <= 0 {
		cfg.Window = DefaultWindow
	}
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}
	if cfg.Tracker == nil {
		cfg.Tracker = NewMemoryTracker()
	}
	return &Aggregator{
		store:   store,
		events:  events,
		tracker: cfg.Tracker,
		logger:  logger,
		window:  cfg.Window,
		ttl:     cfg.TTL,
		now:     func() time.Time { return time.Now().UTC().Truncate(time.Microsecond) },
		rooms:   make(map[uuid.UUID]*room),
		entropy: ulid.Monotonic(rand.Reader, 0),
	}
}

func (a *Aggregator) newID(at time.Time) string {
	a.entropyMu.Lock()
	defer a.entropyMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(at), a.entropy).String()
}

func (a *Aggregator) room(id uuid.UUID) *room {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.rooms[id]
}

func (a *Aggregator) roomFor(s *models.LiveSession) *room {
	a.mu.Lock()
	defer a.mu.Unlock()
	r, ok := a.rooms[s.ID]
	if !ok {
		r = &room{
			broadcasterID: s.BroadcasterID,
			comments:      newRing(a.window),
			peak:          s.PeakViewers,
			flushedPeak:   s.PeakViewers,
		}
		a.rooms[s.ID] = r
	}
	return r
}

func (a *Aggregator) loadSession(ctx context.Context, sessionID uuid.UUID) (*models.LiveSession, error) {
	s, err := retry.Read(ctx, func() (*models.LiveSession, error) { return a.store.GetByID(ctx, sessionID) })
	if err != nil {
		return nil, err
	}
	if s == nil {
		return nil, apperr.ErrNotFound
	}
	return s, nil
}

// PostComment appends a comment to a live session's window and publishes it.
// The total keeps counting after older comments fall out of the window.
func (a *Aggregator) PostComment(ctx context.Context, sessionID uuid.UUID, authorName, content string) (*models.Comment, error) {
	authorName = strings.TrimSpace(authorName)
	content = strings.TrimSpace(content)
	if authorName == "" {
		return nil, apperr.Invalid("author_name is required")
	}
	if utf8.RuneCountInString(authorName) > maxAuthorRunes {
		return nil, apperr.Invalid("author_name is longer than %d characters", maxAuthorRunes)
	}
	if content == "" {
		return nil, apperr.Invalid("content is required")
	}
	if utf8.RuneCountInString(content) > models.MaxCommentRunes {
		return nil, apperr.Invalid("content is longer than %d characters", models.MaxCommentRunes)
	}

	s, err := a.loadSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if s.Status != models.SessionLive {
		return nil, apperr.ErrSessionNotLive
	}

	now := a.now()
	c := models.Comment{
		ID:         a.newID(now),
		SessionID:  sessionID,
		AuthorName: authorName,
		Content:    content,
		CreatedAt:  now,
	}
	r := a.roomFor(s)
	r.mu.Lock()
	r.comments.push(c)
	r.totalComments++
	r.mu.Unlock()

	a.events.Publish(realtime.NewEvent(realtime.KindComment, realtime.EventCommentCreated, sessionID, s.BroadcasterID, c))
	return &c, nil
}

// Heartbeat marks viewerID present for one TTL. Accepted while the session is starting or live.
func (a *Aggregator) Heartbeat(ctx context.Context, sessionID uuid.UUID, viewerID string) error {
	viewerID = strings.TrimSpace(viewerID)
	if viewerID == "" {
		return apperr.Invalid("viewer id is required")
	}
	s, err := a.loadSession(ctx, sessionID)
	if err != nil {
		return err
	}
	if !s.Status.Resumable() {
		return apperr.ErrSessionNotLive
	}

	now := a.now()
	r := a.roomFor(s)
	first, err := a.tracker.Touch(ctx, sessionID, viewerID, now)
	if err != nil {
		return apperr.Upstream("presence touch", err)
	}
	if first {
		r.mu.Lock()
		r.viewers++
		r.mu.Unlock()
	}
	before, count, err := a.recount(ctx, sessionID, r)
	if err != nil {
		return apperr.Upstream("presence count", err)
	}
	if count != before {
		a.publishCount(sessionID, r.broadcasterID, count)
	}
	return nil
}

// recount expires stale presence, refreshes the current count and raises the peak.
// On error the room keeps its last known count.
func (a *Aggregator) recount(ctx context.Context, sessionID uuid.UUID, r *room) (before, count int, err error) {
	n, err := a.tracker.Count(ctx, sessionID, a.now().Add(-a.ttl))
	r.mu.Lock()
	defer r.mu.Unlock()
	before = r.current
	if err != nil {
		return before, before, err
	}
	r.current = n
	if n > r.peak {
		r.peak = n
	}
	return before, n, nil
}

func (a *Aggregator) publishCount(sessionID, broadcasterID uuid.UUID, count int) {
	a.events.Publish(realtime.NewEvent(realtime.KindPresence, realtime.EventPresenceCount, sessionID, broadcasterID,
		map[string]int{"current_viewers": count}))
}

// CurrentViewerCount returns the number of viewers seen within the TTL.
func (a *Aggregator) CurrentViewerCount(sessionID uuid.UUID) int {
	r := a.room(sessionID)
	if r == nil {
		return 0
	}
	ctx, cancel := context.WithTimeout(context.Background(), trackerTimeout)
	defer cancel()
	_, count, _ := a.recount(ctx, sessionID, r)
	return count
}

// PeakViewerCount returns the highest count observed so far.
func (a *Aggregator) PeakViewerCount(sessionID uuid.UUID) int {
	r := a.room(sessionID)
	if r == nil {
		return 0
	}
	ctx, cancel := context.WithTimeout(context.Background(), trackerTimeout)
	defer cancel()
	_, _, _ = a.recount(ctx, sessionID, r)
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.peak
}

// RecentComments returns the retained window, oldest first.
func (a *Aggregator) RecentComments(sessionID uuid.UUID) []models.Comment {
	r := a.room(sessionID)
	if r == nil {
		return []models.Comment{}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.comments.items()
}

// Snapshot returns the in-memory counters. ok is false when this instance holds nothing for the session.
func (a *Aggregator) Snapshot(sessionID uuid.UUID) (snap Snapshot, ok bool) {
	r := a.room(sessionID)
	if r == nil {
		return Snapshot{Recent: []models.Comment{}}, false
	}
	ctx, cancel := context.WithTimeout(context.Background(), trackerTimeout)
	defer cancel()
	_, _, _ = a.recount(ctx, sessionID, r)
	distinct, err := a.tracker.Distinct(ctx, sessionID)
	r.mu.Lock()
	defer r.mu.Unlock()
	if err != nil {
		distinct = r.viewers
	}
	return Snapshot{
		CurrentViewers: r.current,
		PeakViewers:    r.peak,
		TotalViewers:   distinct,
		TotalComments:  r.totalComments,
		Recent:         r.comments.items(),
	}, true
}

// flush pushes counter changes since the last successful flush to the store.
// Marks only advance after the store accepted the delta.
func (a *Aggregator) flush(ctx context.Context, sessionID uuid.UUID, r *room, final bool) error {
	r.flushMu.Lock()
	defer r.flushMu.Unlock()

	if _, _, err := a.recount(ctx, sessionID, r); err != nil && !final {
		return err
	}
	r.mu.Lock()
	current := r.current
	if final {
		current = 0
	}
	viewers := r.viewers
	comments := r.totalComments
	peak := r.peak
	delta := models.CounterDelta{
		CurrentViewers: current,
		PeakViewers:    peak,
		TotalViewers:   viewers - r.flushedViewers,
		TotalComments:  comments - r.flushedComments,
	}
	unchanged := delta.Empty() && current == r.flushedCurrent && peak == r.flushedPeak
	r.mu.Unlock()

	if unchanged {
		return nil
	}
	err := retry.Read(ctx, func() (struct{}, error) {
		return struct{}{}, a.store.UpdateCounters(ctx, sessionID, delta)
	})
	if err != nil {
		return err
	}

	r.mu.Lock()
	r.flushedViewers = viewers
	r.flushedComments = comments
	r.flushedCurrent = current
	r.flushedPeak = peak
	r.mu.Unlock()
	return nil
}

// Drain performs the final counter flush for a session that is ending.
func (a *Aggregator) Drain(ctx context.Context, sessionID uuid.UUID) error {
	r := a.room(sessionID)
	if r == nil {
		return nil
	}
	if err := a.flush(ctx, sessionID, r, true); err != nil {
		a.logger.Error("drain counters failed", zap.String("session_id", sessionID.String()), zap.Error(err))
		return err
	}
	return nil
}

// Release forgets a session once its summary is stored.
func (a *Aggregator) Release(sessionID uuid.UUID) {
	a.mu.Lock()
	delete(a.rooms, sessionID)
	a.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), trackerTimeout)
	defer cancel()
	if err := a.tracker.Forget(ctx, sessionID); err != nil {
		a.logger.Warn("forget presence failed", zap.String("session_id", sessionID.String()), zap.Error(err))
	}
}

// RunCompaction periodically expires presence, publishes count changes and flushes counters.
func (a *Aggregator) RunCompaction(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.compact(ctx)
		}
	}
}

// compact refreshes and flushes every open room. Rooms are only released
// once their session is closed: a live room holds the comment window and
// the viewers this instance has not flushed yet.
func (a *Aggregator) compact(ctx context.Context) {
	a.mu.Lock()
	ids := make([]uuid.UUID, 0, len(a.rooms))
	for id := range a.rooms {
		ids = append(ids, id)
	}
	a.mu.Unlock()

	for _, id := range ids {
		r := a.room(id)
		if r == nil {
			continue
		}
		opCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		a.compactRoom(opCtx, id, r)
		cancel()
	}
}

func (a *Aggregator) compactRoom(ctx context.Context, id uuid.UUID, r *room) {
	s, err := a.store.GetByID(ctx, id)
	if err != nil {
		a.logger.Warn("compaction load failed", zap.String("session_id", id.String()), zap.Error(err))
		return
	}
	if s == nil || s.Status.Terminal() {
		a.Release(id)
		return
	}

	before, count, err := a.recount(ctx, id, r)
	if err != nil {
		a.logger.Warn("presence count failed", zap.String("session_id", id.String()), zap.Error(err))
		return
	}
	if count != before {
		a.publishCount(id, r.broadcasterID, count)
	}
	if err := a.flush(ctx, id, r, false); err != nil {
		a.logger.Warn("counter flush failed", zap.String("session_id", id.String()), zap.Error(err))
	}
}
