package realtime

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// DefaultSubscriberBuffer is the per-subscriber queue length when none is configured.
const DefaultSubscriberBuffer = 64

// topic is one session's local subscribers plus the state of its Redis subscription.
type topic struct {
	subs    map[*Subscription]struct{}
	bridged bool
	cancel  func()
	stop    context.CancelFunc
}

// Hub maintains session_id -> set of subscriptions and fans events out to them.
// With a Redis bridge, events go through Redis so every instance delivers them once.
// Sessions whose Redis subscription is not up yet are delivered to locally.
type Hub struct {
	sessions map[uuid.UUID]*topic
	mu       sync.RWMutex
	buffer   int
	logger   *zap.Logger
	redis    RedisPublisher
	redisSub RedisSubscriber
}

// RedisPublisher is the interface for publishing to Redis (for cross-instance broadcast).
type RedisPublisher interface {
	PublishSessionEvent(e Event) error
}

// RedisSubscriber subscribes to session channels and invokes handler for incoming events.
type RedisSubscriber interface {
	SubscribeSession(sessionID uuid.UUID, handler func(e Event)) (cancel func(), err error)
}

// NewHub creates a hub. redisPub and redisSub may be nil for single-instance deployments.
func NewHub(logger *zap.Logger, buffer int, redisPub RedisPublisher, redisSub RedisSubscriber) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	if buffer <= 0 {
		buffer = DefaultSubscriberBuffer
	}
	return &Hub{
		sessions: make(map[uuid.UUID]*topic),
		buffer:   buffer,
		logger:   logger,
		redis:    redisPub,
		redisSub: redisSub,
	}
}

// Subscribe registers interest in a session. Late subscribers get no backlog.
// The first local subscriber starts the session's Redis subscription in the background.
func (h *Hub) Subscribe(sessionID uuid.UUID) *Subscription {
	s := &Subscription{
		SessionID: sessionID,
		ch:        make(chan Event, h.buffer),
		hub:       h,
	}
	h.mu.Lock()
	t := h.sessions[sessionID]
	if t == nil {
		t = &topic{subs: make(map[*Subscription]struct{})}
		h.sessions[sessionID] = t
		if h.redisSub != nil {
			ctx, stop := context.WithCancel(context.Background())
			t.stop = stop
			go h.bridge(ctx, sessionID, t)
		}
	}
	t.subs[s] = struct{}{}
	h.mu.Unlock()
	h.logger.Debug("subscriber joined", zap.String("session_id", sessionID.String()))
	return s
}

// bridge subscribes to the session's Redis channel, backing off between
// failures until it succeeds or the last local subscriber leaves.
func (h *Hub) bridge(ctx context.Context, sessionID uuid.UUID, t *topic) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 100 * time.Millisecond
	b.MaxInterval = 10 * time.Second
	for {
		cancel, err := h.redisSub.SubscribeSession(sessionID, h.deliver)
		if err == nil {
			h.mu.Lock()
			if h.sessions[sessionID] == t && ctx.Err() == nil {
				t.cancel = cancel
				t.bridged = true
				h.mu.Unlock()
				return
			}
			h.mu.Unlock()
			cancel()
			return
		}
		h.logger.Warn("redis subscribe failed, delivering locally", zap.String("session_id", sessionID.String()), zap.Error(err))

		timer := time.NewTimer(b.NextBackOff())
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

func (h *Hub) remove(s *Subscription) {
	h.mu.Lock()
	if t, ok := h.sessions[s.SessionID]; ok {
		delete(t.subs, s)
		if len(t.subs) == 0 {
			delete(h.sessions, s.SessionID)
			if t.stop != nil {
				t.stop()
			}
			if t.cancel != nil {
				t.cancel()
			}
		}
	}
	h.mu.Unlock()
	h.logger.Debug("subscriber left", zap.String("session_id", s.SessionID.String()))
}

// bridged reports whether the session's Redis subscription is up.
func (h *Hub) bridged(sessionID uuid.UUID) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	t := h.sessions[sessionID]
	return t != nil && t.bridged
}

// Publish delivers e to every subscriber of its session without blocking the caller.
// With Redis configured the event is published to Redis and local subscribers
// receive it from the Redis subscription, so the publishing instance sees it once.
// Until that subscription is up, or when Redis rejects the publish, delivery is local.
func (h *Hub) Publish(e Event) {
	if h.redis == nil {
		h.deliver(e)
		return
	}
	// checked before publishing: a subscription that comes up in between may
	// deliver the event twice, never zero times.
	viaRedis := h.bridged(e.SessionID)
	if err := h.redis.PublishSessionEvent(e); err != nil {
		h.logger.Warn("redis publish failed, delivering locally", zap.String("event", e.Name), zap.Error(err))
		h.deliver(e)
		return
	}
	if !viaRedis {
		h.deliver(e)
	}
}

func (h *Hub) deliver(e Event) {
	h.mu.RLock()
	var targets []*Subscription
	if t := h.sessions[e.SessionID]; t != nil {
		targets = make([]*Subscription, 0, len(t.subs))
		for s := range t.subs {
			targets = append(targets, s)
		}
	}
	h.mu.RUnlock()
	for _, s := range targets {
		s.offer(e)
	}
}

// SubscriberCount returns the number of local subscribers of a session.
func (h *Hub) SubscriberCount(sessionID uuid.UUID) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if t := h.sessions[sessionID]; t != nil {
		return len(t.subs)
	}
	return 0
}

// Subscription is one consumer's bounded queue. When full, the oldest event is dropped.
type Subscription struct {
	SessionID uuid.UUID
	ch        chan Event
	hub       *Hub
	mu        sync.Mutex
	closed    bool
	dropped   atomic.Uint64
	once      sync.Once
}

// Events returns the delivery channel. It is closed by Close.
func (s *Subscription) Events() <-chan Event { return s.ch }

// Dropped returns how many events were discarded because the consumer fell behind.
func (s *Subscription) Dropped() uint64 { return s.dropped.Load() }

// Close unregisters the subscription and closes its channel.
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.hub.remove(s)
		s.mu.Lock()
		s.closed = true
		close(s.ch)
		s.mu.Unlock()
	})
}

func (s *Subscription) offer(e Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	for {
		select {
		case s.ch <- e:
			return
		default:
		}
		select {
		case <-s.ch:
			s.dropped.Add(1)
		default:
		}
	}
}
