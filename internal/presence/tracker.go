package presence

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Tracker records which viewers are present in a session and which have ever been seen.
// Instances that share a Tracker agree on the current count and count each viewer once.
type Tracker interface {
	// Touch marks viewerID present at at. first is true only for the first sighting ever.
	Touch(ctx context.Context, sessionID uuid.UUID, viewerID string, at time.Time) (first bool, err error)
	// Count drops viewers last seen before since and returns how many remain.
	Count(ctx context.Context, sessionID uuid.UUID, since time.Time) (int, error)
	// Distinct returns how many viewers have been seen.
	Distinct(ctx context.Context, sessionID uuid.UUID) (int, error)
	// Forget drops the session's presence once it is closed.
	Forget(ctx context.Context, sessionID uuid.UUID) error
}

type viewers struct {
	last map[string]time.Time
	seen map[string]struct{}
}

// MemoryTracker keeps presence in process. It is the tracker for single-instance deployments.
type MemoryTracker struct {
	mu       sync.Mutex
	sessions map[uuid.UUID]*viewers
}

// NewMemoryTracker creates an empty in-process tracker.
func NewMemoryTracker() *MemoryTracker {
	return &MemoryTracker{sessions: make(map[uuid.UUID]*viewers)}
}

func (t *MemoryTracker) get(sessionID uuid.UUID) *viewers {
	v, ok := t.sessions[sessionID]
	if !ok {
		v = &viewers{last: make(map[string]time.Time), seen: make(map[string]struct{})}
		t.sessions[sessionID] = v
	}
	return v
}

// Touch records a sighting of viewerID.
func (t *MemoryTracker) Touch(_ context.Context, sessionID uuid.UUID, viewerID string, at time.Time) (bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	v := t.get(sessionID)
	v.last[viewerID] = at
	if _, ok := v.seen[viewerID]; ok {
		return false, nil
	}
	v.seen[viewerID] = struct{}{}
	return true, nil
}

// Count drops viewers last seen before since and returns the rest.
func (t *MemoryTracker) Count(_ context.Context, sessionID uuid.UUID, since time.Time) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	v, ok := t.sessions[sessionID]
	if !ok {
		return 0, nil
	}
	for viewer, last := range v.last {
		if last.Before(since) {
			delete(v.last, viewer)
		}
	}
	return len(v.last), nil
}

// Distinct returns how many viewers were ever seen in the session.
func (t *MemoryTracker) Distinct(_ context.Context, sessionID uuid.UUID) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if v, ok := t.sessions[sessionID]; ok {
		return len(v.seen), nil
	}
	return 0, nil
}

// Forget drops everything held for the session.
func (t *MemoryTracker) Forget(_ context.Context, sessionID uuid.UUID) error {
	t.mu.Lock()
	delete(t.sessions, sessionID)
	t.mu.Unlock()
	return nil
}

const (
	presenceKeyPrefix = "live:presence:"
	// keys outlive any session; they are deleted when the summary is stored.
	presenceKeyTTL = 24 * time.Hour
)

// RedisTracker shares presence between instances: a sorted set of last-seen
// times per session plus a set of every viewer ever seen.
type RedisTracker struct {
	client *redis.Client
}

// NewRedisTracker creates a tracker backed by client.
func NewRedisTracker(client *redis.Client) *RedisTracker {
	return &RedisTracker{client: client}
}

func presenceKeys(sessionID uuid.UUID) (live, seen string) {
	base := presenceKeyPrefix + sessionID.String()
	return base + ":live", base + ":seen"
}

// Touch adds viewerID to both sets in one transaction and refreshes their TTL.
func (t *RedisTracker) Touch(ctx context.Context, sessionID uuid.UUID, viewerID string, at time.Time) (bool, error) {
	live, seen := presenceKeys(sessionID)
	var added *redis.IntCmd
	_, err := t.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZAdd(ctx, live, redis.Z{Score: float64(at.UnixMilli()), Member: viewerID})
		added = pipe.SAdd(ctx, seen, viewerID)
		pipe.Expire(ctx, live, presenceKeyTTL)
		pipe.Expire(ctx, seen, presenceKeyTTL)
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("presence touch: %w", err)
	}
	return added.Val() == 1, nil
}

// Count trims entries older than since from the sorted set and returns its size.
func (t *RedisTracker) Count(ctx context.Context, sessionID uuid.UUID, since time.Time) (int, error) {
	live, _ := presenceKeys(sessionID)
	var card *redis.IntCmd
	_, err := t.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZRemRangeByScore(ctx, live, "-inf", "("+strconv.FormatInt(since.UnixMilli(), 10))
		card = pipe.ZCard(ctx, live)
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("presence count: %w", err)
	}
	return int(card.Val()), nil
}

// Distinct returns the size of the seen set.
func (t *RedisTracker) Distinct(ctx context.Context, sessionID uuid.UUID) (int, error) {
	_, seen := presenceKeys(sessionID)
	n, err := t.client.SCard(ctx, seen).Result()
	if err != nil {
		return 0, fmt.Errorf("presence distinct: %w", err)
	}
	return int(n), nil
}

// Forget deletes both keys.
func (t *RedisTracker) Forget(ctx context.Context, sessionID uuid.UUID) error {
	live, seen := presenceKeys(sessionID)
	return t.client.Del(ctx, live, seen).Err()
}
