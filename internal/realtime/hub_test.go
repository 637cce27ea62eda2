package realtime

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func recv(t *testing.T, s *Subscription) Event {
	t.Helper()
	select {
	case e := <-s.Events():
		return e
	default:
		t.Fatal("no event queued")
		return Event{}
	}
}

func TestHubDeliversToSessionSubscribersOnly(t *testing.T) {
	hub := NewHub(nil, 4, nil, nil)
	a, b := uuid.New(), uuid.New()
	subA := hub.Subscribe(a)
	subB := hub.Subscribe(b)
	defer subA.Close()
	defer subB.Close()

	hub.Publish(NewEvent(KindComment, EventCommentCreated, a, uuid.Nil, map[string]string{"content": "hi"}))

	e := recv(t, subA)
	assert.Equal(t, EventCommentCreated, e.Name)
	assert.JSONEq(t, `{"content":"hi"}`, string(e.Data))
	assert.Len(t, subB.Events(), 0)
}

func TestHubDropsOldestWhenSubscriberFallsBehind(t *testing.T) {
	hub := NewHub(nil, 2, nil, nil)
	id := uuid.New()
	sub := hub.Subscribe(id)
	defer sub.Close()

	for _, name := range []string{"one", "two", "three"} {
		hub.Publish(NewEvent(KindLifecycle, name, id, uuid.Nil, nil))
	}

	assert.Equal(t, "two", recv(t, sub).Name)
	assert.Equal(t, "three", recv(t, sub).Name)
	assert.Equal(t, uint64(1), sub.Dropped())
}

func TestSubscriptionCloseUnregisters(t *testing.T) {
	hub := NewHub(nil, 2, nil, nil)
	id := uuid.New()
	sub := hub.Subscribe(id)
	require.Equal(t, 1, hub.SubscriberCount(id))

	sub.Close()
	sub.Close()

	assert.Equal(t, 0, hub.SubscriberCount(id))
	_, open := <-sub.Events()
	assert.False(t, open)
	hub.Publish(NewEvent(KindLifecycle, "after", id, uuid.Nil, nil))
}

type fakeBridge struct {
	mu        sync.Mutex
	published []Event
	handlers  map[uuid.UUID]func(Event)
	failPub   bool
	failSub   bool
	attempts  int
	cancelled int
}

func (f *fakeBridge) PublishSessionEvent(e Event) error {
	f.mu.Lock()
	if f.failPub {
		f.mu.Unlock()
		return errors.New("redis down")
	}
	f.published = append(f.published, e)
	h := f.handlers[e.SessionID]
	f.mu.Unlock()
	if h != nil {
		h(e)
	}
	return nil
}

func (f *fakeBridge) SubscribeSession(id uuid.UUID, handler func(Event)) (func(), error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.attempts++
	if f.failSub {
		return nil, errors.New("redis down")
	}
	if f.handlers == nil {
		f.handlers = make(map[uuid.UUID]func(Event))
	}
	f.handlers[id] = handler
	return func() {
		f.mu.Lock()
		f.cancelled++
		delete(f.handlers, id)
		f.mu.Unlock()
	}, nil
}

func (f *fakeBridge) stats() (published, attempts, cancelled int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.published), f.attempts, f.cancelled
}

func TestHubRoutesThroughBridgeOnce(t *testing.T) {
	bridge := &fakeBridge{}
	hub := NewHub(nil, 4, bridge, bridge)
	id := uuid.New()
	sub := hub.Subscribe(id)
	require.Eventually(t, func() bool { return hub.bridged(id) }, time.Second, 5*time.Millisecond)

	hub.Publish(NewEvent(KindOrder, EventOrderCreated, id, uuid.Nil, nil))

	published, _, _ := bridge.stats()
	require.Equal(t, 1, published)
	assert.Equal(t, EventOrderCreated, recv(t, sub).Name)
	assert.Len(t, sub.Events(), 0)

	sub.Close()
	_, _, cancelled := bridge.stats()
	assert.Equal(t, 1, cancelled)
}

func TestHubFallsBackToLocalDeliveryWhenBridgeFails(t *testing.T) {
	bridge := &fakeBridge{failPub: true}
	hub := NewHub(nil, 4, bridge, bridge)
	id := uuid.New()
	sub := hub.Subscribe(id)
	defer sub.Close()

	hub.Publish(NewEvent(KindOrder, EventPendingCount, id, uuid.Nil, map[string]int{"pending": 1}))
	assert.Equal(t, EventPendingCount, recv(t, sub).Name)
}

func TestHubDeliversLocallyWhileRedisSubscriptionIsDown(t *testing.T) {
	bridge := &fakeBridge{failSub: true}
	hub := NewHub(nil, 4, bridge, bridge)
	id := uuid.New()
	sub := hub.Subscribe(id)

	hub.Publish(NewEvent(KindComment, EventCommentCreated, id, uuid.Nil, nil))
	assert.Equal(t, EventCommentCreated, recv(t, sub).Name)
	published, _, _ := bridge.stats()
	assert.Equal(t, 1, published)

	require.Eventually(t, func() bool {
		_, attempts, _ := bridge.stats()
		return attempts >= 2
	}, 2*time.Second, 10*time.Millisecond)
	assert.False(t, hub.bridged(id))

	bridge.mu.Lock()
	bridge.failSub = false
	bridge.mu.Unlock()
	require.Eventually(t, func() bool { return hub.bridged(id) }, 3*time.Second, 10*time.Millisecond)

	hub.Publish(NewEvent(KindComment, EventCommentCreated, id, uuid.Nil, nil))
	assert.Equal(t, EventCommentCreated, recv(t, sub).Name)
	assert.Len(t, sub.Events(), 0)

	sub.Close()
	_, _, cancelled := bridge.stats()
	assert.Equal(t, 1, cancelled)
}

func TestHubSubscribeDoesNotWaitForRedis(t *testing.T) {
	block := make(chan struct{})
	bridge := &blockingBridge{release: block}
	hub := NewHub(nil, 4, bridge, bridge)

	done := make(chan struct{})
	go func() {
		sub := hub.Subscribe(uuid.New())
		other := hub.Subscribe(uuid.New())
		hub.Publish(NewEvent(KindLifecycle, "tick", other.SessionID, uuid.Nil, nil))
		<-other.Events()
		sub.Close()
		other.Close()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("subscribe blocked on redis")
	}
	close(block)
}

type blockingBridge struct {
	release chan struct{}
}

func (b *blockingBridge) PublishSessionEvent(Event) error { return nil }

func (b *blockingBridge) SubscribeSession(uuid.UUID, func(Event)) (func(), error) {
	<-b.release
	return func() {}, nil
}
