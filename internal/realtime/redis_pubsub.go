package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	channelPrefix  = "live:session:"
	publishTimeout = 5 * time.Second
)

// RedisPubSub bridges hub events across instances with Redis pub/sub.
type RedisPubSub struct {
	client *redis.Client
	logger *zap.Logger
}

// NewRedisPubSub creates a Redis pub/sub bridge for session events.
func NewRedisPubSub(client *redis.Client, logger *zap.Logger) *RedisPubSub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisPubSub{client: client, logger: logger}
}

func sessionChannel(sessionID uuid.UUID) string {
	return channelPrefix + sessionID.String()
}

// PublishSessionEvent publishes an event to the session's Redis channel.
func (r *RedisPubSub) PublishSessionEvent(e Event) error {
	body, err := json.Marshal(e)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()
	return r.client.Publish(ctx, sessionChannel(e.SessionID), body).Err()
}

// SubscribeSession subscribes to a session's Redis channel and calls handler for each event.
// Returns a cancel function to stop the subscription.
func (r *RedisPubSub) SubscribeSession(sessionID uuid.UUID, handler func(e Event)) (cancel func(), err error) {
	ctx, cancelCtx := context.WithCancel(context.Background())
	pubsub := r.client.Subscribe(ctx, sessionChannel(sessionID))
	confirmCtx, cancelConfirm := context.WithTimeout(ctx, publishTimeout)
	_, err = pubsub.Receive(confirmCtx)
	cancelConfirm()
	if err != nil {
		cancelCtx()
		_ = pubsub.Close()
		return nil, fmt.Errorf("subscribe: %w", err)
	}
	ch := pubsub.Channel()
	go func() {
		defer pubsub.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var e Event
				if err := json.Unmarshal([]byte(msg.Payload), &e); err != nil {
					r.logger.Warn("drop malformed session event", zap.String("channel", msg.Channel), zap.Error(err))
					continue
				}
				handler(e)
			}
		}
	}()
	return cancelCtx, nil
}
