package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
	"gitlab.com/timkado/api/event-context-agent/internal/adapters/metrics"
	"gitlab.com/timkado/api/event-context-agent/internal/domain"
	"gitlab.com/timkado/api/event-context-agent/pkg/rediskeys"
	"gitlab.com/timkado/api/event-context-agent/pkg/safego"
)

// SyncPubSubAdapter implements domain.SyncPublisher and domain.SyncSubscriber
// over Redis pub/sub, one channel per user.
type SyncPubSubAdapter struct {
	redisClient *redis.Client
	logger      domain.Logger

	mu  sync.Mutex
	sub *redis.PubSub
}

// NewSyncPubSubAdapter creates a new adapter for Redis pub/sub.
func NewSyncPubSubAdapter(redisClient *redis.Client, logger domain.Logger) *SyncPubSubAdapter {
	return &SyncPubSubAdapter{
		redisClient: redisClient,
		logger:      logger,
	}
}

// PublishSync publishes message on the user's sync channel.
func (a *SyncPubSubAdapter) PublishSync(ctx context.Context, userID string, message domain.SyncMessage) error {
	payloadBytes, err := json.Marshal(message)
	if err != nil {
		a.logger.Error(ctx, "Failed to marshal SyncMessage for publishing", "key", message.Key, "error", err.Error())
		return fmt.Errorf("failed to marshal SyncMessage: %w", err)
	}

	channel := rediskeys.SyncChannelKey(userID)
	if err = a.redisClient.Publish(ctx, channel, payloadBytes).Err(); err != nil {
		a.logger.Error(ctx, "Failed to publish sync message to Redis", "channel", channel, "error", err.Error())
		return fmt.Errorf("failed to publish to Redis channel '%s': %w", channel, err)
	}
	metrics.IncrementSyncMessage("out", "published")
	a.logger.Debug(ctx, "Published sync message", "channel", channel, "key", message.Key)
	return nil
}

// SubscribeSync subscribes to the sync channels of every user and runs handler
// for each message until ctx is cancelled or Close is called.
func (a *SyncPubSubAdapter) SubscribeSync(ctx context.Context, handler domain.SyncMessageHandler) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.sub != nil {
		return fmt.Errorf("already subscribed on this adapter instance")
	}

	pattern := rediskeys.SyncChannelPattern()
	sub := a.redisClient.PSubscribe(ctx, pattern)
	// Receive confirms the subscription before any message flows.
	if _, err := sub.Receive(ctx); err != nil {
		a.logger.Error(ctx, "Failed to confirm Redis PSubscribe", "pattern", pattern, "error", err.Error())
		_ = sub.Close()
		return fmt.Errorf("failed to subscribe to pattern '%s': %w", pattern, err)
	}
	a.sub = sub
	a.logger.Info(ctx, "Subscribed to Redis sync pattern", "pattern", pattern)

	ch := sub.Channel()
	safego.Execute(ctx, a.logger, "RedisSyncSubscriber", func() {
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					a.logger.Info(ctx, "Sync subscription channel closed", "pattern", pattern)
					return
				}
				a.dispatch(ctx, msg.Channel, msg.Payload, handler)
			}
		}
	})
	return nil
}

func (a *SyncPubSubAdapter) dispatch(ctx context.Context, channel, payload string, handler domain.SyncMessageHandler) {
	var syncMsg domain.SyncMessage
	if err := json.Unmarshal([]byte(payload), &syncMsg); err != nil {
		metrics.IncrementSyncMessage("in", "malformed")
		a.logger.Warn(ctx, "Failed to unmarshal SyncMessage from pub/sub", "channel", channel, "error", err.Error())
		return
	}
	err := safego.Call(ctx, a.logger, "SyncMessageHandler", func() error {
		return handler(ctx, syncMsg)
	})
	if err != nil {
		a.logger.Error(ctx, "Error in SyncMessageHandler", "channel", channel, "key", syncMsg.Key, "error", err.Error())
	}
}

// Close closes the Redis pub/sub subscription. Closing twice is a no-op.
func (a *SyncPubSubAdapter) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.sub == nil {
		return nil
	}
	err := a.sub.Close()
	a.sub = nil
	if err != nil {
		a.logger.Error(context.Background(), "Error closing Redis pub/sub subscription", "error", err.Error())
		return fmt.Errorf("error closing Redis pub/sub: %w", err)
	}
	a.logger.Info(context.Background(), "Redis pub/sub subscription closed.")
	return nil
}
