package redis

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
	"gitlab.com/timkado/api/event-context-agent/internal/domain"
)

// SnapshotMediumAdapter implements domain.SnapshotMedium on plain Redis strings.
// Keys are written without expiry; freshness is carried inside the snapshot.
type SnapshotMediumAdapter struct {
	redisClient *redis.Client
	logger      domain.Logger
}

// NewSnapshotMediumAdapter creates a new instance of SnapshotMediumAdapter.
func NewSnapshotMediumAdapter(redisClient *redis.Client, logger domain.Logger) *SnapshotMediumAdapter {
	if redisClient == nil {
		panic("redisClient cannot be nil in NewSnapshotMediumAdapter")
	}
	if logger == nil {
		panic("logger cannot be nil in NewSnapshotMediumAdapter")
	}
	return &SnapshotMediumAdapter{
		redisClient: redisClient,
		logger:      logger,
	}
}

// Get retrieves the raw snapshot stored under key.
func (a *SnapshotMediumAdapter) Get(ctx context.Context, key string) ([]byte, bool, error) {
	val, err := a.redisClient.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		a.logger.Debug(ctx, "Snapshot cache miss", "key", key)
		return nil, false, nil
	}
	if err != nil {
		a.logger.Error(ctx, "Failed to get snapshot from Redis", "key", key, "error", err.Error())
		return nil, false, fmt.Errorf("redis GET for snapshot key '%s' failed: %w", key, err)
	}
	return val, true, nil
}

// Set stores value under key.
func (a *SnapshotMediumAdapter) Set(ctx context.Context, key string, value []byte) error {
	if err := a.redisClient.Set(ctx, key, value, 0).Err(); err != nil {
		a.logger.Error(ctx, "Failed to set snapshot in Redis", "key", key, "error", err.Error())
		return fmt.Errorf("redis SET for snapshot key '%s' failed: %w", key, err)
	}
	a.logger.Debug(ctx, "Snapshot persisted", "key", key, "bytes", len(value))
	return nil
}

// Delete removes key.
func (a *SnapshotMediumAdapter) Delete(ctx context.Context, key string) error {
	if err := a.redisClient.Del(ctx, key).Err(); err != nil {
		a.logger.Error(ctx, "Failed to delete snapshot from Redis", "key", key, "error", err.Error())
		return fmt.Errorf("redis DEL for snapshot key '%s' failed: %w", key, err)
	}
	return nil
}
