package redis

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
	"gitlab.com/timkado/api/event-context-agent/internal/domain"
	"gitlab.com/timkado/api/event-context-agent/pkg/rediskeys"
)

const selectionScanCount = 100

// SelectionPurgerAdapter deletes a user's selection keys with SCAN + DEL.
type SelectionPurgerAdapter struct {
	redisClient *redis.Client
	logger      domain.Logger
}

func NewSelectionPurgerAdapter(redisClient *redis.Client, logger domain.Logger) *SelectionPurgerAdapter {
	if redisClient == nil {
		panic("redisClient cannot be nil in NewSelectionPurgerAdapter")
	}
	if logger == nil {
		panic("logger cannot be nil in NewSelectionPurgerAdapter")
	}
	return &SelectionPurgerAdapter{
		redisClient: redisClient,
		logger:      logger,
	}
}

// PurgeSelections removes every selection:<userID>:* key and returns how many were deleted.
func (a *SelectionPurgerAdapter) PurgeSelections(ctx context.Context, userID string) (int, error) {
	if userID == "" {
		return 0, nil
	}
	pattern := rediskeys.SelectionKeyPattern(userID)
	deleted := 0
	var cursor uint64
	for {
		keys, next, err := a.redisClient.Scan(ctx, cursor, pattern, selectionScanCount).Result()
		if err != nil {
			a.logger.Error(ctx, "Failed to scan selection keys", "pattern", pattern, "error", err.Error())
			return deleted, fmt.Errorf("redis SCAN for pattern '%s' failed: %w", pattern, err)
		}
		if len(keys) > 0 {
			n, err := a.redisClient.Del(ctx, keys...).Result()
			if err != nil {
				a.logger.Error(ctx, "Failed to delete selection keys", "pattern", pattern, "error", err.Error())
				return deleted, fmt.Errorf("redis DEL for selection keys failed: %w", err)
			}
			deleted += int(n)
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}
	a.logger.Debug(ctx, "Selection keys purged", "user_id", userID, "count", deleted)
	return deleted, nil
}
