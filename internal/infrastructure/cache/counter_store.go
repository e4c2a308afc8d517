package cache

import (
	"context"
	"fmt"
	"math/rand"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// redisCounterStore implements CounterStore over Redis sorted sets. Each
// counter key holds timestamp-scored members; trimming, adding and counting
// run in one pipeline so concurrent callers on the same key never lose
// updates.
type redisCounterStore struct {
	client *redis.Client
	logger *zap.Logger
}

// NewRedisCounterStore creates a sliding-window counter store backed by Redis
func NewRedisCounterStore(client *redis.Client, logger *zap.Logger) CounterStore {
	return &redisCounterStore{
		client: client,
		logger: logger,
	}
}

// Increment removes entries older than the window, adds a timestamped entry,
// refreshes the key TTL and returns the post-trim cardinality.
func (s *redisCounterStore) Increment(ctx context.Context, key string, window time.Duration) (int, error) {
	now := time.Now()
	windowStart := now.Add(-window)
	counterKey := CounterPrefix + key

	// Entropy suffix avoids member collisions when two callers land on the
	// same nanosecond.
	member := fmt.Sprintf("%d-%d", now.UnixNano(), rand.Intn(1000))

	pipe := s.client.Pipeline()
	pipe.ZRemRangeByScore(ctx, counterKey, "-inf", strconv.FormatInt(windowStart.UnixNano(), 10))
	pipe.ZAdd(ctx, counterKey, redis.Z{
		Score:  float64(now.UnixNano()),
		Member: member,
	})
	cardCmd := pipe.ZCard(ctx, counterKey)
	pipe.Expire(ctx, counterKey, window)

	if _, err := pipe.Exec(ctx); err != nil {
		s.logger.Warn("counter store increment failed",
			zap.String("key", key),
			zap.Duration("window", window),
			zap.Error(err))
		return 0, fmt.Errorf("counter store increment failed: %w", err)
	}

	return int(cardCmd.Val()), nil
}

// Peek returns the in-window count after trimming stale entries, without
// recording a new one.
func (s *redisCounterStore) Peek(ctx context.Context, key string, window time.Duration) (int, error) {
	now := time.Now()
	windowStart := now.Add(-window)
	counterKey := CounterPrefix + key

	pipe := s.client.Pipeline()
	pipe.ZRemRangeByScore(ctx, counterKey, "-inf", strconv.FormatInt(windowStart.UnixNano(), 10))
	cardCmd := pipe.ZCard(ctx, counterKey)

	if _, err := pipe.Exec(ctx); err != nil {
		s.logger.Warn("counter store peek failed",
			zap.String("key", key),
			zap.Error(err))
		return 0, fmt.Errorf("counter store peek failed: %w", err)
	}

	return int(cardCmd.Val()), nil
}

// Reset clears a counter key
func (s *redisCounterStore) Reset(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, CounterPrefix+key).Err(); err != nil {
		return fmt.Errorf("counter store reset failed: %w", err)
	}
	return nil
}
