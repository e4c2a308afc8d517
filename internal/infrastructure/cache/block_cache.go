package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/czhaoca/pathfinder-sub012/internal/domain/abuse"
)

// redisBlockCache stores temporary block entries as JSON values with a Redis
// TTL, so a temporary block can never outlive its duration.
type redisBlockCache struct {
	client *redis.Client
	logger *zap.Logger
}

// NewRedisBlockCache creates the ephemeral block store
func NewRedisBlockCache(client *redis.Client, logger *zap.Logger) BlockCache {
	return &redisBlockCache{
		client: client,
		logger: logger,
	}
}

func (c *redisBlockCache) SetBlock(ctx context.Context, ip string, entry *abuse.BlockEntry, ttl time.Duration) error {
	if ttl <= 0 {
		return fmt.Errorf("temporary block requires a positive ttl")
	}

	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshaling block entry: %w", err)
	}

	if err := c.client.Set(ctx, BlockPrefix+ip, data, ttl).Err(); err != nil {
		c.logger.Warn("block cache set failed",
			zap.String("ip", ip),
			zap.Duration("ttl", ttl),
			zap.Error(err))
		return fmt.Errorf("block cache set failed: %w", err)
	}

	return nil
}

func (c *redisBlockCache) GetBlock(ctx context.Context, ip string) (*abuse.BlockEntry, error) {
	data, err := c.client.Get(ctx, BlockPrefix+ip).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		c.logger.Warn("block cache get failed", zap.String("ip", ip), zap.Error(err))
		return nil, fmt.Errorf("block cache get failed: %w", err)
	}

	var entry abuse.BlockEntry
	if err := json.Unmarshal(data, &entry); err != nil {
		return nil, fmt.Errorf("unmarshaling block entry: %w", err)
	}
	return &entry, nil
}

func (c *redisBlockCache) DeleteBlock(ctx context.Context, ip string) error {
	if err := c.client.Del(ctx, BlockPrefix+ip).Err(); err != nil {
		return fmt.Errorf("block cache delete failed: %w", err)
	}
	return nil
}

// redisReputationCache briefly caches composite scores so bursts of checks
// for one IP do not refan out to every source.
type redisReputationCache struct {
	client *redis.Client
	logger *zap.Logger
}

// NewRedisReputationCache creates the short-lived reputation score cache
func NewRedisReputationCache(client *redis.Client, logger *zap.Logger) ReputationCache {
	return &redisReputationCache{
		client: client,
		logger: logger,
	}
}

func (c *redisReputationCache) GetScore(ctx context.Context, ip string) (*abuse.ReputationScore, error) {
	data, err := c.client.Get(ctx, ReputationPrefix+ip).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("reputation cache get failed: %w", err)
	}

	var score abuse.ReputationScore
	if err := json.Unmarshal(data, &score); err != nil {
		return nil, fmt.Errorf("unmarshaling reputation score: %w", err)
	}
	return &score, nil
}

func (c *redisReputationCache) SetScore(ctx context.Context, score *abuse.ReputationScore, ttl time.Duration) error {
	data, err := json.Marshal(score)
	if err != nil {
		return fmt.Errorf("marshaling reputation score: %w", err)
	}
	if err := c.client.Set(ctx, ReputationPrefix+score.IP, data, ttl).Err(); err != nil {
		c.logger.Warn("reputation cache set failed", zap.String("ip", score.IP), zap.Error(err))
		return fmt.Errorf("reputation cache set failed: %w", err)
	}
	return nil
}
