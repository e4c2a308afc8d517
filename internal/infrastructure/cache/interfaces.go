package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/czhaoca/pathfinder-sub012/internal/domain/abuse"
)

// Key prefixes keep counter, block and reputation entries in separate
// namespaces on the shared Redis instance.
const (
	CounterPrefix    = "guard:win:"
	BlockPrefix      = "guard:block:"
	ReputationPrefix = "guard:rep:"
)

// CounterStore provides atomic sliding-window counters with expiry. It backs
// both the dynamic rate limiter and the attempt-frequency queries used by
// detection.
type CounterStore interface {
	// Increment trims entries older than the window, records a new entry and
	// returns the post-trim cardinality, all atomically per key.
	Increment(ctx context.Context, key string, window time.Duration) (int, error)

	// Peek returns the current in-window count without recording an entry.
	Peek(ctx context.Context, key string, window time.Duration) (int, error)

	// Reset clears a counter key.
	Reset(ctx context.Context, key string) error
}

// BlockCache stores temporary block entries under a TTL. Permanent blocks
// never live here; they belong to the durable block repository.
type BlockCache interface {
	SetBlock(ctx context.Context, ip string, entry *abuse.BlockEntry, ttl time.Duration) error
	GetBlock(ctx context.Context, ip string) (*abuse.BlockEntry, error)
	DeleteBlock(ctx context.Context, ip string) error
}

// ReputationCache briefly caches composite reputation scores.
type ReputationCache interface {
	GetScore(ctx context.Context, ip string) (*abuse.ReputationScore, error)
	SetScore(ctx context.Context, score *abuse.ReputationScore, ttl time.Duration) error
}

// ErrCacheKeyNotFound indicates a cache miss
type ErrCacheKeyNotFound struct {
	Key string
}

func (e ErrCacheKeyNotFound) Error() string {
	return fmt.Sprintf("cache key not found: %s", e.Key)
}
