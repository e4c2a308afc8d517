package reputation

import (
	"context"
	"time"

	"github.com/czhaoca/pathfinder-sub012/internal/domain/abuse"
)

// Service manages IP reputation and block state
type Service interface {
	// CheckStatus reports whether an IP is currently blocked, consulting
	// durable IP blocks, durable subnet blocks and temporary blocks in that
	// order. Infrastructure failures report not-blocked.
	CheckStatus(ctx context.Context, ip string) (*abuse.BlockStatus, error)

	// Block blocks an exact IP. A zero duration makes the block permanent
	// and durable; a positive duration creates a temporary block that
	// expires on its own.
	Block(ctx context.Context, ip, reason string, duration time.Duration) error

	// BlockSubnet blocks a CIDR range durably. Zero duration is permanent.
	BlockSubnet(ctx context.Context, cidr, reason string, duration time.Duration) error

	// Unblock lifts both the durable and temporary blocks for an IP.
	Unblock(ctx context.Context, ip string) error

	// GetReputation computes the weighted composite reputation for an IP,
	// tolerating partial source failures.
	GetReputation(ctx context.Context, ip string) (*abuse.ReputationScore, error)

	// ListBlocks returns currently active blocks for administrative review.
	ListBlocks(ctx context.Context, limit int) ([]*abuse.BlockEntry, error)
}

// BlockStore is the durable side of block state
type BlockStore interface {
	SaveIPBlock(ctx context.Context, ip, reason string) error
	RemoveIPBlock(ctx context.Context, ip string) error
	FindIPBlock(ctx context.Context, ip string) (*abuse.BlockEntry, error)
	SaveSubnetBlock(ctx context.Context, cidr, reason string, duration time.Duration) error
	FindContainingSubnet(ctx context.Context, ip string) (*abuse.BlockEntry, error)
	ListActiveBlocks(ctx context.Context, limit int) ([]*abuse.BlockEntry, error)
}

// BlockCache is the ephemeral side of block state
type BlockCache interface {
	SetBlock(ctx context.Context, ip string, entry *abuse.BlockEntry, ttl time.Duration) error
	GetBlock(ctx context.Context, ip string) (*abuse.BlockEntry, error)
	DeleteBlock(ctx context.Context, ip string) error
}

// ScoreCache caches composite reputation scores between recomputations
type ScoreCache interface {
	GetScore(ctx context.Context, ip string) (*abuse.ReputationScore, error)
	SetScore(ctx context.Context, score *abuse.ReputationScore, ttl time.Duration) error
}

// OutcomeCounter exposes local attempt history for the internal score
type OutcomeCounter interface {
	CountOutcomes(ctx context.Context, ip string, window time.Duration) (success, failure int, err error)
}
