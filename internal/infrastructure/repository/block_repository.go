package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/czhaoca/pathfinder-sub012/internal/domain/abuse"
)

// BlockRepository persists permanent IP and subnet blocks in PostgreSQL.
// Temporary blocks never reach this store; they live in the block cache.
type BlockRepository struct {
	pool *pgxpool.Pool
}

// NewBlockRepository creates a new durable block repository
func NewBlockRepository(pool *pgxpool.Pool) *BlockRepository {
	return &BlockRepository{pool: pool}
}

// SaveIPBlock records a permanent block for an exact IP. Re-blocking an
// already-blocked IP refreshes the reason.
func (r *BlockRepository) SaveIPBlock(ctx context.Context, ip, reason string) error {
	query := `
		INSERT INTO blocked_ips (ip, reason, created_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (ip) DO UPDATE SET reason = EXCLUDED.reason
	`
	if _, err := r.pool.Exec(ctx, query, ip, reason, time.Now().UTC()); err != nil {
		return fmt.Errorf("failed to save ip block: %w", err)
	}
	return nil
}

// RemoveIPBlock lifts a permanent IP block. Explicit administrative action is
// the only path here.
func (r *BlockRepository) RemoveIPBlock(ctx context.Context, ip string) error {
	if _, err := r.pool.Exec(ctx, `DELETE FROM blocked_ips WHERE ip = $1`, ip); err != nil {
		return fmt.Errorf("failed to remove ip block: %w", err)
	}
	return nil
}

// FindIPBlock returns the permanent block for an exact IP, or nil.
func (r *BlockRepository) FindIPBlock(ctx context.Context, ip string) (*abuse.BlockEntry, error) {
	query := `SELECT ip::text, reason, created_at FROM blocked_ips WHERE ip = $1`

	var entry abuse.BlockEntry
	entry.Scope = abuse.BlockScopeIP
	err := r.pool.QueryRow(ctx, query, ip).Scan(&entry.Value, &entry.Reason, &entry.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to query ip block: %w", err)
	}
	return &entry, nil
}

// SaveSubnetBlock records a subnet block keyed by CIDR. A zero duration makes
// the block permanent.
func (r *BlockRepository) SaveSubnetBlock(ctx context.Context, cidr, reason string, duration time.Duration) error {
	var expiresAt *time.Time
	if duration > 0 {
		t := time.Now().UTC().Add(duration)
		expiresAt = &t
	}

	query := `
		INSERT INTO blocked_subnets (cidr, reason, created_at, expires_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (cidr) DO UPDATE SET reason = EXCLUDED.reason, expires_at = EXCLUDED.expires_at
	`
	if _, err := r.pool.Exec(ctx, query, cidr, reason, time.Now().UTC(), expiresAt); err != nil {
		return fmt.Errorf("failed to save subnet block: %w", err)
	}
	return nil
}

// FindContainingSubnet returns the block entry for any stored subnet that
// contains the IP. Containment matching runs in the database on the cidr
// column, never as a string comparison.
func (r *BlockRepository) FindContainingSubnet(ctx context.Context, ip string) (*abuse.BlockEntry, error) {
	query := `
		SELECT cidr::text, reason, created_at, expires_at
		FROM blocked_subnets
		WHERE cidr >>= $1::inet
		  AND (expires_at IS NULL OR expires_at > now())
		ORDER BY masklen(cidr) DESC
		LIMIT 1
	`

	var entry abuse.BlockEntry
	entry.Scope = abuse.BlockScopeSubnet
	err := r.pool.QueryRow(ctx, query, ip).Scan(&entry.Value, &entry.Reason, &entry.CreatedAt, &entry.ExpiresAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to query subnet blocks: %w", err)
	}
	return &entry, nil
}

// ListActiveBlocks returns all permanent IP blocks and unexpired subnet
// blocks, newest first.
func (r *BlockRepository) ListActiveBlocks(ctx context.Context, limit int) ([]*abuse.BlockEntry, error) {
	if limit <= 0 {
		limit = 100
	}

	query := `
		SELECT ip::text, reason, created_at, NULL::timestamptz, 'ip' FROM blocked_ips
		UNION ALL
		SELECT cidr::text, reason, created_at, expires_at, 'subnet' FROM blocked_subnets
		WHERE expires_at IS NULL OR expires_at > now()
		ORDER BY 3 DESC
		LIMIT $1
	`

	rows, err := r.pool.Query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list blocks: %w", err)
	}
	defer rows.Close()

	var entries []*abuse.BlockEntry
	for rows.Next() {
		var entry abuse.BlockEntry
		var scope string
		if err := rows.Scan(&entry.Value, &entry.Reason, &entry.CreatedAt, &entry.ExpiresAt, &scope); err != nil {
			return nil, fmt.Errorf("failed to scan block row: %w", err)
		}
		entry.Scope = abuse.BlockScope(scope)
		entries = append(entries, &entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate block rows: %w", err)
	}
	return entries, nil
}
