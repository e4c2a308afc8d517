package repository

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/czhaoca/pathfinder-sub012/internal/domain/abuse"
)

// AttemptRepository stores the append-only audit trail of sensitive-action
// attempts and answers the aggregate queries behind internal reputation.
type AttemptRepository struct {
	pool *pgxpool.Pool
}

// NewAttemptRepository creates a new attempt audit repository
func NewAttemptRepository(pool *pgxpool.Pool) *AttemptRepository {
	return &AttemptRepository{pool: pool}
}

// Save appends one attempt record. Only the email hash is written; the raw
// address never reaches durable storage.
func (r *AttemptRepository) Save(ctx context.Context, rec *abuse.AttemptRecord) error {
	query := `
		INSERT INTO abuse_attempts (
			id, occurred_at, source_ip, email_hash, fingerprint, user_agent,
			action, outcome, has_mouse_movement, has_keyboard_variation,
			password_length, username_pattern
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`
	_, err := r.pool.Exec(ctx, query,
		rec.ID, rec.Timestamp, rec.SourceIP, rec.EmailHash, rec.Fingerprint,
		rec.UserAgent, rec.Action, string(rec.Outcome),
		rec.Behavioral.HasMouseMovement, rec.Behavioral.HasKeyboardVariation,
		rec.Behavioral.PasswordLength, rec.Behavioral.UsernamePattern,
	)
	if err != nil {
		return fmt.Errorf("failed to save attempt: %w", err)
	}
	return nil
}

// CountOutcomes returns the success and failure counts for an IP within a
// trailing window, feeding the internal reputation component.
func (r *AttemptRepository) CountOutcomes(ctx context.Context, ip string, window time.Duration) (success, failure int, err error) {
	query := `
		SELECT
			COUNT(*) FILTER (WHERE outcome = 'success'),
			COUNT(*) FILTER (WHERE outcome = 'failure')
		FROM abuse_attempts
		WHERE source_ip = $1 AND occurred_at > $2
	`
	since := time.Now().UTC().Add(-window)
	if err = r.pool.QueryRow(ctx, query, ip, since).Scan(&success, &failure); err != nil {
		return 0, 0, fmt.Errorf("failed to count attempt outcomes: %w", err)
	}
	return success, failure, nil
}

// IsDisposableDomain reports whether the email domain is on the known
// disposable-provider list.
func (r *AttemptRepository) IsDisposableDomain(ctx context.Context, domain string) (bool, error) {
	domain = strings.ToLower(strings.TrimSpace(domain))
	if domain == "" {
		return false, nil
	}

	var exists bool
	query := `SELECT EXISTS (SELECT 1 FROM disposable_domains WHERE domain = $1)`
	if err := r.pool.QueryRow(ctx, query, domain).Scan(&exists); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, nil
		}
		return false, fmt.Errorf("failed to query disposable domains: %w", err)
	}
	return exists, nil
}
