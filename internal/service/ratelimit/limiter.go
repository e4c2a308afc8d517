// Package ratelimit implements dynamic sliding-window rate limiting on top
// of the shared counter store. Rules are configuration, not code; adding a
// limiter is a config change.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/czhaoca/pathfinder-sub012/internal/domain/errors"
	"github.com/czhaoca/pathfinder-sub012/internal/infrastructure/cache"
	"github.com/czhaoca/pathfinder-sub012/internal/infrastructure/config"
	"github.com/czhaoca/pathfinder-sub012/internal/metrics"
)

// RequestContext identifies the actor being limited
type RequestContext struct {
	UserID string
	IP     string
}

// Decision is the outcome of a limit check
type Decision struct {
	Allowed    bool          `json:"allowed"`
	Remaining  int           `json:"remaining"`
	RetryAfter time.Duration `json:"retry_after,omitempty"`
}

type rule struct {
	maxRequests int
	window      time.Duration
	scope       string
	exemptUsers map[string]bool
	exemptIPs   map[string]bool
}

// Limiter evaluates configured rate-limit rules against the counter store.
type Limiter struct {
	rules   map[string]rule
	store   cache.CounterStore
	metrics *metrics.Registry
	logger  *zap.Logger
}

// NewLimiter validates the configured rules and builds the limiter.
// Duplicate keys and malformed rules are configuration errors; the caller
// should refuse to start.
func NewLimiter(rules []config.RateLimitRule, store cache.CounterStore, m *metrics.Registry, logger *zap.Logger) (*Limiter, error) {
	compiled := make(map[string]rule, len(rules))
	for _, r := range rules {
		if r.Key == "" {
			return nil, errors.NewConfigurationError("RATE_LIMIT_KEY_EMPTY", "rate limit rule requires a key")
		}
		if _, exists := compiled[r.Key]; exists {
			return nil, errors.NewConfigurationError("RATE_LIMIT_KEY_DUPLICATE",
				fmt.Sprintf("duplicate rate limit key %q", r.Key))
		}
		if r.MaxRequests <= 0 || r.WindowSeconds <= 0 {
			return nil, errors.NewConfigurationError("RATE_LIMIT_RULE_INVALID",
				fmt.Sprintf("rate limit rule %q requires positive max_requests and window_seconds", r.Key))
		}
		switch r.Scope {
		case "user", "ip", "global", "custom":
		default:
			return nil, errors.NewConfigurationError("RATE_LIMIT_SCOPE_INVALID",
				fmt.Sprintf("rate limit rule %q has unknown scope %q", r.Key, r.Scope))
		}

		compiled[r.Key] = rule{
			maxRequests: r.MaxRequests,
			window:      time.Duration(r.WindowSeconds) * time.Second,
			scope:       r.Scope,
			exemptUsers: toSet(r.ExemptUsers),
			exemptIPs:   toSet(r.ExemptIPs),
		}
	}

	return &Limiter{rules: compiled, store: store, metrics: m, logger: logger}, nil
}

// CheckLimit evaluates one rule for one actor. Unknown keys allow the
// request; a counter-store failure also allows it, so the limiter degrades
// to no-op rather than an outage amplifier.
func (l *Limiter) CheckLimit(ctx context.Context, key string, rc RequestContext) (*Decision, error) {
	r, ok := l.rules[key]
	if !ok {
		return &Decision{Allowed: true, Remaining: -1}, nil
	}

	if r.exemptUsers[rc.UserID] && rc.UserID != "" {
		return &Decision{Allowed: true, Remaining: r.maxRequests}, nil
	}
	if r.exemptIPs[rc.IP] && rc.IP != "" {
		return &Decision{Allowed: true, Remaining: r.maxRequests}, nil
	}

	counterKey, err := l.composeKey(key, r.scope, rc)
	if err != nil {
		return nil, err
	}

	count, err := l.store.Increment(ctx, counterKey, r.window)
	if err != nil {
		if l.metrics != nil {
			l.metrics.CounterFailures.Inc()
		}
		l.logger.Warn("counter store unavailable, allowing request",
			zap.String("rule", key), zap.Error(err))
		return &Decision{Allowed: true, Remaining: -1}, nil
	}

	if count > r.maxRequests {
		return &Decision{
			Allowed:    false,
			Remaining:  0,
			RetryAfter: r.window,
		}, nil
	}

	return &Decision{Allowed: true, Remaining: r.maxRequests - count}, nil
}

// Reset clears the counter for one rule and actor, for administrative use.
func (l *Limiter) Reset(ctx context.Context, key string, rc RequestContext) error {
	r, ok := l.rules[key]
	if !ok {
		return errors.NewNotFoundError("rate limit rule")
	}
	counterKey, err := l.composeKey(key, r.scope, rc)
	if err != nil {
		return err
	}
	return l.store.Reset(ctx, counterKey)
}

func (l *Limiter) composeKey(key, scope string, rc RequestContext) (string, error) {
	switch scope {
	case "user":
		if rc.UserID == "" {
			return "", errors.NewValidationError("MISSING_USER", "user-scoped rule requires a user id")
		}
		return fmt.Sprintf("rl:%s:user:%s", key, rc.UserID), nil
	case "ip":
		if rc.IP == "" {
			return "", errors.NewValidationError("MISSING_IP", "ip-scoped rule requires a source ip")
		}
		return fmt.Sprintf("rl:%s:ip:%s", key, rc.IP), nil
	case "global":
		return fmt.Sprintf("rl:%s:global", key), nil
	default:
		value := rc.UserID
		if value == "" {
			value = rc.IP
		}
		if value == "" {
			return "", errors.NewValidationError("MISSING_ACTOR", "custom-scoped rule requires an actor")
		}
		return fmt.Sprintf("rl:%s:custom:%s", key, value), nil
	}
}

func toSet(values []string) map[string]bool {
	set := make(map[string]bool, len(values))
	for _, v := range values {
		set[v] = true
	}
	return set
}
