package reputation

import (
	"context"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/czhaoca/pathfinder-sub012/internal/domain/abuse"
	"github.com/czhaoca/pathfinder-sub012/internal/domain/errors"
	"github.com/czhaoca/pathfinder-sub012/internal/infrastructure/config"
	"github.com/czhaoca/pathfinder-sub012/internal/infrastructure/feeds"
	"github.com/czhaoca/pathfinder-sub012/internal/metrics"
	"github.com/czhaoca/pathfinder-sub012/internal/service/resilience"
)

const internalScoreWindow = 24 * time.Hour

type service struct {
	store    BlockStore
	blocks   BlockCache
	scores   ScoreCache
	outcomes OutcomeCounter
	feeds    []feeds.Feed
	breakers *resilience.Registry
	cfg      config.ReputationConfig
	metrics  *metrics.Registry
	logger   *zap.Logger
}

// NewService creates the reputation service. Every external feed lookup runs
// behind its own circuit breaker from the shared registry.
func NewService(
	store BlockStore,
	blocks BlockCache,
	scores ScoreCache,
	outcomes OutcomeCounter,
	feedList []feeds.Feed,
	breakers *resilience.Registry,
	cfg config.ReputationConfig,
	m *metrics.Registry,
	logger *zap.Logger,
) Service {
	return &service{
		store:    store,
		blocks:   blocks,
		scores:   scores,
		outcomes: outcomes,
		feeds:    feedList,
		breakers: breakers,
		cfg:      cfg,
		metrics:  m,
		logger:   logger,
	}
}

// CheckStatus resolves block state with permanent blocks taking precedence
// over temporary ones. A store or cache failure is logged and treated as
// not-blocked so that an infrastructure outage never locks out traffic.
func (s *service) CheckStatus(ctx context.Context, ip string) (*abuse.BlockStatus, error) {
	if net.ParseIP(ip) == nil {
		return nil, errors.NewValidationError("INVALID_IP", "not a valid IP address")
	}

	if entry, err := s.store.FindIPBlock(ctx, ip); err != nil {
		s.logger.Warn("durable ip block lookup failed, failing open",
			zap.String("ip", ip), zap.Error(err))
	} else if entry != nil {
		return &abuse.BlockStatus{Blocked: true, Reason: entry.Reason, Scope: abuse.BlockScopeIP}, nil
	}

	if entry, err := s.store.FindContainingSubnet(ctx, ip); err != nil {
		s.logger.Warn("subnet block lookup failed, failing open",
			zap.String("ip", ip), zap.Error(err))
	} else if entry != nil {
		return &abuse.BlockStatus{Blocked: true, Reason: entry.Reason, Scope: abuse.BlockScopeSubnet}, nil
	}

	if entry, err := s.blocks.GetBlock(ctx, ip); err != nil {
		s.logger.Warn("temporary block lookup failed, failing open",
			zap.String("ip", ip), zap.Error(err))
	} else if entry != nil {
		return &abuse.BlockStatus{Blocked: true, Reason: entry.Reason, Scope: entry.Scope}, nil
	}

	return &abuse.BlockStatus{Blocked: false}, nil
}

func (s *service) Block(ctx context.Context, ip, reason string, duration time.Duration) error {
	if net.ParseIP(ip) == nil {
		return errors.NewValidationError("INVALID_IP", "not a valid IP address")
	}

	if duration <= 0 {
		if err := s.store.SaveIPBlock(ctx, ip, reason); err != nil {
			return errors.NewDependencyError("postgres").WithCause(err)
		}
		s.recordBlock(abuse.BlockScopeIP, "permanent")
		s.logger.Info("permanent ip block applied",
			zap.String("ip", ip), zap.String("reason", reason))
		return nil
	}

	expiresAt := time.Now().UTC().Add(duration)
	entry := &abuse.BlockEntry{
		Scope:     abuse.BlockScopeIP,
		Value:     ip,
		Reason:    reason,
		CreatedAt: time.Now().UTC(),
		ExpiresAt: &expiresAt,
	}
	if err := s.blocks.SetBlock(ctx, ip, entry, duration); err != nil {
		return errors.NewDependencyError("redis").WithCause(err)
	}
	s.recordBlock(abuse.BlockScopeIP, "temporary")
	s.logger.Info("temporary ip block applied",
		zap.String("ip", ip),
		zap.String("reason", reason),
		zap.Duration("duration", duration))
	return nil
}

func (s *service) BlockSubnet(ctx context.Context, cidr, reason string, duration time.Duration) error {
	if _, _, err := net.ParseCIDR(cidr); err != nil {
		return errors.NewValidationError("INVALID_CIDR", "not a valid CIDR range")
	}

	if err := s.store.SaveSubnetBlock(ctx, cidr, reason, duration); err != nil {
		return errors.NewDependencyError("postgres").WithCause(err)
	}

	durability := "temporary"
	if duration <= 0 {
		durability = "permanent"
	}
	s.recordBlock(abuse.BlockScopeSubnet, durability)
	s.logger.Info("subnet block applied",
		zap.String("cidr", cidr),
		zap.String("reason", reason),
		zap.Duration("duration", duration))
	return nil
}

func (s *service) Unblock(ctx context.Context, ip string) error {
	if net.ParseIP(ip) == nil {
		return errors.NewValidationError("INVALID_IP", "not a valid IP address")
	}

	if err := s.store.RemoveIPBlock(ctx, ip); err != nil {
		return errors.NewDependencyError("postgres").WithCause(err)
	}
	if err := s.blocks.DeleteBlock(ctx, ip); err != nil {
		s.logger.Warn("temporary block removal failed",
			zap.String("ip", ip), zap.Error(err))
	}
	s.logger.Info("ip unblocked", zap.String("ip", ip))
	return nil
}

func (s *service) ListBlocks(ctx context.Context, limit int) ([]*abuse.BlockEntry, error) {
	entries, err := s.store.ListActiveBlocks(ctx, limit)
	if err != nil {
		return nil, errors.NewDependencyError("postgres").WithCause(err)
	}
	return entries, nil
}

// GetReputation fans out to every configured source in parallel, each behind
// its own circuit breaker with a bounded timeout. Sources that fail
// contribute a neutral midpoint and are excluded from SourcesUsed; the
// composite over the remaining sources stays deterministic.
func (s *service) GetReputation(ctx context.Context, ip string) (*abuse.ReputationScore, error) {
	if net.ParseIP(ip) == nil {
		return nil, errors.NewValidationError("INVALID_IP", "not a valid IP address")
	}

	if cached, err := s.scores.GetScore(ctx, ip); err == nil && cached != nil {
		return cached, nil
	}

	score := &abuse.ReputationScore{IP: ip, ComputedAt: time.Now().UTC()}

	var mu sync.Mutex
	var wg sync.WaitGroup
	var feedsAnswered int
	var internalAnswered bool

	for _, feed := range s.feeds {
		wg.Add(1)
		go func(f feeds.Feed) {
			defer wg.Done()
			result, ok := s.lookupFeed(ctx, f, ip)
			if !ok {
				return
			}
			mu.Lock()
			defer mu.Unlock()
			feedsAnswered++
			score.SourcesUsed = append(score.SourcesUsed, f.Name())
			if result.Score > score.ExternalScore {
				score.ExternalScore = result.Score
			}
			if result.Listed {
				score.Listed = true
			}
		}(feed)
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		internal, ok := s.internalScore(ctx, ip)
		if !ok {
			return
		}
		mu.Lock()
		defer mu.Unlock()
		internalAnswered = true
		score.InternalScore = internal
		score.SourcesUsed = append(score.SourcesUsed, "internal_history")
	}()

	wg.Wait()

	// The composite is a trust score: abuse signals are inverted so that
	// more confirmed abuse always lowers it. An unanswered source sits at
	// the 50 midpoint, neither punitive nor trusting.
	externalTerm, listedTerm, internalTerm := 50.0, 50.0, 50.0
	if feedsAnswered > 0 {
		externalTerm = 100 - score.ExternalScore
		listedTerm = 100
		if score.Listed {
			listedTerm = 0
		}
	}
	if internalAnswered {
		internalTerm = 100 - score.InternalScore
	}
	score.CompositeScore = s.cfg.AbuseFeedWeight*externalTerm +
		s.cfg.BlockListWeight*listedTerm +
		s.cfg.InternalWeight*internalTerm

	if err := s.scores.SetScore(ctx, score, s.cfg.CacheTTL); err != nil {
		s.logger.Warn("reputation cache write failed",
			zap.String("ip", ip), zap.Error(err))
	}
	return score, nil
}

func (s *service) lookupFeed(ctx context.Context, f feeds.Feed, ip string) (*feeds.FeedResult, bool) {
	breaker := s.breakers.Get(f.Name())
	value, err := breaker.Execute(ctx, func(ctx context.Context) (interface{}, error) {
		lookupCtx, cancel := context.WithTimeout(ctx, s.cfg.LookupTimeout)
		defer cancel()
		return f.Lookup(lookupCtx, ip)
	})
	if err != nil {
		s.logger.Warn("reputation source unavailable",
			zap.String("source", f.Name()),
			zap.String("ip", ip),
			zap.Error(err))
		return nil, false
	}
	result, ok := value.(*feeds.FeedResult)
	return result, ok && result != nil
}

// internalScore derives a 0-100 score from local failure history. Small
// samples are damped so a single failed login cannot dominate the composite.
func (s *service) internalScore(ctx context.Context, ip string) (float64, bool) {
	success, failure, err := s.outcomes.CountOutcomes(ctx, ip, internalScoreWindow)
	if err != nil {
		s.logger.Warn("internal history lookup failed",
			zap.String("ip", ip), zap.Error(err))
		return 0, false
	}

	total := success + failure
	if total == 0 {
		return 0, true
	}

	ratio := float64(failure) / float64(total)
	confidence := float64(total) / 20
	if confidence > 1 {
		confidence = 1
	}
	return ratio * confidence * 100, true
}

func (s *service) recordBlock(scope abuse.BlockScope, durability string) {
	if s.metrics != nil {
		s.metrics.BlocksTotal.WithLabelValues(string(scope), durability).Inc()
	}
}
