// Package guard composes block status, rate limiting, detection and
// response into the two operations callers actually use.
package guard

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/czhaoca/pathfinder-sub012/internal/domain/abuse"
	"github.com/czhaoca/pathfinder-sub012/internal/domain/errors"
	"github.com/czhaoca/pathfinder-sub012/internal/metrics"
	"github.com/czhaoca/pathfinder-sub012/internal/service/ratelimit"
)

const evaluateTimeout = 10 * time.Second

type service struct {
	status    StatusChecker
	limiter   RateChecker
	ledger    Recorder
	detector  Evaluator
	responder Responder
	metrics   *metrics.Registry
	logger    *zap.Logger
	tracer    trace.Tracer
}

// NewService wires the composed guard service
func NewService(
	status StatusChecker,
	limiter RateChecker,
	ledger Recorder,
	detector Evaluator,
	responder Responder,
	m *metrics.Registry,
	logger *zap.Logger,
) Service {
	return &service{
		status:    status,
		limiter:   limiter,
		ledger:    ledger,
		detector:  detector,
		responder: responder,
		metrics:   m,
		logger:    logger,
		tracer:    otel.Tracer("guard"),
	}
}

// IsAllowed checks block state first, then the action's rate limit. Block
// checks and limit checks each fail open on infrastructure errors, so the
// composed decision degrades to allow rather than an outage.
func (s *service) IsAllowed(ctx context.Context, req *CheckRequest) (*Decision, error) {
	ctx, span := s.tracer.Start(ctx, "guard.IsAllowed",
		trace.WithAttributes(
			attribute.String("guard.action", req.Action),
		))
	defer span.End()

	start := time.Now()
	decision, err := s.check(ctx, req)
	if err != nil {
		s.observe(req.Action, "error", start)
		return nil, err
	}

	outcome := "allowed"
	if !decision.Allowed {
		outcome = "denied"
	}
	s.observe(req.Action, outcome, start)
	span.SetAttributes(attribute.Bool("guard.allowed", decision.Allowed))
	return decision, nil
}

func (s *service) check(ctx context.Context, req *CheckRequest) (*Decision, error) {
	status, err := s.status.CheckStatus(ctx, req.IP)
	if err != nil {
		if errors.IsValidation(err) {
			return nil, err
		}
		s.logger.Warn("block status check failed, allowing",
			zap.String("ip", req.IP), zap.Error(err))
		status = &abuse.BlockStatus{}
	}
	if status.Blocked {
		return &Decision{Allowed: false, Reason: "blocked: " + status.Reason}, nil
	}

	limit, err := s.limiter.CheckLimit(ctx, req.Action, ratelimit.RequestContext{
		UserID: req.UserID,
		IP:     req.IP,
	})
	if err != nil {
		if errors.IsValidation(err) {
			return nil, err
		}
		s.logger.Warn("rate limit check failed, allowing",
			zap.String("action", req.Action), zap.Error(err))
		return &Decision{Allowed: true}, nil
	}
	if !limit.Allowed {
		return &Decision{
			Allowed:    false,
			Reason:     "rate limit exceeded",
			RetryAfter: limit.RetryAfter,
		}, nil
	}

	return &Decision{Allowed: true}, nil
}

// RecordAttempt appends to the ledger synchronously and runs detection plus
// response in the background. The caller's latency never includes pattern
// evaluation.
func (s *service) RecordAttempt(ctx context.Context, rec *abuse.AttemptRecord) error {
	ctx, span := s.tracer.Start(ctx, "guard.RecordAttempt",
		trace.WithAttributes(
			attribute.String("guard.action", rec.Action),
			attribute.String("guard.outcome", string(rec.Outcome)),
		))
	defer span.End()

	s.ledger.Record(ctx, rec)

	go func(ip string) {
		bg, cancel := context.WithTimeout(context.Background(), evaluateTimeout)
		defer cancel()

		verdicts := s.detector.Evaluate(bg, ip)
		if len(verdicts) > 0 {
			s.responder.HandlePatterns(bg, ip, verdicts)
		}
	}(rec.SourceIP)

	return nil
}

func (s *service) observe(action, outcome string, start time.Time) {
	if s.metrics == nil {
		return
	}
	s.metrics.ChecksTotal.WithLabelValues(action, outcome).Inc()
	s.metrics.CheckDuration.WithLabelValues(action).Observe(time.Since(start).Seconds())
}
