package guard

import (
	"context"
	"time"

	"github.com/czhaoca/pathfinder-sub012/internal/domain/abuse"
	"github.com/czhaoca/pathfinder-sub012/internal/service/ratelimit"
)

// Service is the request-path entry point for the abuse core
type Service interface {
	// IsAllowed decides whether a sensitive action should proceed,
	// composing block status and rate limits. Internal failures report
	// allowed.
	IsAllowed(ctx context.Context, req *CheckRequest) (*Decision, error)

	// RecordAttempt ingests a completed attempt. Detection and response
	// run asynchronously; the caller never waits on them.
	RecordAttempt(ctx context.Context, rec *abuse.AttemptRecord) error
}

// CheckRequest identifies one inbound sensitive action
type CheckRequest struct {
	IP     string `json:"ip" validate:"required,ip"`
	UserID string `json:"user_id,omitempty"`
	Action string `json:"action" validate:"required"`
}

// Decision is the composed allow/deny answer
type Decision struct {
	Allowed    bool          `json:"allowed"`
	Reason     string        `json:"reason,omitempty"`
	RetryAfter time.Duration `json:"retry_after,omitempty"`
}

// StatusChecker resolves block state for an IP
type StatusChecker interface {
	CheckStatus(ctx context.Context, ip string) (*abuse.BlockStatus, error)
}

// RateChecker evaluates the configured limiter for an action
type RateChecker interface {
	CheckLimit(ctx context.Context, key string, rc ratelimit.RequestContext) (*ratelimit.Decision, error)
}

// Recorder appends attempts to the recent-window ledger
type Recorder interface {
	Record(ctx context.Context, rec *abuse.AttemptRecord)
}

// Evaluator runs the detection patterns for an IP's working set
type Evaluator interface {
	Evaluate(ctx context.Context, ip string) []abuse.PatternVerdict
}

// Responder applies the response policy to detection verdicts
type Responder interface {
	HandlePatterns(ctx context.Context, ip string, verdicts []abuse.PatternVerdict)
}
