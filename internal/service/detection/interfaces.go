package detection

import (
	"context"
	"time"

	"github.com/czhaoca/pathfinder-sub012/internal/domain/abuse"
)

// Pattern is a named, side-effect-free predicate over a recent attempt
// window. Patterns share no mutable state and may run concurrently.
type Pattern interface {
	Name() string
	Detect(ctx context.Context, attempts []abuse.AttemptRecord) abuse.PatternVerdict
}

// AttemptSource provides the windowed attempt data the engine evaluates.
// The ledger satisfies this.
type AttemptSource interface {
	WorkingSet(ip string, window time.Duration) []abuse.AttemptRecord
}

// Thresholds carries the policy knobs for the built-in patterns. These are
// configuration, not contract; defaults mirror production tuning.
type Thresholds struct {
	Window               time.Duration
	RapidSuccessionMax   int
	SequentialMinRun     int
	DistributedMinIPs    int
	BotMinTimedAttempts  int
	BotTimingVarianceMs  float64
	BotSameUserAgentMin  int
	StuffingMinEmails    int
	EnumerationMinEmails int
	DictionaryMinMatches int
}

func (t Thresholds) withDefaults() Thresholds {
	if t.Window <= 0 {
		t.Window = 15 * time.Minute
	}
	if t.RapidSuccessionMax <= 0 {
		t.RapidSuccessionMax = 10
	}
	if t.SequentialMinRun <= 0 {
		t.SequentialMinRun = 3
	}
	if t.DistributedMinIPs <= 0 {
		t.DistributedMinIPs = 5
	}
	if t.BotMinTimedAttempts <= 0 {
		t.BotMinTimedAttempts = 5
	}
	if t.BotTimingVarianceMs <= 0 {
		t.BotTimingVarianceMs = 50
	}
	if t.BotSameUserAgentMin <= 0 {
		t.BotSameUserAgentMin = 10
	}
	if t.StuffingMinEmails <= 0 {
		t.StuffingMinEmails = 8
	}
	if t.EnumerationMinEmails <= 0 {
		t.EnumerationMinEmails = 20
	}
	if t.DictionaryMinMatches <= 0 {
		t.DictionaryMinMatches = 3
	}
	return t
}
