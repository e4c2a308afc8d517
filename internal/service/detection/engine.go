package detection

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/czhaoca/pathfinder-sub012/internal/domain/abuse"
	"github.com/czhaoca/pathfinder-sub012/internal/metrics"
)

// Engine runs every registered pattern against an IP's working set and
// returns one verdict per pattern, in registration order.
type Engine struct {
	source   AttemptSource
	patterns []Pattern
	window   time.Duration
	metrics  *metrics.Registry
	logger   *zap.Logger
}

// NewEngine builds an engine with the seven built-in patterns, configured
// from the supplied thresholds.
func NewEngine(source AttemptSource, thresholds Thresholds, m *metrics.Registry, logger *zap.Logger) *Engine {
	thresholds = thresholds.withDefaults()
	return &Engine{
		source: source,
		patterns: []Pattern{
			&rapidSuccessionPattern{maxAttempts: thresholds.RapidSuccessionMax},
			&sequentialPattern{minRun: thresholds.SequentialMinRun},
			&distributedAttackPattern{minIPs: thresholds.DistributedMinIPs},
			&botSignaturePattern{
				minTimedAttempts: thresholds.BotMinTimedAttempts,
				varianceMs:       thresholds.BotTimingVarianceMs,
				sameUserAgentMin: thresholds.BotSameUserAgentMin,
			},
			&credentialStuffingPattern{minEmails: thresholds.StuffingMinEmails},
			&emailEnumerationPattern{minEmails: thresholds.EnumerationMinEmails},
			&dictionaryAttackPattern{minMatches: thresholds.DictionaryMinMatches},
		},
		window:  thresholds.Window,
		metrics: m,
		logger:  logger,
	}
}

// Register appends a custom pattern. Not safe to call after Evaluate is in
// use; register everything during startup.
func (e *Engine) Register(p Pattern) {
	e.patterns = append(e.patterns, p)
}

// Evaluate pulls the working set for an IP and runs all patterns
// concurrently. The returned slice preserves registration order regardless
// of which pattern finishes first.
func (e *Engine) Evaluate(ctx context.Context, ip string) []abuse.PatternVerdict {
	attempts := e.source.WorkingSet(ip, e.window)
	if len(attempts) == 0 {
		return nil
	}

	verdicts := make([]abuse.PatternVerdict, len(e.patterns))
	var wg sync.WaitGroup
	for i, pattern := range e.patterns {
		wg.Add(1)
		go func(i int, p Pattern) {
			defer wg.Done()
			verdicts[i] = p.Detect(ctx, attempts)
		}(i, pattern)
	}
	wg.Wait()

	for _, v := range verdicts {
		if v.Detected {
			if e.metrics != nil {
				e.metrics.PatternsDetected.WithLabelValues(v.Pattern, string(v.Severity)).Inc()
			}
			e.logger.Info("attack pattern detected",
				zap.String("pattern", v.Pattern),
				zap.String("severity", string(v.Severity)),
				zap.String("ip", ip),
				zap.Any("evidence", v.Evidence),
			)
		}
	}
	return verdicts
}
