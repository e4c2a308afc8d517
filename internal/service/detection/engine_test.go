package detection

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/czhaoca/pathfinder-sub012/internal/domain/abuse"
	"github.com/czhaoca/pathfinder-sub012/internal/metrics"
)

type staticSource struct {
	attempts []abuse.AttemptRecord
}

func (s *staticSource) WorkingSet(_ string, _ time.Duration) []abuse.AttemptRecord {
	return s.attempts
}

func TestEngineEvaluatesAllPatternsInOrder(t *testing.T) {
	var attempts []abuse.AttemptRecord
	for i := 0; i < 3; i++ {
		attempts = append(attempts, makeAttempt("203.0.113.7", fmt.Sprintf("u%d@example.com", i), time.Now()))
	}

	engine := NewEngine(&staticSource{attempts: attempts}, Thresholds{}, metrics.NewRegistry(), zaptest.NewLogger(t))

	verdicts := engine.Evaluate(context.Background(), "203.0.113.7")
	require.Len(t, verdicts, 7)
	assert.Equal(t, PatternRapidSuccession, verdicts[0].Pattern)
	assert.Equal(t, PatternSequential, verdicts[1].Pattern)
	assert.Equal(t, PatternDistributedAttack, verdicts[2].Pattern)
	assert.Equal(t, PatternBotSignature, verdicts[3].Pattern)
	assert.Equal(t, PatternCredentialStuffing, verdicts[4].Pattern)
	assert.Equal(t, PatternEmailEnumeration, verdicts[5].Pattern)
	assert.Equal(t, PatternDictionaryAttack, verdicts[6].Pattern)
}

func TestEngineEmptyWorkingSetSkipsEvaluation(t *testing.T) {
	engine := NewEngine(&staticSource{}, Thresholds{}, metrics.NewRegistry(), zaptest.NewLogger(t))
	assert.Nil(t, engine.Evaluate(context.Background(), "203.0.113.7"))
}

func TestEngineDetectsRapidSuccessionEndToEnd(t *testing.T) {
	var attempts []abuse.AttemptRecord
	for i := 0; i < 20; i++ {
		attempts = append(attempts, makeAttempt("203.0.113.7", "victim@example.com", time.Now()))
	}

	engine := NewEngine(&staticSource{attempts: attempts}, Thresholds{RapidSuccessionMax: 10}, metrics.NewRegistry(), zaptest.NewLogger(t))

	verdicts := engine.Evaluate(context.Background(), "203.0.113.7")
	require.Len(t, verdicts, 7)
	assert.True(t, verdicts[0].Detected)
}

func TestEngineCustomPattern(t *testing.T) {
	engine := NewEngine(&staticSource{attempts: []abuse.AttemptRecord{
		makeAttempt("203.0.113.7", "u@example.com", time.Now()),
	}}, Thresholds{}, metrics.NewRegistry(), zaptest.NewLogger(t))

	engine.Register(&alwaysDetect{})

	verdicts := engine.Evaluate(context.Background(), "203.0.113.7")
	require.Len(t, verdicts, 8)
	assert.Equal(t, "always", verdicts[7].Pattern)
	assert.True(t, verdicts[7].Detected)
}

type alwaysDetect struct{}

func (a *alwaysDetect) Name() string { return "always" }

func (a *alwaysDetect) Detect(_ context.Context, _ []abuse.AttemptRecord) abuse.PatternVerdict {
	return abuse.PatternVerdict{Pattern: "always", Detected: true, Severity: abuse.SeverityLow}
}
