package detection

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/czhaoca/pathfinder-sub012/internal/domain/abuse"
)

func makeAttempt(ip, email string, ts time.Time) abuse.AttemptRecord {
	return abuse.AttemptRecord{
		ID:        uuid.New(),
		Timestamp: ts,
		SourceIP:  ip,
		Email:     email,
		EmailHash: abuse.HashEmail(email),
		Action:    "login",
		Outcome:   abuse.OutcomeFailure,
	}
}

func TestRapidSuccessionPattern(t *testing.T) {
	pattern := &rapidSuccessionPattern{maxAttempts: 10}
	now := time.Now()

	var below []abuse.AttemptRecord
	for i := 0; i < 9; i++ {
		below = append(below, makeAttempt("203.0.113.7", fmt.Sprintf("u%d@example.com", i), now))
	}
	verdict := pattern.Detect(context.Background(), below)
	assert.False(t, verdict.Detected)

	var above []abuse.AttemptRecord
	for i := 0; i < 15; i++ {
		above = append(above, makeAttempt("203.0.113.7", fmt.Sprintf("u%d@example.com", i), now))
	}
	verdict = pattern.Detect(context.Background(), above)
	assert.True(t, verdict.Detected)
	assert.Equal(t, abuse.SeverityMedium, verdict.Severity)
	assert.Equal(t, 15, verdict.Evidence["attempts"])
}

func TestSequentialPattern(t *testing.T) {
	pattern := &sequentialPattern{minRun: 3}
	now := time.Now()

	attempts := []abuse.AttemptRecord{
		makeAttempt("203.0.113.7", "user1@example.com", now),
		makeAttempt("203.0.113.7", "user2@example.com", now),
		makeAttempt("203.0.113.7", "user3@example.com", now),
	}
	verdict := pattern.Detect(context.Background(), attempts)
	assert.True(t, verdict.Detected)
	assert.Equal(t, abuse.SeverityHigh, verdict.Severity)
	assert.Equal(t, "user", verdict.Evidence["prefix"])

	unrelated := []abuse.AttemptRecord{
		makeAttempt("203.0.113.7", "alice@example.com", now),
		makeAttempt("203.0.113.7", "bob@example.com", now),
		makeAttempt("203.0.113.7", "carol@example.com", now),
	}
	verdict = pattern.Detect(context.Background(), unrelated)
	assert.False(t, verdict.Detected)
}

func TestSequentialPatternToleratesSmallGaps(t *testing.T) {
	pattern := &sequentialPattern{minRun: 3}
	now := time.Now()

	// 1, 3, 5: each gap is 2, still counts as a run.
	attempts := []abuse.AttemptRecord{
		makeAttempt("203.0.113.7", "acct1@example.com", now),
		makeAttempt("203.0.113.7", "acct3@example.com", now),
		makeAttempt("203.0.113.7", "acct5@example.com", now),
	}
	verdict := pattern.Detect(context.Background(), attempts)
	assert.True(t, verdict.Detected)
}

func TestDistributedAttackPattern(t *testing.T) {
	pattern := &distributedAttackPattern{minIPs: 5}
	now := time.Now()

	var attempts []abuse.AttemptRecord
	for i := 0; i < 5; i++ {
		attempts = append(attempts, makeAttempt(fmt.Sprintf("203.0.113.%d", i+1), "victim@example.com", now))
	}
	verdict := pattern.Detect(context.Background(), attempts)
	assert.True(t, verdict.Detected)
	assert.Equal(t, abuse.SeverityCritical, verdict.Severity)

	var sparse []abuse.AttemptRecord
	for i := 0; i < 4; i++ {
		sparse = append(sparse, makeAttempt(fmt.Sprintf("203.0.113.%d", i+1), "victim@example.com", now))
	}
	verdict = pattern.Detect(context.Background(), sparse)
	assert.False(t, verdict.Detected)
}

func TestBotSignatureUniformTiming(t *testing.T) {
	pattern := &botSignaturePattern{minTimedAttempts: 5, varianceMs: 50, sameUserAgentMin: 10}
	base := time.Now()

	var attempts []abuse.AttemptRecord
	for i := 0; i < 6; i++ {
		attempts = append(attempts, makeAttempt("203.0.113.7", fmt.Sprintf("u%d@example.com", i), base.Add(time.Duration(i)*time.Second)))
	}
	// Give every attempt human-looking behavioral flags so only timing trips.
	for i := range attempts {
		attempts[i].Behavioral.HasMouseMovement = true
	}

	verdict := pattern.Detect(context.Background(), attempts)
	assert.True(t, verdict.Detected)
	assert.Equal(t, "uniform_timing", verdict.Evidence["signal"])
}

func TestBotSignatureHumanTimingPasses(t *testing.T) {
	pattern := &botSignaturePattern{minTimedAttempts: 5, varianceMs: 50, sameUserAgentMin: 10}
	base := time.Now()

	// Irregular gaps: 1s, 4s, 9s, 11s, 30s.
	gaps := []time.Duration{0, time.Second, 5 * time.Second, 14 * time.Second, 25 * time.Second, 55 * time.Second}
	var attempts []abuse.AttemptRecord
	for i, gap := range gaps {
		rec := makeAttempt("203.0.113.7", fmt.Sprintf("u%d@example.com", i), base.Add(gap))
		rec.Behavioral.HasMouseMovement = true
		attempts = append(attempts, rec)
	}

	verdict := pattern.Detect(context.Background(), attempts)
	assert.False(t, verdict.Detected)
}

func TestBotSignatureRepeatedUserAgent(t *testing.T) {
	pattern := &botSignaturePattern{minTimedAttempts: 50, varianceMs: 50, sameUserAgentMin: 10}
	base := time.Now()

	var attempts []abuse.AttemptRecord
	for i := 0; i < 10; i++ {
		rec := makeAttempt("203.0.113.7", fmt.Sprintf("u%d@example.com", i), base.Add(time.Duration(i*i)*time.Second))
		rec.UserAgent = "curl/8.0"
		attempts = append(attempts, rec)
	}

	verdict := pattern.Detect(context.Background(), attempts)
	assert.True(t, verdict.Detected)
	assert.Equal(t, "repeated_user_agent", verdict.Evidence["signal"])
}

func TestBotSignatureMissingBehavioralFlags(t *testing.T) {
	pattern := &botSignaturePattern{minTimedAttempts: 5, varianceMs: 1, sameUserAgentMin: 10}
	base := time.Now()

	var attempts []abuse.AttemptRecord
	for i := 0; i < 6; i++ {
		// Irregular spacing keeps the timing signal quiet.
		attempts = append(attempts, makeAttempt("203.0.113.7", fmt.Sprintf("u%d@example.com", i), base.Add(time.Duration(i*i*i)*time.Second)))
	}

	verdict := pattern.Detect(context.Background(), attempts)
	assert.True(t, verdict.Detected)
	assert.Equal(t, "missing_behavioral_flags", verdict.Evidence["signal"])
}

func TestCredentialStuffingPattern(t *testing.T) {
	pattern := &credentialStuffingPattern{minEmails: 8}
	now := time.Now()

	var attempts []abuse.AttemptRecord
	for i := 0; i < 8; i++ {
		rec := makeAttempt("203.0.113.7", fmt.Sprintf("victim%d@example.com", i), now)
		rec.Behavioral.PasswordLength = 12
		attempts = append(attempts, rec)
	}
	verdict := pattern.Detect(context.Background(), attempts)
	assert.True(t, verdict.Detected)
	assert.Equal(t, abuse.SeverityCritical, verdict.Severity)
	assert.Equal(t, 12, verdict.Evidence["password_length"])
}

func TestCredentialStuffingIgnoresVariedLengths(t *testing.T) {
	pattern := &credentialStuffingPattern{minEmails: 8}
	now := time.Now()

	var attempts []abuse.AttemptRecord
	for i := 0; i < 10; i++ {
		rec := makeAttempt("203.0.113.7", fmt.Sprintf("victim%d@example.com", i), now)
		rec.Behavioral.PasswordLength = 8 + i
		attempts = append(attempts, rec)
	}
	verdict := pattern.Detect(context.Background(), attempts)
	assert.False(t, verdict.Detected)
}

func TestEmailEnumerationPattern(t *testing.T) {
	pattern := &emailEnumerationPattern{minEmails: 20}
	now := time.Now()

	var attempts []abuse.AttemptRecord
	for i := 1; i <= 25; i++ {
		attempts = append(attempts, makeAttempt("203.0.113.7", fmt.Sprintf("user%d@example.com", i), now))
	}
	verdict := pattern.Detect(context.Background(), attempts)
	assert.True(t, verdict.Detected)
	assert.Equal(t, abuse.SeverityHigh, verdict.Severity)
	assert.Equal(t, 25, verdict.Evidence["distinct_sequential"])

	verdict = pattern.Detect(context.Background(), attempts[:15])
	assert.False(t, verdict.Detected)
}

func TestDictionaryAttackPattern(t *testing.T) {
	pattern := &dictionaryAttackPattern{minMatches: 3}
	now := time.Now()

	attempts := []abuse.AttemptRecord{
		makeAttempt("203.0.113.7", "admin@example.com", now),
		makeAttempt("203.0.113.7", "root@example.com", now),
		makeAttempt("203.0.113.7", "guest@example.com", now),
	}
	verdict := pattern.Detect(context.Background(), attempts)
	assert.True(t, verdict.Detected)
	assert.Equal(t, 3, verdict.Evidence["matches"])

	clean := []abuse.AttemptRecord{
		makeAttempt("203.0.113.7", "jsmith@example.com", now),
		makeAttempt("203.0.113.7", "mjones@example.com", now),
		makeAttempt("203.0.113.7", "klee@example.com", now),
	}
	verdict = pattern.Detect(context.Background(), clean)
	assert.False(t, verdict.Detected)
}

func TestDictionaryAttackMatchesNumberedVariants(t *testing.T) {
	pattern := &dictionaryAttackPattern{minMatches: 2}
	now := time.Now()

	attempts := []abuse.AttemptRecord{
		makeAttempt("203.0.113.7", "admin1@example.com", now),
		makeAttempt("203.0.113.7", "test42@example.com", now),
	}
	verdict := pattern.Detect(context.Background(), attempts)
	assert.True(t, verdict.Detected)
}

func TestSplitTrailingNumber(t *testing.T) {
	tests := []struct {
		value  string
		prefix string
		n      int
		ok     bool
	}{
		{value: "user17", prefix: "user", n: 17, ok: true},
		{value: "user", ok: false},
		{value: "42", prefix: "", n: 42, ok: true},
		{value: "user17b", ok: false},
	}

	for _, tt := range tests {
		t.Run(tt.value, func(t *testing.T) {
			prefix, n, ok := splitTrailingNumber(tt.value)
			require.Equal(t, tt.ok, ok)
			if tt.ok {
				assert.Equal(t, tt.prefix, prefix)
				assert.Equal(t, tt.n, n)
			}
		})
	}
}
