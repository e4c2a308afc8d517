package abuse

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/czhaoca/pathfinder-sub012/internal/domain/errors"
)

func TestNewAttemptRecord(t *testing.T) {
	tests := []struct {
		name     string
		sourceIP string
		email    string
		action   string
		outcome  Outcome
		wantErr  bool
	}{
		{
			name:     "valid ipv4 attempt",
			sourceIP: "203.0.113.7",
			email:    "User@Example.com",
			action:   "login",
			outcome:  OutcomeFailure,
		},
		{
			name:     "valid ipv6 attempt",
			sourceIP: "2001:db8::1",
			email:    "user@example.com",
			action:   "registration",
			outcome:  OutcomeSuccess,
		},
		{
			name:     "invalid ip rejected",
			sourceIP: "not-an-ip",
			email:    "user@example.com",
			action:   "login",
			outcome:  OutcomeFailure,
			wantErr:  true,
		},
		{
			name:     "empty ip rejected",
			sourceIP: "",
			email:    "user@example.com",
			action:   "login",
			outcome:  OutcomeFailure,
			wantErr:  true,
		},
		{
			name:     "empty action rejected",
			sourceIP: "203.0.113.7",
			email:    "user@example.com",
			action:   "",
			outcome:  OutcomeFailure,
			wantErr:  true,
		},
		{
			name:     "unknown outcome rejected",
			sourceIP: "203.0.113.7",
			email:    "user@example.com",
			action:   "login",
			outcome:  Outcome("maybe"),
			wantErr:  true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec, err := NewAttemptRecord(tt.sourceIP, tt.email, tt.action, tt.outcome)
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, errors.IsValidation(err))
				return
			}
			require.NoError(t, err)
			assert.NotEqual(t, "", rec.ID.String())
			assert.Equal(t, tt.sourceIP, rec.SourceIP)
			assert.Equal(t, HashEmail(tt.email), rec.EmailHash)
			assert.False(t, rec.Timestamp.IsZero())
		})
	}
}

func TestHashEmail(t *testing.T) {
	assert.Equal(t, HashEmail("user@example.com"), HashEmail("  USER@Example.COM  "))
	assert.NotEqual(t, HashEmail("user@example.com"), HashEmail("other@example.com"))
	assert.Equal(t, "", HashEmail("   "))
}

func TestSubnetOf(t *testing.T) {
	tests := []struct {
		name string
		ip   string
		want string
	}{
		{name: "ipv4 folds to /24", ip: "203.0.113.77", want: "203.0.113.0/24"},
		{name: "ipv4 network address", ip: "10.1.2.0", want: "10.1.2.0/24"},
		{name: "ipv6 folds to /64", ip: "2001:db8:abcd:12::9", want: "2001:db8:abcd:12::/64"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := SubnetOf(tt.ip)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	_, err := SubnetOf("bogus")
	require.Error(t, err)
}

func TestCIDRContains(t *testing.T) {
	assert.True(t, CIDRContains("203.0.113.0/24", "203.0.113.200"))
	assert.False(t, CIDRContains("203.0.113.0/24", "203.0.114.1"))
	assert.True(t, CIDRContains("2001:db8::/64", "2001:db8::ffff"))
	assert.False(t, CIDRContains("bad-cidr", "203.0.113.1"))
	assert.False(t, CIDRContains("203.0.113.0/24", "bad-ip"))
}

func TestWorstSeverity(t *testing.T) {
	assert.Equal(t, SeverityLow, WorstSeverity(nil))
	assert.Equal(t, SeverityCritical, WorstSeverity([]Severity{SeverityLow, SeverityCritical, SeverityMedium}))
	assert.Equal(t, SeverityHigh, WorstSeverity([]Severity{SeverityMedium, SeverityHigh}))
}

func TestBlockEntryPermanent(t *testing.T) {
	entry := &BlockEntry{Scope: BlockScopeIP, Value: "203.0.113.7"}
	assert.True(t, entry.Permanent())

	expires := entry.CreatedAt.Add(1)
	entry.ExpiresAt = &expires
	assert.False(t, entry.Permanent())
}
