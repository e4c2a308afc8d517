package reputation

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/czhaoca/pathfinder-sub012/internal/domain/abuse"
	"github.com/czhaoca/pathfinder-sub012/internal/domain/errors"
	"github.com/czhaoca/pathfinder-sub012/internal/infrastructure/config"
	"github.com/czhaoca/pathfinder-sub012/internal/infrastructure/feeds"
	"github.com/czhaoca/pathfinder-sub012/internal/metrics"
	"github.com/czhaoca/pathfinder-sub012/internal/service/resilience"
)

type mockBlockStore struct {
	mock.Mock
}

func (m *mockBlockStore) SaveIPBlock(ctx context.Context, ip, reason string) error {
	args := m.Called(ctx, ip, reason)
	return args.Error(0)
}

func (m *mockBlockStore) RemoveIPBlock(ctx context.Context, ip string) error {
	args := m.Called(ctx, ip)
	return args.Error(0)
}

func (m *mockBlockStore) FindIPBlock(ctx context.Context, ip string) (*abuse.BlockEntry, error) {
	args := m.Called(ctx, ip)
	if entry := args.Get(0); entry != nil {
		return entry.(*abuse.BlockEntry), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *mockBlockStore) SaveSubnetBlock(ctx context.Context, cidr, reason string, duration time.Duration) error {
	args := m.Called(ctx, cidr, reason, duration)
	return args.Error(0)
}

func (m *mockBlockStore) FindContainingSubnet(ctx context.Context, ip string) (*abuse.BlockEntry, error) {
	args := m.Called(ctx, ip)
	if entry := args.Get(0); entry != nil {
		return entry.(*abuse.BlockEntry), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *mockBlockStore) ListActiveBlocks(ctx context.Context, limit int) ([]*abuse.BlockEntry, error) {
	args := m.Called(ctx, limit)
	if entries := args.Get(0); entries != nil {
		return entries.([]*abuse.BlockEntry), args.Error(1)
	}
	return nil, args.Error(1)
}

type mockBlockCache struct {
	mock.Mock
}

func (m *mockBlockCache) SetBlock(ctx context.Context, ip string, entry *abuse.BlockEntry, ttl time.Duration) error {
	args := m.Called(ctx, ip, entry, ttl)
	return args.Error(0)
}

func (m *mockBlockCache) GetBlock(ctx context.Context, ip string) (*abuse.BlockEntry, error) {
	args := m.Called(ctx, ip)
	if entry := args.Get(0); entry != nil {
		return entry.(*abuse.BlockEntry), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *mockBlockCache) DeleteBlock(ctx context.Context, ip string) error {
	args := m.Called(ctx, ip)
	return args.Error(0)
}

type mockScoreCache struct {
	mock.Mock
}

func (m *mockScoreCache) GetScore(ctx context.Context, ip string) (*abuse.ReputationScore, error) {
	args := m.Called(ctx, ip)
	if score := args.Get(0); score != nil {
		return score.(*abuse.ReputationScore), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *mockScoreCache) SetScore(ctx context.Context, score *abuse.ReputationScore, ttl time.Duration) error {
	args := m.Called(ctx, score, ttl)
	return args.Error(0)
}

type mockOutcomes struct {
	mock.Mock
}

func (m *mockOutcomes) CountOutcomes(ctx context.Context, ip string, window time.Duration) (int, int, error) {
	args := m.Called(ctx, ip, window)
	return args.Int(0), args.Int(1), args.Error(2)
}

type stubFeed struct {
	name   string
	result *feeds.FeedResult
	err    error
}

func (f *stubFeed) Name() string { return f.name }

func (f *stubFeed) Lookup(_ context.Context, _ string) (*feeds.FeedResult, error) {
	return f.result, f.err
}

type fixture struct {
	store    *mockBlockStore
	blocks   *mockBlockCache
	scores   *mockScoreCache
	outcomes *mockOutcomes
	svc      Service
}

func newFixture(t *testing.T, feedList []feeds.Feed) *fixture {
	t.Helper()
	f := &fixture{
		store:    &mockBlockStore{},
		blocks:   &mockBlockCache{},
		scores:   &mockScoreCache{},
		outcomes: &mockOutcomes{},
	}
	cfg := config.ReputationConfig{
		AbuseFeedWeight: 0.4,
		BlockListWeight: 0.2,
		InternalWeight:  0.4,
		LookupTimeout:   time.Second,
		CacheTTL:        5 * time.Minute,
	}
	registry := resilience.NewRegistry(resilience.Config{FailureThreshold: 5, ResetTimeout: time.Minute, CallTimeout: time.Second}, zaptest.NewLogger(t))
	f.svc = NewService(f.store, f.blocks, f.scores, f.outcomes, feedList, registry, cfg, metrics.NewRegistry(), zaptest.NewLogger(t))
	return f
}

func TestCheckStatusPermanentBlockWins(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	f.store.On("FindIPBlock", ctx, "203.0.113.7").Return(&abuse.BlockEntry{
		Scope: abuse.BlockScopeIP, Value: "203.0.113.7", Reason: "manual block",
	}, nil)

	status, err := f.svc.CheckStatus(ctx, "203.0.113.7")
	require.NoError(t, err)
	assert.True(t, status.Blocked)
	assert.Equal(t, "manual block", status.Reason)
	assert.Equal(t, abuse.BlockScopeIP, status.Scope)

	// Subnet and temporary lookups never ran.
	f.store.AssertNotCalled(t, "FindContainingSubnet", mock.Anything, mock.Anything)
	f.blocks.AssertNotCalled(t, "GetBlock", mock.Anything, mock.Anything)
}

func TestCheckStatusSubnetBlock(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	f.store.On("FindIPBlock", ctx, "203.0.113.7").Return(nil, nil)
	f.store.On("FindContainingSubnet", ctx, "203.0.113.7").Return(&abuse.BlockEntry{
		Scope: abuse.BlockScopeSubnet, Value: "203.0.113.0/24", Reason: "distributed_attack",
	}, nil)

	status, err := f.svc.CheckStatus(ctx, "203.0.113.7")
	require.NoError(t, err)
	assert.True(t, status.Blocked)
	assert.Equal(t, abuse.BlockScopeSubnet, status.Scope)
}

func TestCheckStatusTemporaryBlock(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	f.store.On("FindIPBlock", ctx, "203.0.113.7").Return(nil, nil)
	f.store.On("FindContainingSubnet", ctx, "203.0.113.7").Return(nil, nil)
	f.blocks.On("GetBlock", ctx, "203.0.113.7").Return(&abuse.BlockEntry{
		Scope: abuse.BlockScopeIP, Value: "203.0.113.7", Reason: "bot_signature",
	}, nil)

	status, err := f.svc.CheckStatus(ctx, "203.0.113.7")
	require.NoError(t, err)
	assert.True(t, status.Blocked)
	assert.Equal(t, "bot_signature", status.Reason)
}

func TestCheckStatusNotBlocked(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	f.store.On("FindIPBlock", ctx, "203.0.113.7").Return(nil, nil)
	f.store.On("FindContainingSubnet", ctx, "203.0.113.7").Return(nil, nil)
	f.blocks.On("GetBlock", ctx, "203.0.113.7").Return(nil, nil)

	status, err := f.svc.CheckStatus(ctx, "203.0.113.7")
	require.NoError(t, err)
	assert.False(t, status.Blocked)
}

func TestCheckStatusFailsOpenOnStoreError(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	f.store.On("FindIPBlock", ctx, "203.0.113.7").Return(nil, fmt.Errorf("connection refused"))
	f.store.On("FindContainingSubnet", ctx, "203.0.113.7").Return(nil, fmt.Errorf("connection refused"))
	f.blocks.On("GetBlock", ctx, "203.0.113.7").Return(nil, fmt.Errorf("connection refused"))

	status, err := f.svc.CheckStatus(ctx, "203.0.113.7")
	require.NoError(t, err)
	assert.False(t, status.Blocked)
}

func TestCheckStatusInvalidIP(t *testing.T) {
	f := newFixture(t, nil)

	_, err := f.svc.CheckStatus(context.Background(), "not-an-ip")
	require.Error(t, err)
	assert.True(t, errors.IsValidation(err))
}

func TestBlockPermanentGoesDurable(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	f.store.On("SaveIPBlock", ctx, "203.0.113.7", "manual").Return(nil)

	require.NoError(t, f.svc.Block(ctx, "203.0.113.7", "manual", 0))
	f.store.AssertExpectations(t)
	f.blocks.AssertNotCalled(t, "SetBlock", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestBlockTemporaryGoesToCache(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	f.blocks.On("SetBlock", ctx, "203.0.113.7", mock.MatchedBy(func(entry *abuse.BlockEntry) bool {
		return entry.Reason == "bot_signature" && !entry.Permanent()
	}), 4*time.Hour).Return(nil)

	require.NoError(t, f.svc.Block(ctx, "203.0.113.7", "bot_signature", 4*time.Hour))
	f.blocks.AssertExpectations(t)
	f.store.AssertNotCalled(t, "SaveIPBlock", mock.Anything, mock.Anything, mock.Anything)
}

func TestBlockSubnet(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	f.store.On("SaveSubnetBlock", ctx, "203.0.113.0/24", "distributed_attack", 30*time.Minute).Return(nil)

	require.NoError(t, f.svc.BlockSubnet(ctx, "203.0.113.0/24", "distributed_attack", 30*time.Minute))
	f.store.AssertExpectations(t)

	err := f.svc.BlockSubnet(ctx, "bad-cidr", "x", 0)
	require.Error(t, err)
	assert.True(t, errors.IsValidation(err))
}

func TestUnblockClearsBothStores(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	f.store.On("RemoveIPBlock", ctx, "203.0.113.7").Return(nil)
	f.blocks.On("DeleteBlock", ctx, "203.0.113.7").Return(nil)

	require.NoError(t, f.svc.Unblock(ctx, "203.0.113.7"))
	f.store.AssertExpectations(t)
	f.blocks.AssertExpectations(t)
}

func TestGetReputationUsesCache(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	cached := &abuse.ReputationScore{IP: "203.0.113.7", CompositeScore: 42}
	f.scores.On("GetScore", ctx, "203.0.113.7").Return(cached, nil)

	score, err := f.svc.GetReputation(ctx, "203.0.113.7")
	require.NoError(t, err)
	assert.Equal(t, 42.0, score.CompositeScore)
	f.outcomes.AssertNotCalled(t, "CountOutcomes", mock.Anything, mock.Anything, mock.Anything)
}

func TestGetReputationComposite(t *testing.T) {
	feedList := []feeds.Feed{
		&stubFeed{name: "abuse_score_feed", result: &feeds.FeedResult{Score: 80, Listed: true}},
	}
	f := newFixture(t, feedList)
	ctx := context.Background()

	f.scores.On("GetScore", ctx, "203.0.113.7").Return(nil, nil)
	f.scores.On("SetScore", ctx, mock.Anything, 5*time.Minute).Return(nil)
	f.outcomes.On("CountOutcomes", ctx, "203.0.113.7", mock.Anything).Return(0, 20, nil)

	score, err := f.svc.GetReputation(ctx, "203.0.113.7")
	require.NoError(t, err)

	// inverted external (100-80) * 0.4 + listed 0 * 0.2 + inverted internal (100-100) * 0.4
	assert.InDelta(t, 8.0, score.CompositeScore, 0.001)
	assert.True(t, score.Listed)
	assert.Len(t, score.SourcesUsed, 2)
}

func TestGetReputationCleanIPScoresHigh(t *testing.T) {
	feedList := []feeds.Feed{
		&stubFeed{name: "abuse_score_feed", result: &feeds.FeedResult{Score: 0}},
	}
	f := newFixture(t, feedList)
	ctx := context.Background()

	f.scores.On("GetScore", ctx, "203.0.113.7").Return(nil, nil)
	f.scores.On("SetScore", ctx, mock.Anything, mock.Anything).Return(nil)
	f.outcomes.On("CountOutcomes", ctx, "203.0.113.7", mock.Anything).Return(20, 0, nil)

	score, err := f.svc.GetReputation(ctx, "203.0.113.7")
	require.NoError(t, err)
	assert.InDelta(t, 100.0, score.CompositeScore, 0.001)
}

func TestGetReputationMoreAbuseNeverRaisesScore(t *testing.T) {
	low := []feeds.Feed{&stubFeed{name: "abuse_score_feed", result: &feeds.FeedResult{Score: 10}}}
	high := []feeds.Feed{&stubFeed{name: "abuse_score_feed", result: &feeds.FeedResult{Score: 90, Listed: true}}}

	var results []float64
	for _, feedList := range [][]feeds.Feed{low, high} {
		f := newFixture(t, feedList)
		ctx := context.Background()
		f.scores.On("GetScore", ctx, "203.0.113.7").Return(nil, nil)
		f.scores.On("SetScore", ctx, mock.Anything, mock.Anything).Return(nil)
		f.outcomes.On("CountOutcomes", ctx, "203.0.113.7", mock.Anything).Return(10, 0, nil)

		score, err := f.svc.GetReputation(ctx, "203.0.113.7")
		require.NoError(t, err)
		results = append(results, score.CompositeScore)
	}
	assert.Greater(t, results[0], results[1])
}

func TestGetReputationToleratesSourceFailure(t *testing.T) {
	feedList := []feeds.Feed{
		&stubFeed{name: "abuse_score_feed", err: fmt.Errorf("timeout")},
		&stubFeed{name: "block_list_feed", result: &feeds.FeedResult{Listed: true, Score: 100}},
	}
	f := newFixture(t, feedList)
	ctx := context.Background()

	f.scores.On("GetScore", ctx, "203.0.113.7").Return(nil, nil)
	f.scores.On("SetScore", ctx, mock.Anything, mock.Anything).Return(nil)
	f.outcomes.On("CountOutcomes", ctx, "203.0.113.7", mock.Anything).Return(5, 5, nil)

	score, err := f.svc.GetReputation(ctx, "203.0.113.7")
	require.NoError(t, err)
	assert.NotContains(t, score.SourcesUsed, "abuse_score_feed")
	assert.Contains(t, score.SourcesUsed, "block_list_feed")
	assert.Contains(t, score.SourcesUsed, "internal_history")
	assert.True(t, score.Listed)
}
