package market

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sawpanic/genepool/internal/domain/bounty"
	domval "github.com/sawpanic/genepool/internal/domain/validation"
	"github.com/sawpanic/genepool/internal/persistence"
	"github.com/sawpanic/genepool/internal/persistence/memory"
)

type fixture struct {
	svc   *Service
	repo  persistence.BountyRepo
	clock *time.Time
}

func newFixture() fixture {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	repo := memory.NewBountyRepo()
	svc := New(repo, func() time.Time { return now })
	return fixture{svc: svc, repo: repo, clock: &now}
}

func openBounty(t *testing.T, f fixture) bounty.Bounty {
	t.Helper()
	b, err := f.svc.Publish(context.Background(), bounty.Bounty{
		Type: bounty.TypeDiscoverFactor,
		Requirements: bounty.Requirements{
			Symbol: "BTC-USD", Timeframe: "1h", Market: "spot",
		},
		Criteria: domval.Criteria{
			MinSharpe: 1.0, MinWinRate: 0.5, MaxDrawdown: -0.3,
			MinTrades: 10, MinProfitFactor: 1.2,
		},
		Reward:   bounty.RewardSchedule{Base: decimal.NewFromInt(100)},
		Deadline: f.clock.Add(48 * time.Hour),
	})
	require.NoError(t, err)
	return b
}

func passingResult() domval.BacktestResult {
	return domval.BacktestResult{
		Sharpe: 2.5, MaxDrawdown: -0.1, WinRate: 0.6,
		AnnualReturn: 0.3, Trades: 50, ProfitFactor: 2.0,
	}
}

func TestPublish_DefaultsAndValidation(t *testing.T) {
	f := newFixture()
	b := openBounty(t, f)

	assert.NotEmpty(t, b.TaskID)
	assert.Equal(t, bounty.StatusOpen, b.Status)
	assert.Len(t, b.Reward.TierBonus, 3, "default tier multipliers applied")

	_, err := f.svc.Publish(context.Background(), bounty.Bounty{Type: "nonsense"})
	assert.Error(t, err)
}

func TestClaim_ExactlyOneWinner(t *testing.T) {
	f := newFixture()
	b := openBounty(t, f)

	claimed, err := f.svc.Claim(context.Background(), b.TaskID, "agent_1")
	require.NoError(t, err)
	assert.Equal(t, bounty.StatusClaimed, claimed.Status)
	assert.Equal(t, "agent_1", claimed.ClaimedBy)

	_, err = f.svc.Claim(context.Background(), b.TaskID, "agent_2")
	assert.ErrorIs(t, err, persistence.ErrClaimConflict)
}

func TestSubmit_OnlyClaimHolder(t *testing.T) {
	f := newFixture()
	b := openBounty(t, f)
	_, err := f.svc.Claim(context.Background(), b.TaskID, "agent_1")
	require.NoError(t, err)

	_, err = f.svc.Submit(context.Background(), b.TaskID, "agent_2", "gene_x", passingResult())
	assert.ErrorIs(t, err, persistence.ErrNotClaimHolder)
}

func TestSubmit_PassCompletesAndPaysTieredReward(t *testing.T) {
	f := newFixture()
	b := openBounty(t, f)
	_, err := f.svc.Claim(context.Background(), b.TaskID, "agent_1")
	require.NoError(t, err)

	sub, err := f.svc.Submit(context.Background(), b.TaskID, "agent_1", "gene_x", passingResult())
	require.NoError(t, err)

	assert.True(t, sub.Passed)
	assert.Equal(t, domval.RewardGold, sub.RewardTier)
	assert.True(t, sub.Reward.Equal(decimal.NewFromInt(200)), "base 100 at gold 2x")

	got, err := f.svc.Get(context.Background(), b.TaskID)
	require.NoError(t, err)
	assert.Equal(t, bounty.StatusCompleted, got.Status)
	require.Len(t, got.Submissions, 1)
}

func TestSubmit_FailureRecordedClaimRetained(t *testing.T) {
	f := newFixture()
	b := openBounty(t, f)
	_, err := f.svc.Claim(context.Background(), b.TaskID, "agent_1")
	require.NoError(t, err)

	weak := passingResult()
	weak.Sharpe = 0.2
	sub, err := f.svc.Submit(context.Background(), b.TaskID, "agent_1", "gene_x", weak)
	require.NoError(t, err)

	assert.False(t, sub.Passed)
	assert.True(t, sub.Reward.IsZero())
	assert.NotEmpty(t, sub.Reason)

	got, err := f.svc.Get(context.Background(), b.TaskID)
	require.NoError(t, err)
	assert.Equal(t, bounty.StatusClaimed, got.Status, "failed attempt keeps the claim")
	require.Len(t, got.Submissions, 1)

	// The holder retries with a better gene and completes.
	sub, err = f.svc.Submit(context.Background(), b.TaskID, "agent_1", "gene_y", passingResult())
	require.NoError(t, err)
	assert.True(t, sub.Passed)
}

func TestDeadline_ExpiredClaimIsEvictedAndReclaimable(t *testing.T) {
	f := newFixture()
	b := openBounty(t, f)
	_, err := f.svc.Claim(context.Background(), b.TaskID, "agent_1")
	require.NoError(t, err)

	*f.clock = f.clock.Add(72 * time.Hour)

	_, err = f.svc.Submit(context.Background(), b.TaskID, "agent_1", "gene_x", passingResult())
	assert.ErrorIs(t, err, persistence.ErrBountyExpired, "work past the deadline is not accepted")

	got, err := f.svc.Get(context.Background(), b.TaskID)
	require.NoError(t, err)
	assert.Equal(t, bounty.StatusOpen, got.Status, "expired bounty is re-opened")
	assert.Empty(t, got.ClaimedBy)
	assert.True(t, got.Deadline.After(*f.clock), "re-opened bounty gets a fresh deadline")

	claimed, err := f.svc.Claim(context.Background(), b.TaskID, "agent_2")
	require.NoError(t, err)
	assert.Equal(t, "agent_2", claimed.ClaimedBy)
}

func TestDeadline_ClaimOnExpiredBountyFails(t *testing.T) {
	f := newFixture()
	b := openBounty(t, f)

	*f.clock = f.clock.Add(72 * time.Hour)

	_, err := f.svc.Claim(context.Background(), b.TaskID, "agent_1")
	assert.ErrorIs(t, err, persistence.ErrBountyExpired)

	// The expiry observation re-armed the bounty; the next claim succeeds.
	claimed, err := f.svc.Claim(context.Background(), b.TaskID, "agent_1")
	require.NoError(t, err)
	assert.Equal(t, bounty.StatusClaimed, claimed.Status)
}

func TestRelease_HolderOnly(t *testing.T) {
	f := newFixture()
	b := openBounty(t, f)
	_, err := f.svc.Claim(context.Background(), b.TaskID, "agent_1")
	require.NoError(t, err)

	err = f.svc.Release(context.Background(), b.TaskID, "agent_2")
	assert.ErrorIs(t, err, persistence.ErrNotClaimHolder)

	require.NoError(t, f.svc.Release(context.Background(), b.TaskID, "agent_1"))

	got, err := f.svc.Get(context.Background(), b.TaskID)
	require.NoError(t, err)
	assert.Equal(t, bounty.StatusOpen, got.Status)
}

func TestCancel_IsTerminal(t *testing.T) {
	f := newFixture()
	b := openBounty(t, f)

	require.NoError(t, f.svc.Cancel(context.Background(), b.TaskID))

	_, err := f.svc.Claim(context.Background(), b.TaskID, "agent_1")
	assert.ErrorIs(t, err, persistence.ErrClaimConflict, "cancelled bounty cannot be claimed")
}

func TestList_FiltersOnObservedStatus(t *testing.T) {
	f := newFixture()
	stale := openBounty(t, f)
	fresh := openBounty(t, f)
	_ = fresh

	_, err := f.svc.Claim(context.Background(), stale.TaskID, "agent_1")
	require.NoError(t, err)

	open, err := f.svc.List(context.Background(), persistence.BountyFilter{Status: bounty.StatusOpen})
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.NotEqual(t, stale.TaskID, open[0].TaskID)

	// Past the deadline the abandoned claim must surface through the same
	// OPEN query agents poll with, re-opened and claimable again.
	*f.clock = f.clock.Add(72 * time.Hour)

	open, err = f.svc.List(context.Background(), persistence.BountyFilter{Status: bounty.StatusOpen})
	require.NoError(t, err)
	require.Len(t, open, 2, "the expired claim is healed on list")
	for _, b := range open {
		assert.Equal(t, bounty.StatusOpen, b.Status)
		assert.Empty(t, b.ClaimedBy)
	}

	stored, err := f.repo.Get(context.Background(), stale.TaskID)
	require.NoError(t, err)
	assert.Equal(t, bounty.StatusOpen, stored.Status, "re-opening is persisted, not cosmetic")
	assert.True(t, stored.Deadline.After(*f.clock))

	_, err = f.svc.Claim(context.Background(), stale.TaskID, "agent_2")
	assert.NoError(t, err)
}
