package memory

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sawpanic/genepool/internal/domain/bounty"
	"github.com/sawpanic/genepool/internal/domain/gene"
	"github.com/sawpanic/genepool/internal/persistence"
)

func testGene(id, formula string) gene.Gene {
	return gene.Gene{
		ID:               id,
		Name:             "g_" + id,
		Formula:          formula,
		Source:           gene.SourceSeed,
		Generation:       0,
		CreatedAt:        time.Now(),
		ValidationStatus: gene.ValidationPending,
	}
}

func testBounty(id string) bounty.Bounty {
	return bounty.Bounty{
		TaskID:   id,
		Type:     bounty.TypeDiscoverFactor,
		Status:   bounty.StatusOpen,
		Reward:   bounty.RewardSchedule{Base: decimal.NewFromInt(100), TierBonus: bounty.DefaultTierBonus()},
		Deadline: time.Now().Add(time.Hour),
	}
}

func TestGeneRepo_DuplicateFormulaRejected(t *testing.T) {
	repo := NewGeneRepo()
	ctx := context.Background()

	require.NoError(t, repo.Insert(ctx, testGene("g1", "RSI(14) < 30")))

	err := repo.Insert(ctx, testGene("g2", "RSI(14) < 30"))
	require.ErrorIs(t, err, persistence.ErrDuplicateFormula)

	// After the duplicate holder is culled, the formula is free again.
	require.NoError(t, repo.Delete(ctx, "g1"))
	assert.NoError(t, repo.Insert(ctx, testGene("g2", "RSI(14) < 30")))
}

func TestGeneRepo_ListFilters(t *testing.T) {
	repo := NewGeneRepo()
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		g := testGene(fmt.Sprintf("g%d", i), fmt.Sprintf("RSI(%d) < 30", i+2))
		if i%2 == 0 {
			g.ValidationStatus = gene.ValidationValidated
		}
		require.NoError(t, repo.Insert(ctx, g))
	}

	validated, err := repo.List(ctx, persistence.GeneFilter{Status: gene.ValidationValidated})
	require.NoError(t, err)
	assert.Len(t, validated, 3)

	limited, err := repo.List(ctx, persistence.GeneFilter{Limit: 2})
	require.NoError(t, err)
	assert.Len(t, limited, 2)
	assert.Equal(t, "g4", limited[0].ID, "newest first")

	count, err := repo.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 5, count)
}

func TestGeneRepo_UpdatePerformance(t *testing.T) {
	repo := NewGeneRepo()
	ctx := context.Background()

	require.NoError(t, repo.Insert(ctx, testGene("g1", "RSI(14) < 30")))
	perf := gene.Performance{Sharpe: 1.7, WinRate: 0.6, Trades: 42}
	require.NoError(t, repo.UpdatePerformance(ctx, "g1", perf, 0.81))

	got, err := repo.Get(ctx, "g1")
	require.NoError(t, err)
	require.NotNil(t, got.Performance)
	assert.Equal(t, 1.7, got.Performance.Sharpe)
	assert.Equal(t, 0.81, got.Fitness)

	assert.ErrorIs(t, repo.UpdatePerformance(ctx, "nope", perf, 0), persistence.ErrNotFound)
}

func TestBountyRepo_ClaimRace_ExactlyOneWinner(t *testing.T) {
	repo := NewBountyRepo()
	ctx := context.Background()
	require.NoError(t, repo.Insert(ctx, testBounty("task_race")))

	const claimers = 16
	var wg sync.WaitGroup
	results := make([]error, claimers)

	for i := 0; i < claimers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = repo.Claim(ctx, "task_race", fmt.Sprintf("agent_%d", i), time.Now())
		}(i)
	}
	wg.Wait()

	winners := 0
	for _, err := range results {
		if err == nil {
			winners++
		} else {
			assert.ErrorIs(t, err, persistence.ErrClaimConflict)
		}
	}
	assert.Equal(t, 1, winners, "exactly one racing claim succeeds")

	b, err := repo.Get(ctx, "task_race")
	require.NoError(t, err)
	assert.Equal(t, bounty.StatusClaimed, b.Status)
	assert.NotEmpty(t, b.ClaimedBy)
	assert.NotNil(t, b.ClaimedAt)
}

func TestBountyRepo_Transitions(t *testing.T) {
	repo := NewBountyRepo()
	ctx := context.Background()
	require.NoError(t, repo.Insert(ctx, testBounty("task_1")))

	// Completing an OPEN bounty is not a legal move.
	assert.ErrorIs(t, repo.Complete(ctx, "task_1"), persistence.ErrInvalidTransition)

	require.NoError(t, repo.Claim(ctx, "task_1", "agent_a", time.Now()))
	require.NoError(t, repo.Complete(ctx, "task_1"))

	b, err := repo.Get(ctx, "task_1")
	require.NoError(t, err)
	assert.Equal(t, bounty.StatusCompleted, b.Status)

	// Terminal: expiry no longer applies.
	assert.ErrorIs(t, repo.MarkExpired(ctx, "task_1"), persistence.ErrInvalidTransition)
}

func TestBountyRepo_ExpireAndReclaim(t *testing.T) {
	repo := NewBountyRepo()
	ctx := context.Background()
	require.NoError(t, repo.Insert(ctx, testBounty("task_2")))

	require.NoError(t, repo.Claim(ctx, "task_2", "agent_a", time.Now()))
	require.NoError(t, repo.MarkExpired(ctx, "task_2"))
	require.NoError(t, repo.Release(ctx, "task_2"))

	b, err := repo.Get(ctx, "task_2")
	require.NoError(t, err)
	assert.Equal(t, bounty.StatusOpen, b.Status)
	assert.Empty(t, b.ClaimedBy)

	// A different agent can now take it.
	assert.NoError(t, repo.Claim(ctx, "task_2", "agent_b", time.Now()))
}

func TestBountyRepo_RecordSubmission(t *testing.T) {
	repo := NewBountyRepo()
	ctx := context.Background()
	require.NoError(t, repo.Insert(ctx, testBounty("task_3")))

	sub := bounty.Submission{ID: "sub_1", AgentID: "agent_a", GeneID: "g1", SubmittedAt: time.Now()}
	require.NoError(t, repo.RecordSubmission(ctx, "task_3", sub))

	b, err := repo.Get(ctx, "task_3")
	require.NoError(t, err)
	require.Len(t, b.Submissions, 1)
	assert.Equal(t, "sub_1", b.Submissions[0].ID)
}

func TestDeathLog_RecordsNewestFirst(t *testing.T) {
	log := NewDeathLog()
	ctx := context.Background()

	base := time.Now()
	for i := 0; i < 3; i++ {
		require.NoError(t, log.Record(ctx, persistence.DeathEvent{
			GeneID: fmt.Sprintf("g%d", i),
			Cause:  "below_survival_threshold",
			At:     base.Add(time.Duration(i) * time.Second),
		}))
	}

	events, err := log.List(ctx, 2)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, "g2", events[0].GeneID)
}

func TestScheduleLog_AppendOnly(t *testing.T) {
	log := NewScheduleLog()
	ctx := context.Background()

	require.NoError(t, log.Record(ctx, persistence.ScheduleAdjustment{
		PreviousSpec: "@every 1h", NewSpec: "@every 30m", AdjustedBy: "ops", At: time.Now(),
	}))

	adjs, err := log.List(ctx, 0)
	require.NoError(t, err)
	require.Len(t, adjs, 1)
	assert.Equal(t, "@every 30m", adjs[0].NewSpec)
}

func TestCapsuleRepo(t *testing.T) {
	repo := NewCapsuleRepo()
	ctx := context.Background()

	require.NoError(t, repo.Insert(ctx, persistence.Capsule{ID: "cap_1", GeneID: "g1", Code: "def signal(): ...", CreatedAt: time.Now()}))

	got, err := repo.Get(ctx, "cap_1")
	require.NoError(t, err)
	assert.Equal(t, "g1", got.GeneID)

	byGene, err := repo.ListByGene(ctx, "g1")
	require.NoError(t, err)
	assert.Len(t, byGene, 1)

	_, err = repo.Get(ctx, "cap_missing")
	assert.ErrorIs(t, err, persistence.ErrNotFound)
}
