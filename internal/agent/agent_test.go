package agent

import (
	"context"
	"math/rand"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sawpanic/genepool/internal/data/cache"
	"github.com/sawpanic/genepool/internal/domain/bounty"
	"github.com/sawpanic/genepool/internal/domain/gene"
	domval "github.com/sawpanic/genepool/internal/domain/validation"
	"github.com/sawpanic/genepool/internal/governor"
	"github.com/sawpanic/genepool/internal/hub"
	httpiface "github.com/sawpanic/genepool/internal/interfaces/http"
	"github.com/sawpanic/genepool/internal/market"
	"github.com/sawpanic/genepool/internal/persistence/memory"
	"github.com/sawpanic/genepool/internal/validation"
)

func startHub(t *testing.T, stub *validation.StubEvaluator) (*httptest.Server, *hub.Hub) {
	t.Helper()
	store := memory.NewStore()
	pipeline := validation.NewPipeline(validation.Config{MinMarketsPassed: 1}, stub)
	gov := governor.New(governor.Config{}, store, pipeline, stub, rand.New(rand.NewSource(1)))
	mkt := market.New(store.Bounties, nil)
	h := hub.New(store, mkt, pipeline, gov, cache.NewMemoryLiveness(time.Minute))
	server := httpiface.NewServer(httpiface.DefaultServerConfig(), h, nil, "test")

	ts := httptest.NewServer(server.Router())
	t.Cleanup(ts.Close)
	return ts, h
}

func publishDiscoveryBounty(t *testing.T, h *hub.Hub) bounty.Bounty {
	t.Helper()
	b, err := h.Market.Publish(context.Background(), bounty.Bounty{
		Type: bounty.TypeDiscoverFactor,
		Requirements: bounty.Requirements{Symbol: "BTC-USD"},
		Criteria: domval.Criteria{
			MinSharpe: 1.0, MinWinRate: 0.5, MaxDrawdown: -0.3,
			MinTrades: 10, MinProfitFactor: 1.2,
		},
		Reward:   bounty.RewardSchedule{Base: decimal.NewFromInt(100)},
		Deadline: time.Now().UTC().Add(time.Hour),
	})
	require.NoError(t, err)
	return b
}

func TestMinerAgent_CompletesDiscoveryBounty(t *testing.T) {
	stub := validation.NewStubEvaluator()
	// Every gene scores strongly on the target market.
	stub.SetResult("", "BTC-USD", domval.BacktestResult{
		Sharpe: 2.2, MaxDrawdown: -0.1, WinRate: 0.6,
		AnnualReturn: 0.3, Trades: 60, ProfitFactor: 2.0,
	})

	ts, h := startHub(t, stub)
	published := publishDiscoveryBounty(t, h)

	a := New(Config{ID: "agent_miner", Role: RoleMiner, Once: true},
		NewClient(ts.URL, 100),
		&MinerWorker{Evaluator: stub, Rng: rand.New(rand.NewSource(7))})
	require.NoError(t, a.Run(context.Background()))

	got, err := h.Market.Get(context.Background(), published.TaskID)
	require.NoError(t, err)
	assert.Equal(t, bounty.StatusCompleted, got.Status)
	require.Len(t, got.Submissions, 1)
	assert.True(t, got.Submissions[0].Passed)
	assert.Equal(t, "agent_miner", got.Submissions[0].AgentID)

	count, err := h.Store.Genes.Count(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, count, "the mined gene was registered")

	agents, err := h.Liveness.Live(context.Background())
	require.NoError(t, err)
	require.Len(t, agents, 1)
	assert.Equal(t, "agent_miner", agents[0].ID)
}

type fakeWorker struct {
	geneID string
	perf   domval.BacktestResult
	err    error
	calls  int
}

func (f *fakeWorker) Work(_ context.Context, _ *Client, _ bounty.Bounty) (string, domval.BacktestResult, error) {
	f.calls++
	return f.geneID, f.perf, f.err
}

func TestAgent_LostClaimRaceIsNotAnError(t *testing.T) {
	stub := validation.NewStubEvaluator()
	ts, h := startHub(t, stub)
	published := publishDiscoveryBounty(t, h)

	// Another agent already holds the claim.
	_, err := h.Market.Claim(context.Background(), published.TaskID, "agent_other")
	require.NoError(t, err)

	worker := &fakeWorker{}
	a := New(Config{ID: "agent_late", Role: RoleMiner, Once: true}, NewClient(ts.URL, 100), worker)
	require.NoError(t, a.Run(context.Background()))
	assert.Zero(t, worker.calls, "no work without a claim")
}

func TestAgent_WorkerFailureReleasesClaim(t *testing.T) {
	stub := validation.NewStubEvaluator()
	ts, h := startHub(t, stub)
	published := publishDiscoveryBounty(t, h)

	worker := &fakeWorker{err: assert.AnError}
	a := New(Config{ID: "agent_flaky", Role: RoleMiner, Once: true}, NewClient(ts.URL, 100), worker)
	require.NoError(t, a.Run(context.Background()))
	assert.Equal(t, 1, worker.calls)

	got, err := h.Market.Get(context.Background(), published.TaskID)
	require.NoError(t, err)
	assert.Equal(t, bounty.StatusOpen, got.Status, "failed work hands the bounty back")
	assert.Empty(t, got.ClaimedBy)
}

func TestValidatorWorker_FilesCapsule(t *testing.T) {
	stub := validation.NewStubEvaluator()
	stub.SetResult("", "BTC-USD", domval.BacktestResult{
		Sharpe: 1.8, MaxDrawdown: -0.12, WinRate: 0.58,
		AnnualReturn: 0.22, Trades: 70, ProfitFactor: 1.9,
	})

	ts, h := startHub(t, stub)

	registered, err := h.RegisterGene(context.Background(),
		testGeneWithFormula("RSI(14) < 30"))
	require.NoError(t, err)

	_, err = h.Market.Publish(context.Background(), bounty.Bounty{
		Type:     bounty.TypeValidateStrategy,
		Criteria: domval.Criteria{MinSharpe: 1.0, MinWinRate: 0.5, MaxDrawdown: -0.3, MinTrades: 10, MinProfitFactor: 1.2},
		Reward:   bounty.RewardSchedule{Base: decimal.NewFromInt(50)},
		Deadline: time.Now().UTC().Add(time.Hour),
	})
	require.NoError(t, err)

	a := New(Config{ID: "agent_val", Role: RoleValidator, Once: true},
		NewClient(ts.URL, 100), &ValidatorWorker{Evaluator: stub})
	require.NoError(t, a.Run(context.Background()))

	capsules, err := h.Store.Capsules.ListByGene(context.Background(), registered.ID)
	require.NoError(t, err)
	require.Len(t, capsules, 1)
	assert.Equal(t, registered.Formula, capsules[0].Code)
}

func testGeneWithFormula(formula string) gene.Gene {
	return gene.Gene{Formula: formula}
}

func TestClient_RateLimiterHonorsContext(t *testing.T) {
	c := NewClient("http://127.0.0.1:0", 0.001)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	// First token is available; the second waits far beyond the deadline.
	_ = c.limiter.Wait(ctx)
	err := c.limiter.Wait(ctx)
	assert.Error(t, err)
}
