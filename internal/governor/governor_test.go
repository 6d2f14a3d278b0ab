package governor

import (
	"context"
	"math/rand"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sawpanic/genepool/internal/domain/gene"
	domval "github.com/sawpanic/genepool/internal/domain/validation"
	"github.com/sawpanic/genepool/internal/evo"
	"github.com/sawpanic/genepool/internal/persistence"
	"github.com/sawpanic/genepool/internal/persistence/memory"
	"github.com/sawpanic/genepool/internal/validation"
)

var cycleCriteria = domval.Criteria{
	MinSharpe:       0.5,
	MinWinRate:      0.4,
	MaxDrawdown:     -0.5,
	MinTrades:       10,
	MinProfitFactor: 1.0,
}

func resultWithSharpe(sharpe, annualReturn float64) domval.BacktestResult {
	return domval.BacktestResult{
		Sharpe: sharpe, MaxDrawdown: -0.10, WinRate: 0.60,
		AnnualReturn: annualReturn, Trades: 90, ProfitFactor: 2.0,
	}
}

func seedGene(t *testing.T, store persistence.Store, id, formula string) gene.Gene {
	t.Helper()
	g := gene.Gene{
		ID:        id,
		Name:      id,
		Formula:   formula,
		Source:    gene.SourceSeed,
		CreatedAt: time.Now().UTC(),
	}
	require.NoError(t, store.Genes.Insert(context.Background(), g))
	return g
}

func newGovernor(cfg Config, store persistence.Store, stub *validation.StubEvaluator) *Governor {
	cfg.Markets = []string{"BTC-USD"}
	cfg.Criteria = cycleCriteria
	if cfg.Diversity.DominanceThreshold == 0 {
		// Tiny test populations always look dominated; the rescue path has
		// its own test.
		cfg.Diversity.DominanceThreshold = 2
	}
	pipeline := validation.NewPipeline(validation.Config{MinMarketsPassed: 1}, stub)
	return New(cfg, store, pipeline, stub, rand.New(rand.NewSource(1)))
}

func TestRunCycle_CullsBelowThresholdAndRecordsDeath(t *testing.T) {
	store := memory.NewStore()
	seedGene(t, store, "gene_strong", "RSI(14) < 30")
	seedGene(t, store, "gene_weak", "close > 100")

	stub := validation.NewStubEvaluator()
	stub.SetResult("gene_strong", "BTC-USD", resultWithSharpe(1.6, 0.25))
	stub.SetResult("gene_weak", "BTC-USD", resultWithSharpe(0.1, -0.02))
	// Any bred offspring fails the quality gate so only culling is in play.
	stub.SetResult("", "BTC-USD", resultWithSharpe(0.0, 0.0))

	gov := newGovernor(Config{SurvivalThreshold: 0.3, OffspringSharpeFloor: 99}, store, stub)
	report, err := gov.RunCycle(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 2, report.Evaluated)
	assert.Equal(t, 1, report.Culled)
	assert.Equal(t, 1, report.Survivors)

	_, err = store.Genes.Get(context.Background(), "gene_weak")
	assert.ErrorIs(t, err, persistence.ErrNotFound)

	survivor, err := store.Genes.Get(context.Background(), "gene_strong")
	require.NoError(t, err)
	assert.Equal(t, gene.ValidationValidated, survivor.ValidationStatus)
	assert.InDelta(t, 0.7*1.6+0.3*0.25, survivor.Fitness, 1e-9)

	deaths, err := store.Deaths.List(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, deaths, 1)
	assert.Equal(t, "gene_weak", deaths[0].GeneID)
	assert.Equal(t, CauseSurvivalThreshold, deaths[0].Cause)
}

func TestRunCycle_EvaluatorErrorDoesNotAbortCycle(t *testing.T) {
	store := memory.NewStore()
	seedGene(t, store, "gene_strong", "RSI(14) < 30")
	seedGene(t, store, "gene_broken", "close > 100")

	stub := validation.NewStubEvaluator()
	stub.SetResult("gene_strong", "BTC-USD", resultWithSharpe(1.6, 0.25))
	// gene_broken has no scripted result, so its evaluation errors. It
	// scores zero and is culled; the cycle keeps going.

	gov := newGovernor(Config{SurvivalThreshold: 0.3, OffspringSharpeFloor: 99}, store, stub)
	report, err := gov.RunCycle(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 2, report.Evaluated)
	assert.Equal(t, 1, report.Culled)
	assert.Equal(t, 1, report.Survivors)

	_, err = store.Genes.Get(context.Background(), "gene_strong")
	assert.NoError(t, err)
}

func TestRunCycle_ExtinctionGuardInjectsEmergencySeeds(t *testing.T) {
	store := memory.NewStore()
	seedGene(t, store, "gene_weak", "close > 100")

	stub := validation.NewStubEvaluator()
	stub.SetResult("gene_weak", "BTC-USD", resultWithSharpe(-1.0, -0.5))

	gov := newGovernor(Config{SurvivalThreshold: 0.3, OffspringSharpeFloor: 99}, store, stub)
	report, err := gov.RunCycle(context.Background())
	require.NoError(t, err)

	assert.True(t, report.Extinction)
	assert.Equal(t, 1, report.Culled)

	count, err := store.Genes.Count(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 5, count, "emergency seed library repopulates the pool")

	genes, err := store.Genes.List(context.Background(), persistence.GeneFilter{})
	require.NoError(t, err)
	for _, g := range genes {
		assert.Equal(t, gene.SourceSeed, g.Source)
		assert.Equal(t, 0, g.Generation)
	}
}

func TestRunCycle_BreedsOffspringFromSurvivors(t *testing.T) {
	store := memory.NewStore()
	seedGene(t, store, "gene_a", "(RSI(14) < 30) AND (MFI(14) < 25)")
	seedGene(t, store, "gene_b", "(close > SMA(close, 50)) OR (ROC(close, 10) > 0.05)")

	stub := validation.NewStubEvaluator()
	stub.SetResult("gene_a", "BTC-USD", resultWithSharpe(1.6, 0.25))
	stub.SetResult("gene_b", "BTC-USD", resultWithSharpe(1.4, 0.20))
	// Offspring fall back to the market-wide result, above the floor.
	stub.SetResult("", "BTC-USD", resultWithSharpe(1.0, 0.10))

	gov := newGovernor(Config{
		SurvivalThreshold:    0.3,
		BreedingRate:         1.0,
		OffspringPerCycle:    12,
		OffspringSharpeFloor: 0.5,
	}, store, stub)
	report, err := gov.RunCycle(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 2, report.Survivors)
	assert.GreaterOrEqual(t, report.Offspring, 1)

	count, err := store.Genes.Count(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2+report.Offspring, count)

	genes, err := store.Genes.List(context.Background(), persistence.GeneFilter{})
	require.NoError(t, err)
	children := 0
	for _, g := range genes {
		if g.Source == gene.SourceCrossover || g.Source == gene.SourceMutation {
			children++
			assert.Greater(t, g.Generation, 0)
			assert.NotEmpty(t, g.ParentID)
		}
	}
	assert.Equal(t, report.Offspring, children)
}

func TestRunCycle_OffspringBelowFloorAreDiscardedSilently(t *testing.T) {
	store := memory.NewStore()
	seedGene(t, store, "gene_a", "(RSI(14) < 30) AND (MFI(14) < 25)")
	seedGene(t, store, "gene_b", "(close > SMA(close, 50)) OR (ROC(close, 10) > 0.05)")

	stub := validation.NewStubEvaluator()
	stub.SetResult("gene_a", "BTC-USD", resultWithSharpe(1.6, 0.25))
	stub.SetResult("gene_b", "BTC-USD", resultWithSharpe(1.4, 0.20))
	stub.SetResult("", "BTC-USD", resultWithSharpe(0.2, 0.01))

	gov := newGovernor(Config{
		SurvivalThreshold:    0.3,
		BreedingRate:         1.0,
		OffspringPerCycle:    6,
		OffspringSharpeFloor: 0.5,
	}, store, stub)
	report, err := gov.RunCycle(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 0, report.Offspring)
	assert.Greater(t, report.Discarded, 0)

	count, err := store.Genes.Count(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, count, "failed offspring never reach the pool")
}

func TestBreed_EveryAttemptSpendsItsSlot(t *testing.T) {
	// Offspring + Discarded must always account for every breeding slot,
	// including self-pairing crossover draws, for any rng seed.
	for seed := int64(0); seed < 10; seed++ {
		store := memory.NewStore()
		seedGene(t, store, "gene_a", "(RSI(14) < 30) AND (MFI(14) < 25)")
		seedGene(t, store, "gene_b", "(close > SMA(close, 50)) OR (ROC(close, 10) > 0.05)")

		stub := validation.NewStubEvaluator()
		stub.SetResult("gene_a", "BTC-USD", resultWithSharpe(1.6, 0.25))
		stub.SetResult("gene_b", "BTC-USD", resultWithSharpe(1.4, 0.20))
		stub.SetResult("", "BTC-USD", resultWithSharpe(1.0, 0.10))

		cfg := Config{
			SurvivalThreshold:    0.3,
			BreedingRate:         1.0,
			OffspringPerCycle:    8,
			OffspringSharpeFloor: 0.5,
			Markets:              []string{"BTC-USD"},
			Criteria:             cycleCriteria,
			Diversity:            evo.DiversityConfig{DominanceThreshold: 2},
		}
		pipeline := validation.NewPipeline(validation.Config{MinMarketsPassed: 1}, stub)
		gov := New(cfg, store, pipeline, stub, rand.New(rand.NewSource(seed)))

		report, err := gov.RunCycle(context.Background())
		require.NoError(t, err)
		assert.Equal(t, 8, report.Offspring+report.Discarded, "seed %d", seed)
	}
}

func TestRunCycle_RecordsCullAndCycleMetrics(t *testing.T) {
	store := memory.NewStore()
	seedGene(t, store, "gene_strong", "RSI(14) < 30")
	seedGene(t, store, "gene_weak", "close > 100")

	stub := validation.NewStubEvaluator()
	stub.SetResult("gene_strong", "BTC-USD", resultWithSharpe(1.6, 0.25))
	stub.SetResult("gene_weak", "BTC-USD", resultWithSharpe(0.1, -0.02))

	culls := prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "test_culls_total"}, []string{"cause"})
	cycleDuration := prometheus.NewHistogram(
		prometheus.HistogramOpts{Name: "test_cycle_duration_seconds"})

	gov := newGovernor(Config{SurvivalThreshold: 0.3, OffspringSharpeFloor: 99}, store, stub)
	gov.InstrumentMetrics(culls, cycleDuration)

	_, err := gov.RunCycle(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1.0, testutil.ToFloat64(culls.WithLabelValues(CauseSurvivalThreshold)))

	var snapshot dto.Metric
	require.NoError(t, cycleDuration.Write(&snapshot))
	assert.Equal(t, uint64(1), snapshot.GetHistogram().GetSampleCount(),
		"one cycle, one duration sample")
}

func TestRunCycle_DominatedPopulationGetsRescued(t *testing.T) {
	store := memory.NewStore()
	seedGene(t, store, "gene_rsi_1", "RSI(14) < 30")
	seedGene(t, store, "gene_rsi_2", "RSI(7) < 25")
	seedGene(t, store, "gene_rsi_3", "RSI(21) > 70")
	seedGene(t, store, "gene_rsi_4", "RSI(10) > 60")
	seedGene(t, store, "gene_trend", "close > SMA(close, 50)")

	stub := validation.NewStubEvaluator()
	for _, id := range []string{"gene_rsi_1", "gene_rsi_2", "gene_rsi_3", "gene_rsi_4", "gene_trend"} {
		stub.SetResult(id, "BTC-USD", resultWithSharpe(1.2, 0.15))
	}

	// Four of five genes share the momentum signature, so the dominant
	// bucket holds 80% of the pool.
	gov := newGovernor(Config{
		SurvivalThreshold:    0.3,
		OffspringSharpeFloor: 99,
		Diversity:            evo.DiversityConfig{DominanceThreshold: 0.6},
	}, store, stub)
	report, err := gov.RunCycle(context.Background())
	require.NoError(t, err)

	assert.True(t, report.RescueRun)
	assert.Equal(t, 5, report.Survivors)

	deaths, err := store.Deaths.List(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, deaths, 1, "bucket keeps its elites, culls the surplus")
	assert.Equal(t, CauseDiversityRescue, deaths[0].Cause)

	count, err := store.Genes.Count(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 4+10, count, "four kept plus the injected seed library")

	_, err = store.Genes.Get(context.Background(), "gene_trend")
	assert.NoError(t, err, "the minority lineage survives untouched")
}

func TestRunCycle_CarryingCapacityCullsLowestFirst(t *testing.T) {
	store := memory.NewStore()
	seedGene(t, store, "gene_1", "RSI(14) < 30")
	seedGene(t, store, "gene_2", "close > SMA(close, 50)")
	seedGene(t, store, "gene_3", "MACD(close) > 0")
	seedGene(t, store, "gene_4", "ATR(14) > 0.02")

	stub := validation.NewStubEvaluator()
	stub.SetResult("gene_1", "BTC-USD", resultWithSharpe(1.6, 0.25))
	stub.SetResult("gene_2", "BTC-USD", resultWithSharpe(1.2, 0.15))
	stub.SetResult("gene_3", "BTC-USD", resultWithSharpe(2.0, 0.30))
	stub.SetResult("gene_4", "BTC-USD", resultWithSharpe(1.0, 0.10))

	gov := newGovernor(Config{
		SurvivalThreshold:    0.3,
		CarryingCapacity:     2,
		OffspringSharpeFloor: 99,
	}, store, stub)
	report, err := gov.RunCycle(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 0, report.Culled)
	assert.Equal(t, 2, report.CapacityCulled)

	count, err := store.Genes.Count(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	// The two highest scorers remain.
	_, err = store.Genes.Get(context.Background(), "gene_3")
	assert.NoError(t, err)
	_, err = store.Genes.Get(context.Background(), "gene_1")
	assert.NoError(t, err)

	deaths, err := store.Deaths.List(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, deaths, 2)
	for _, d := range deaths {
		assert.Equal(t, CauseCarryingCapacity, d.Cause)
	}
}
