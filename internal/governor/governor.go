// Package governor enforces the population's survival rules: periodic
// re-validation, culling below the survival threshold, carrying capacity,
// extinction recovery, and breeding of the next generation.
package governor

import (
	"context"
	"fmt"
	"math/rand"
	"sort"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog/log"

	"github.com/sawpanic/genepool/internal/domain/gene"
	domval "github.com/sawpanic/genepool/internal/domain/validation"
	"github.com/sawpanic/genepool/internal/evo"
	"github.com/sawpanic/genepool/internal/persistence"
	"github.com/sawpanic/genepool/internal/validation"
)

// Causes recorded in the death log.
const (
	CauseSurvivalThreshold = "below_survival_threshold"
	CauseCarryingCapacity  = "carrying_capacity"
	CauseDiversityRescue   = "diversity_rescue"
)

// Config tunes a culling cycle.
type Config struct {
	// SurvivalThreshold is the survival-score floor; genes below it are
	// culled.
	SurvivalThreshold float64 `yaml:"survival_threshold"`

	// CarryingCapacity is the hard population ceiling after a cycle.
	CarryingCapacity int `yaml:"carrying_capacity"`

	// BreedingRate is the fraction of survivors eligible as parents.
	BreedingRate float64 `yaml:"breeding_rate"`

	// SharpeWeight and ReturnWeight combine into the survival score.
	SharpeWeight float64 `yaml:"sharpe_weight"`
	ReturnWeight float64 `yaml:"return_weight"`

	// OffspringSharpeFloor is the relaxed single-market quality check an
	// offspring must clear before it is persisted.
	OffspringSharpeFloor float64 `yaml:"offspring_sharpe_floor"`

	// OffspringPerCycle bounds how many children one cycle breeds.
	OffspringPerCycle int `yaml:"offspring_per_cycle"`

	// Markets re-validation runs against.
	Markets []string `yaml:"markets"`

	// Criteria is the re-validation pass rule.
	Criteria domval.Criteria `yaml:"criteria"`

	// Diversity tunes the lineage audit run at the end of a cycle.
	Diversity evo.DiversityConfig `yaml:"diversity"`
}

func (c *Config) defaults() {
	if c.SurvivalThreshold == 0 {
		c.SurvivalThreshold = 0.3
	}
	if c.CarryingCapacity <= 0 {
		c.CarryingCapacity = 100
	}
	if c.BreedingRate <= 0 || c.BreedingRate > 1 {
		c.BreedingRate = 0.3
	}
	if c.SharpeWeight == 0 && c.ReturnWeight == 0 {
		c.SharpeWeight = 0.7
		c.ReturnWeight = 0.3
	}
	if c.OffspringPerCycle <= 0 {
		c.OffspringPerCycle = 10
	}
	if len(c.Markets) == 0 {
		c.Markets = []string{"BTC-USD"}
	}
}

// CycleReport summarizes one governor pass.
type CycleReport struct {
	Evaluated      int           `json:"evaluated"`
	Errored        int           `json:"errored"`
	Culled         int           `json:"culled"`
	CapacityCulled int           `json:"capacity_culled"`
	Survivors      int           `json:"survivors"`
	Offspring      int           `json:"offspring"`
	Discarded      int           `json:"discarded"`
	Extinction     bool          `json:"extinction"`
	RescueRun      bool          `json:"rescue_run"`
	Duration       time.Duration `json:"duration"`
}

// Governor runs the survival cycle over the whole population.
type Governor struct {
	cfg       Config
	genes     persistence.GeneRepo
	deaths    persistence.DeathLog
	pipeline  *validation.Pipeline
	evaluator validation.Evaluator
	scorer    evo.Scorer
	rng       *rand.Rand

	cullsMetric         *prometheus.CounterVec
	cycleDurationMetric prometheus.Histogram
}

// New assembles a governor. The rng seeds the breeding operators; pass a
// fixed seed for reproducible cycles.
func New(cfg Config, store persistence.Store, pipeline *validation.Pipeline, evaluator validation.Evaluator, rng *rand.Rand) *Governor {
	cfg.defaults()
	return &Governor{
		cfg:       cfg,
		genes:     store.Genes,
		deaths:    store.Deaths,
		pipeline:  pipeline,
		evaluator: evaluator,
		scorer:    evo.HeuristicScorer{},
		rng:       rng,
	}
}

// InstrumentMetrics attaches the hub's Prometheus collectors: culls by
// cause, and cycle wall time. Cycles run fine without them, so tests and
// tools that never expose a scrape endpoint can skip this.
func (gov *Governor) InstrumentMetrics(culls *prometheus.CounterVec, cycleDuration prometheus.Histogram) {
	gov.cullsMetric = culls
	gov.cycleDurationMetric = cycleDuration
}

type scoredGene struct {
	gene  gene.Gene
	score float64
}

// RunCycle executes one full survival pass: re-validate, rank, cull,
// recover from extinction, breed, and enforce carrying capacity. A
// failure on a single gene never aborts the cycle.
func (gov *Governor) RunCycle(ctx context.Context) (CycleReport, error) {
	start := time.Now()
	report := CycleReport{}

	population, err := gov.genes.List(ctx, persistence.GeneFilter{})
	if err != nil {
		return report, fmt.Errorf("failed to load population: %w", err)
	}

	// Step 1+2: re-validate everything and compute survival scores.
	var scored []scoredGene
	for _, g := range population {
		report.Evaluated++

		valReport, err := gov.pipeline.Run(ctx, g, gov.cfg.Criteria, gov.cfg.Markets)
		if err != nil {
			report.Errored++
			log.Warn().Err(err).Str("gene", g.ID).Msg("re-validation errored, gene marked and skipped")
			if uerr := gov.genes.UpdateValidation(ctx, g.ID, gene.ValidationError); uerr != nil {
				log.Warn().Err(uerr).Str("gene", g.ID).Msg("failed to mark gene errored")
			}
			continue
		}

		score := gov.survivalScore(valReport)
		perf := gene.Performance{
			Sharpe:       valReport.Aggregate.Sharpe,
			MaxDrawdown:  valReport.Aggregate.MaxDrawdown,
			WinRate:      valReport.Aggregate.WinRate,
			AnnualReturn: valReport.Aggregate.AnnualReturn,
			Trades:       valReport.Aggregate.Trades,
			ProfitFactor: valReport.Aggregate.ProfitFactor,
		}
		if err := gov.genes.UpdatePerformance(ctx, g.ID, perf, score); err != nil {
			log.Warn().Err(err).Str("gene", g.ID).Msg("failed to persist performance")
		}

		status := gene.ValidationPending
		if valReport.Passed {
			status = gene.ValidationValidated
		}
		if err := gov.genes.UpdateValidation(ctx, g.ID, status); err != nil {
			log.Warn().Err(err).Str("gene", g.ID).Msg("failed to persist validation status")
		}

		scored = append(scored, scoredGene{gene: g, score: score})
	}

	sort.Slice(scored, func(i, j int) bool {
		if scored[i].score != scored[j].score {
			return scored[i].score > scored[j].score
		}
		return scored[i].gene.ID < scored[j].gene.ID
	})

	// Step 3: cull below the survival threshold.
	var survivors []scoredGene
	for _, sg := range scored {
		if sg.score < gov.cfg.SurvivalThreshold {
			if err := gov.cull(ctx, sg.gene, sg.score, CauseSurvivalThreshold); err != nil {
				log.Error().Err(err).Str("gene", sg.gene.ID).Msg("cull failed")
				continue
			}
			report.Culled++
			continue
		}
		survivors = append(survivors, sg)
	}
	report.Survivors = len(survivors)

	// Step 4: extinction guard.
	count, err := gov.genes.Count(ctx)
	if err != nil {
		return report, fmt.Errorf("failed to count population: %w", err)
	}
	if count == 0 {
		report.Extinction = true
		for _, seed := range evo.EmergencySeeds("governor") {
			if err := gov.genes.Insert(ctx, seed); err != nil {
				log.Warn().Err(err).Str("gene", seed.ID).Msg("emergency seed insert failed")
			}
		}
		log.Warn().Msg("population extinct, emergency seeds injected")
	}

	// Step 5: breed from the top fraction of survivors.
	offspring, discarded := gov.breed(ctx, survivors)
	report.Offspring = offspring
	report.Discarded = discarded

	// Step 6: lineage audit; a dominated population gets rescued.
	rescued, err := gov.rescueIfDominated(ctx)
	if err != nil {
		log.Error().Err(err).Msg("diversity rescue failed")
	}
	report.RescueRun = rescued

	// Invariant: population never exceeds carrying capacity.
	capacityCulled, err := gov.enforceCapacity(ctx)
	if err != nil {
		return report, err
	}
	report.CapacityCulled = capacityCulled

	report.Duration = time.Since(start)
	if gov.cycleDurationMetric != nil {
		gov.cycleDurationMetric.Observe(report.Duration.Seconds())
	}
	log.Info().
		Int("evaluated", report.Evaluated).
		Int("culled", report.Culled).
		Int("survivors", report.Survivors).
		Int("offspring", report.Offspring).
		Bool("extinction", report.Extinction).
		Dur("duration", report.Duration).
		Msg("culling cycle complete")
	return report, nil
}

// survivalScore is the weighted mean of Sharpe and annual return across
// all tested markets, failed ones included.
func (gov *Governor) survivalScore(report validation.Report) float64 {
	if len(report.PerMarket) == 0 {
		return 0
	}

	var meanSharpe, meanReturn float64
	for _, mr := range report.PerMarket {
		meanSharpe += mr.Result.Sharpe
		meanReturn += mr.Result.AnnualReturn
	}
	n := float64(len(report.PerMarket))
	meanSharpe /= n
	meanReturn /= n

	return gov.cfg.SharpeWeight*meanSharpe + gov.cfg.ReturnWeight*meanReturn
}

// cull records the death event first, then deletes. A gene id is never
// removed without its obituary.
func (gov *Governor) cull(ctx context.Context, g gene.Gene, score float64, cause string) error {
	event := persistence.DeathEvent{
		GeneID:     g.ID,
		Name:       g.Name,
		FinalScore: score,
		Cause:      cause,
		At:         time.Now().UTC(),
	}
	if err := gov.deaths.Record(ctx, event); err != nil {
		return fmt.Errorf("failed to record death event: %w", err)
	}
	if err := gov.genes.Delete(ctx, g.ID); err != nil {
		return fmt.Errorf("failed to delete culled gene: %w", err)
	}
	if gov.cullsMetric != nil {
		gov.cullsMetric.WithLabelValues(cause).Inc()
	}
	return nil
}

// breed produces the next generation from the top BreedingRate fraction.
// Offspring must clear the relaxed single-market quality check; failures
// are discarded silently by design.
func (gov *Governor) breed(ctx context.Context, survivors []scoredGene) (inserted, discarded int) {
	if len(survivors) < 1 {
		return 0, 0
	}

	parentCount := int(float64(len(survivors)) * gov.cfg.BreedingRate)
	if parentCount < 1 {
		parentCount = 1
	}
	parents := survivors[:parentCount]

	for i := 0; i < gov.cfg.OffspringPerCycle; i++ {
		var child gene.Gene
		var err error

		if len(parents) >= 2 && gov.rng.Intn(2) == 0 {
			a := parents[gov.rng.Intn(len(parents))].gene
			b := parents[gov.rng.Intn(len(parents))].gene
			if a.ID == b.ID {
				// A self-pairing draw still spends its breeding slot.
				discarded++
				continue
			}
			child, err = evo.Crossover(gov.rng, a, b)
		} else {
			p := parents[gov.rng.Intn(len(parents))].gene
			child, err = evo.Mutate(gov.rng, p)
		}
		if err != nil {
			discarded++
			continue
		}

		if !gov.offspringQualityCheck(ctx, child) {
			discarded++
			continue
		}

		if err := gov.genes.Insert(ctx, child); err != nil {
			// Duplicate formulas are an expected collision, not a fault.
			discarded++
			continue
		}
		inserted++
	}
	return inserted, discarded
}

// offspringQualityCheck is the relaxed single-market gate: one evaluation
// on the first configured market against the Sharpe floor.
func (gov *Governor) offspringQualityCheck(ctx context.Context, child gene.Gene) bool {
	result, err := gov.evaluator.Score(ctx, child, gov.cfg.Markets[0])
	if err != nil {
		return false
	}
	return result.Sharpe >= gov.cfg.OffspringSharpeFloor
}

// rescueIfDominated audits lineage buckets and, when one structural
// signature dominates the population, culls its surplus and re-injects
// the diversity seed library.
func (gov *Governor) rescueIfDominated(ctx context.Context) (bool, error) {
	population, err := gov.genes.List(ctx, persistence.GeneFilter{})
	if err != nil {
		return false, fmt.Errorf("failed to load population for audit: %w", err)
	}

	audit := evo.Audit(gov.cfg.Diversity, population)
	if !audit.RescueNeeded {
		return false, nil
	}
	log.Warn().
		Str("bucket", audit.DominantBucket).
		Float64("share", audit.DominantShare).
		Msg("lineage dominance detected, running rescue")

	plan := evo.PlanRescue(gov.cfg.Diversity, gov.scorer, population)
	for _, g := range plan.Cull {
		if err := gov.cull(ctx, g, g.Fitness, CauseDiversityRescue); err != nil {
			log.Error().Err(err).Str("gene", g.ID).Msg("rescue cull failed")
		}
	}
	for _, seed := range plan.Inject {
		if err := gov.genes.Insert(ctx, seed); err != nil {
			// Seeds already present in the population collide here; fine.
			continue
		}
	}
	return true, nil
}

// enforceCapacity culls the lowest-fitness members until the population
// fits, recording capacity death events.
func (gov *Governor) enforceCapacity(ctx context.Context) (int, error) {
	count, err := gov.genes.Count(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to count population: %w", err)
	}
	if count <= gov.cfg.CarryingCapacity {
		return 0, nil
	}

	population, err := gov.genes.List(ctx, persistence.GeneFilter{})
	if err != nil {
		return 0, fmt.Errorf("failed to load population for capacity cull: %w", err)
	}

	sort.Slice(population, func(i, j int) bool {
		if population[i].Fitness != population[j].Fitness {
			return population[i].Fitness < population[j].Fitness
		}
		return population[i].ID < population[j].ID
	})

	culled := 0
	for _, g := range population {
		if count-culled <= gov.cfg.CarryingCapacity {
			break
		}
		if err := gov.cull(ctx, g, g.Fitness, CauseCarryingCapacity); err != nil {
			log.Error().Err(err).Str("gene", g.ID).Msg("capacity cull failed")
			continue
		}
		culled++
	}
	return culled, nil
}
