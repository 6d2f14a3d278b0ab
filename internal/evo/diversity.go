package evo

import (
	"sort"

	"github.com/rs/zerolog/log"

	"github.com/sawpanic/genepool/internal/domain/gene"
	"github.com/sawpanic/genepool/internal/expr"
)

// DiversityConfig tunes the lineage audit.
type DiversityConfig struct {
	// DominanceThreshold is the population share above which a single
	// lineage bucket triggers a rescue. Default 0.60.
	DominanceThreshold float64 `yaml:"dominance_threshold"`

	// ElitesPerBucket bounds how many genes each bucket keeps through a
	// rescue. Default 3.
	ElitesPerBucket int `yaml:"elites_per_bucket"`
}

func (c *DiversityConfig) defaults() {
	if c.DominanceThreshold <= 0 {
		c.DominanceThreshold = 0.60
	}
	if c.ElitesPerBucket <= 0 {
		c.ElitesPerBucket = 3
	}
}

// AuditResult is the outcome of one diversity audit.
type AuditResult struct {
	Buckets        map[string]int
	DominantBucket string
	DominantShare  float64
	RescueNeeded   bool
}

// RescuePlan tells the caller what to do about a collapsed population:
// keep the per-bucket elites, cull everything else, inject the seed
// library.
type RescuePlan struct {
	Keep   []gene.Gene
	Cull   []gene.Gene
	Inject []gene.Gene
}

// Audit classifies the population into lineage buckets by structural
// signature and flags dominance.
func Audit(cfg DiversityConfig, population []gene.Gene) AuditResult {
	cfg.defaults()

	buckets := make(map[string]int)
	for _, g := range population {
		buckets[signatureOf(g)]++
	}

	result := AuditResult{Buckets: buckets}
	if len(population) == 0 {
		return result
	}

	for sig, count := range buckets {
		share := float64(count) / float64(len(population))
		if share > result.DominantShare {
			result.DominantShare = share
			result.DominantBucket = sig
		}
	}
	result.RescueNeeded = result.DominantShare > cfg.DominanceThreshold
	return result
}

// PlanRescue builds the rescue for a dominated population: a bounded
// number of elites per bucket survive, the diversity seed library comes
// in, and the rest of the slots are reset.
func PlanRescue(cfg DiversityConfig, scorer Scorer, population []gene.Gene) RescuePlan {
	cfg.defaults()

	byBucket := make(map[string][]ScoredGene)
	for _, g := range population {
		sig := signatureOf(g)
		byBucket[sig] = append(byBucket[sig], ScoredGene{Gene: g, Fitness: scorer.Score(g)})
	}

	var plan RescuePlan
	for _, scored := range byBucket {
		sort.Slice(scored, func(i, j int) bool {
			if scored[i].Fitness != scored[j].Fitness {
				return scored[i].Fitness > scored[j].Fitness
			}
			return scored[i].Gene.ID < scored[j].Gene.ID
		})
		for i, sg := range scored {
			if i < cfg.ElitesPerBucket {
				plan.Keep = append(plan.Keep, sg.Gene)
			} else {
				plan.Cull = append(plan.Cull, sg.Gene)
			}
		}
	}

	plan.Inject = SeedLibrary("diversity_rescue")

	log.Info().
		Int("keep", len(plan.Keep)).
		Int("cull", len(plan.Cull)).
		Int("inject", len(plan.Inject)).
		Msg("diversity rescue planned")
	return plan
}

func signatureOf(g gene.Gene) string {
	node, err := expr.Parse(g.Formula)
	if err != nil {
		return "unparseable"
	}
	return expr.Signature(node)
}
