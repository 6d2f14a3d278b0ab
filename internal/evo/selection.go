package evo

import (
	"fmt"
	"math/rand"
	"sort"

	"github.com/sawpanic/genepool/internal/domain/gene"
)

// Rank scores and sorts a population, best first. Ties break on gene id so
// ranking is stable across runs.
func Rank(scorer Scorer, population []gene.Gene) []ScoredGene {
	ranked := make([]ScoredGene, len(population))
	for i, g := range population {
		ranked[i] = ScoredGene{Gene: g, Fitness: scorer.Score(g)}
	}
	sort.Slice(ranked, func(i, j int) bool {
		if ranked[i].Fitness != ranked[j].Fitness {
			return ranked[i].Fitness > ranked[j].Fitness
		}
		return ranked[i].Gene.ID < ranked[j].Gene.ID
	})
	return ranked
}

// EliteCount is the top third of the ranked population, never below one.
func EliteCount(populationSize int) int {
	if populationSize <= 0 {
		return 0
	}
	count := populationSize / 3
	if count < 1 {
		count = 1
	}
	return count
}

// Selector chooses parents from a ranked population.
type Selector interface {
	Name() string
	PickParent(rng *rand.Rand, ranked []ScoredGene, eliteCount int) (gene.Gene, error)
}

// EliteSelector picks uniformly from the elite set.
type EliteSelector struct{}

func (EliteSelector) Name() string { return "elite" }

func (EliteSelector) PickParent(rng *rand.Rand, ranked []ScoredGene, eliteCount int) (gene.Gene, error) {
	if rng == nil {
		return gene.Gene{}, fmt.Errorf("random source is required")
	}
	if eliteCount <= 0 || eliteCount > len(ranked) {
		return gene.Gene{}, fmt.Errorf("invalid elite count: %d", eliteCount)
	}
	return ranked[rng.Intn(eliteCount)].Gene, nil
}

// TournamentSelector samples candidates from a pool and keeps the fittest.
type TournamentSelector struct {
	PoolSize       int
	TournamentSize int
}

func (TournamentSelector) Name() string { return "tournament" }

func (s TournamentSelector) PickParent(rng *rand.Rand, ranked []ScoredGene, eliteCount int) (gene.Gene, error) {
	if rng == nil {
		return gene.Gene{}, fmt.Errorf("random source is required")
	}
	if eliteCount <= 0 || eliteCount > len(ranked) {
		return gene.Gene{}, fmt.Errorf("invalid elite count: %d", eliteCount)
	}

	poolSize := s.PoolSize
	if poolSize <= 0 {
		poolSize = eliteCount * 2
	}
	if poolSize < eliteCount {
		poolSize = eliteCount
	}
	if poolSize > len(ranked) {
		poolSize = len(ranked)
	}

	tournamentSize := s.TournamentSize
	if tournamentSize <= 0 {
		tournamentSize = 3
	}
	if tournamentSize > poolSize {
		tournamentSize = poolSize
	}

	best := ranked[rng.Intn(poolSize)]
	for i := 1; i < tournamentSize; i++ {
		candidate := ranked[rng.Intn(poolSize)]
		if candidate.Fitness > best.Fitness {
			best = candidate
		}
	}
	return best.Gene, nil
}
