// Package evo is the evolutionary operator engine: selection, crossover,
// mutation, and the diversity audit that keeps the population from
// collapsing into one lineage. Operators are deterministic given their
// random source and never emit a malformed formula.
package evo

import (
	"github.com/sawpanic/genepool/internal/domain/gene"
	"github.com/sawpanic/genepool/internal/expr"
)

// Scorer ranks genes for selection. Implementations must be pure.
type Scorer interface {
	Score(g gene.Gene) float64
}

// HeuristicScorer is the default structural fitness heuristic. It is an
// explicit placeholder for ranking candidates BEFORE any backtest exists:
// it reads formula shape, not market performance.
type HeuristicScorer struct{}

func (HeuristicScorer) Score(g gene.Gene) float64 {
	node, err := expr.Parse(g.Formula)
	if err != nil {
		return 0
	}

	score := 0.0

	// Structure: richer trees score higher, with diminishing returns.
	complexity := expr.Complexity(node)
	if complexity > 20 {
		complexity = 20
	}
	score += float64(complexity) * 0.02

	// Combinators signal composed logic rather than a lone threshold.
	if expr.Combinators(node) > 0 {
		score += 0.2
	}

	// Cross-family mixing: formulas that read several indicator families
	// tend to carry independent information.
	score += 0.15 * float64(len(expr.Families(node)))

	// Small bonus per generation survived, capped.
	genBonus := float64(g.Generation) * 0.05
	if genBonus > 0.25 {
		genBonus = 0.25
	}
	score += genBonus

	return score
}

// ScoredGene pairs a gene with its fitness for ranking.
type ScoredGene struct {
	Gene    gene.Gene
	Fitness float64
}
