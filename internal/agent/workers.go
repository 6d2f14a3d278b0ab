package agent

import (
	"context"
	"fmt"
	"math/rand"

	"github.com/sawpanic/genepool/internal/domain/bounty"
	"github.com/sawpanic/genepool/internal/domain/gene"
	domval "github.com/sawpanic/genepool/internal/domain/validation"
	"github.com/sawpanic/genepool/internal/evo"
	"github.com/sawpanic/genepool/internal/persistence"
	"github.com/sawpanic/genepool/internal/validation"
)

func bountyMarket(b bounty.Bounty) string {
	if b.Requirements.Symbol != "" {
		return b.Requirements.Symbol
	}
	return "BTC-USD"
}

// MinerWorker discovers new factors: it breeds a candidate from the seed
// library, registers it, and scores it locally before submitting.
type MinerWorker struct {
	Evaluator validation.Evaluator
	Rng       *rand.Rand
}

func (w *MinerWorker) Work(ctx context.Context, c *Client, b bounty.Bounty) (string, domval.BacktestResult, error) {
	seeds := evo.SeedLibrary("miner")

	// A few attempts: formula collisions with the active population are
	// expected and resolved by mutating again.
	for attempt := 0; attempt < 5; attempt++ {
		a := seeds[w.Rng.Intn(len(seeds))]
		p := seeds[w.Rng.Intn(len(seeds))]

		var candidate gene.Gene
		var err error
		if a.ID != p.ID && w.Rng.Intn(2) == 0 {
			candidate, err = evo.Crossover(w.Rng, a, p)
		} else {
			candidate, err = evo.Mutate(w.Rng, a)
		}
		if err != nil {
			continue
		}

		registered, err := c.RegisterGene(ctx, candidate)
		if IsConflict(err) {
			continue
		}
		if err != nil {
			return "", domval.BacktestResult{}, err
		}

		perf, err := w.Evaluator.Score(ctx, registered, bountyMarket(b))
		if err != nil {
			return "", domval.BacktestResult{}, fmt.Errorf("local evaluation failed: %w", err)
		}
		return registered.ID, perf, nil
	}
	return "", domval.BacktestResult{}, fmt.Errorf("failed to breed a novel candidate after 5 attempts")
}

// OptimizerWorker mutates the best validated gene it can fetch and
// submits the improved offspring.
type OptimizerWorker struct {
	Evaluator validation.Evaluator
	Rng       *rand.Rand
}

func (w *OptimizerWorker) Work(ctx context.Context, c *Client, b bounty.Bounty) (string, domval.BacktestResult, error) {
	parents, err := c.ListGenes(ctx, gene.ValidationValidated, 10)
	if err != nil {
		return "", domval.BacktestResult{}, err
	}
	if len(parents) == 0 {
		// Nothing validated yet: fall back to pending stock.
		parents, err = c.ListGenes(ctx, gene.ValidationPending, 10)
		if err != nil {
			return "", domval.BacktestResult{}, err
		}
	}
	if len(parents) == 0 {
		return "", domval.BacktestResult{}, fmt.Errorf("no genes available to optimize")
	}

	for attempt := 0; attempt < 5; attempt++ {
		parent := parents[w.Rng.Intn(len(parents))]
		child, err := evo.Mutate(w.Rng, parent)
		if err != nil {
			continue
		}

		registered, err := c.RegisterGene(ctx, child)
		if IsConflict(err) {
			continue
		}
		if err != nil {
			return "", domval.BacktestResult{}, err
		}

		perf, err := w.Evaluator.Score(ctx, registered, bountyMarket(b))
		if err != nil {
			return "", domval.BacktestResult{}, fmt.Errorf("local evaluation failed: %w", err)
		}
		return registered.ID, perf, nil
	}
	return "", domval.BacktestResult{}, fmt.Errorf("failed to produce a novel mutation after 5 attempts")
}

// ValidatorWorker re-scores a pending gene and files a capsule with the
// evidence before submitting.
type ValidatorWorker struct {
	Evaluator validation.Evaluator
}

func (w *ValidatorWorker) Work(ctx context.Context, c *Client, b bounty.Bounty) (string, domval.BacktestResult, error) {
	pending, err := c.ListGenes(ctx, gene.ValidationPending, 1)
	if err != nil {
		return "", domval.BacktestResult{}, err
	}
	if len(pending) == 0 {
		return "", domval.BacktestResult{}, fmt.Errorf("no pending genes to validate")
	}

	g := pending[0]
	perf, err := w.Evaluator.Score(ctx, g, bountyMarket(b))
	if err != nil {
		return "", domval.BacktestResult{}, fmt.Errorf("evaluation failed: %w", err)
	}

	if _, err := c.SubmitCapsule(ctx, persistence.Capsule{
		GeneID:     g.ID,
		Code:       g.Formula,
		Validation: perf,
		Meta:       map[string]string{"market": bountyMarket(b)},
	}); err != nil {
		return "", domval.BacktestResult{}, fmt.Errorf("failed to file capsule: %w", err)
	}
	return g.ID, perf, nil
}
