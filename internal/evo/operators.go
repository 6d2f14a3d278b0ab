package evo

import (
	"fmt"
	"math/rand"
	"time"

	"github.com/sawpanic/genepool/internal/domain/gene"
	"github.com/sawpanic/genepool/internal/expr"
)

// Discrete value pools for mutation. Perturbed values always come from
// here, so a mutated formula stays inside a bounded parameter space.
var (
	windowPool      = []int{2, 3, 5, 8, 10, 14, 20, 26, 30, 50, 100, 200}
	factorPool      = []float64{0.8, 0.9, 1.1, 1.25}
	transformPool   = []expr.TransformKind{expr.TransformMA, expr.TransformZScore, expr.TransformRank, expr.TransformDecay}
	transformWindow = []int{5, 10, 20, 50}
	lagPool         = []int{1, 2, 3, 5}
)

// Crossover combines two parents into a child gene. The child's genetic
// material is deterministic given rng; its id is freshly minted.
// Variants: boolean combination, parameter-set merge, operator substitution.
func Crossover(rng *rand.Rand, a, b gene.Gene) (gene.Gene, error) {
	treeA, err := expr.Parse(a.Formula)
	if err != nil {
		return gene.Gene{}, fmt.Errorf("parent %s has unparseable formula: %w", a.ID, err)
	}
	treeB, err := expr.Parse(b.Formula)
	if err != nil {
		return gene.Gene{}, fmt.Errorf("parent %s has unparseable formula: %w", b.ID, err)
	}

	var childTree expr.Node
	switch rng.Intn(3) {
	case 0:
		// Boolean combination: (A) AND (B) or (A) OR (B).
		op := expr.OpAnd
		if rng.Intn(2) == 1 {
			op = expr.OpOr
		}
		childTree = &expr.Logic{Op: op, Left: expr.Clone(treeA), Right: expr.Clone(treeB)}

	case 1:
		// Parameter-set merge: A's structure, numeric literals swapped in
		// from B position by position where both sides have one.
		childTree = expr.Clone(treeA)
		numsA := expr.Numbers(childTree)
		numsB := expr.Numbers(treeB)
		for i, n := range numsA {
			if i >= len(numsB) {
				break
			}
			n.Value = numsB[i].Value
		}

	default:
		// Operator substitution: A's structure with one comparison operator
		// replaced by the operator at the same position in B.
		childTree = expr.Clone(treeA)
		cmpsA := expr.Comparisons(childTree)
		cmpsB := expr.Comparisons(treeB)
		if len(cmpsA) > 0 && len(cmpsB) > 0 {
			i := rng.Intn(len(cmpsA))
			cmpsA[i].Op = cmpsB[i%len(cmpsB)].Op
		}
	}

	formula := childTree.String()
	if err := expr.Validate(formula); err != nil {
		// Structurally unreachable; the guard keeps a bad child out of
		// storage regardless.
		return gene.Gene{}, fmt.Errorf("crossover produced invalid formula %q: %w", formula, err)
	}

	child := gene.Gene{
		ID:               gene.NewID(),
		Name:             fmt.Sprintf("x_%s_%s", a.Name, b.Name),
		Formula:          formula,
		Parameters:       mergeParameters(a.Parameters, b.Parameters),
		Source:           gene.SourceCrossover,
		Author:           "operator_engine",
		ParentID:         gene.CrossoverParentRef(a.ID, b.ID),
		Generation:       gene.ChildGeneration(a.Generation, b.Generation),
		CreatedAt:        time.Now().UTC(),
		ValidationStatus: gene.ValidationPending,
	}
	return child, nil
}

// Mutate perturbs a single parent into a child gene. Variants: parameter
// perturbation from the discrete pools, transform wrap, lag injection.
func Mutate(rng *rand.Rand, parent gene.Gene) (gene.Gene, error) {
	tree, err := expr.Parse(parent.Formula)
	if err != nil {
		return gene.Gene{}, fmt.Errorf("parent %s has unparseable formula: %w", parent.ID, err)
	}
	child := expr.Clone(tree)

	switch rng.Intn(3) {
	case 0:
		mutateNumber(rng, child)
	case 1:
		wrapTransform(rng, child)
	default:
		injectLag(rng, child)
	}

	formula := child.String()
	if err := expr.Validate(formula); err != nil {
		return gene.Gene{}, fmt.Errorf("mutation produced invalid formula %q: %w", formula, err)
	}

	out := gene.Gene{
		ID:               gene.NewID(),
		Name:             fmt.Sprintf("m_%s", parent.Name),
		Formula:          formula,
		Parameters:       mergeParameters(parent.Parameters, nil),
		Source:           gene.SourceMutation,
		Author:           "operator_engine",
		ParentID:         parent.ID,
		Generation:       parent.Generation + 1,
		CreatedAt:        time.Now().UTC(),
		ValidationStatus: gene.ValidationPending,
	}
	return out, nil
}

// mutateNumber replaces one numeric literal with a pool value.
func mutateNumber(rng *rand.Rand, tree expr.Node) {
	nums := expr.Numbers(tree)
	if len(nums) == 0 {
		wrapTransform(rng, tree)
		return
	}
	target := nums[rng.Intn(len(nums))]

	if isWindowLike(target.Value) {
		target.Value = float64(windowPool[rng.Intn(len(windowPool))])
		return
	}
	target.Value *= factorPool[rng.Intn(len(factorPool))]
}

func isWindowLike(v float64) bool {
	return v == float64(int(v)) && v >= 2
}

// wrapTransform wraps the left operand of one comparison in a windowed
// transform.
func wrapTransform(rng *rand.Rand, tree expr.Node) {
	cmps := expr.Comparisons(tree)
	if len(cmps) == 0 {
		return
	}
	target := cmps[rng.Intn(len(cmps))]
	kind := transformPool[rng.Intn(len(transformPool))]
	window := transformWindow[rng.Intn(len(transformWindow))]
	target.Left = &expr.Transform{Kind: kind, Window: window, Inner: target.Left}
}

// injectLag shifts the left operand of one comparison back in time.
func injectLag(rng *rand.Rand, tree expr.Node) {
	cmps := expr.Comparisons(tree)
	if len(cmps) == 0 {
		return
	}
	target := cmps[rng.Intn(len(cmps))]
	periods := lagPool[rng.Intn(len(lagPool))]
	target.Left = &expr.Lag{Periods: periods, Inner: target.Left}
}

func mergeParameters(a, b map[string]float64) map[string]float64 {
	if a == nil && b == nil {
		return nil
	}
	out := make(map[string]float64, len(a)+len(b))
	for k, v := range a {
		out[k] = v
	}
	for k, v := range b {
		if _, exists := out[k]; !exists {
			out[k] = v
		}
	}
	return out
}
