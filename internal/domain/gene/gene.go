// Package gene defines the evolvable strategy encoding and its lineage
// bookkeeping. A gene is a formula plus parameters plus provenance; the
// population of genes is the unit everything else coordinates around.
package gene

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Source tags how a gene entered the population.
type Source string

const (
	SourceSeed           Source = "seed"
	SourceCrossover      Source = "crossover"
	SourceMutation       Source = "mutation"
	SourceRLOptimization Source = "rl_optimization"
	SourceUnvalidated    Source = "unvalidated"
)

// ValidationStatus tracks where a gene sits in the validation lifecycle.
type ValidationStatus string

const (
	ValidationPending   ValidationStatus = "pending"
	ValidationValidated ValidationStatus = "validated"
	ValidationExpired   ValidationStatus = "expired"
	ValidationError     ValidationStatus = "error"
)

// Performance is the latest aggregate backtest metrics for a gene.
type Performance struct {
	Sharpe       float64 `json:"sharpe"`
	MaxDrawdown  float64 `json:"max_drawdown"`
	WinRate      float64 `json:"win_rate"`
	AnnualReturn float64 `json:"annual_return"`
	Trades       int     `json:"trades"`
	ProfitFactor float64 `json:"profit_factor"`
}

// Gene is one candidate strategy encoding.
//
// ParentID is a single gene id for mutation children, "idA+idB" for
// crossover children, and empty for seeds. Generation is the distance from
// the oldest seed ancestor: seeds are 0, every reproduction event adds 1.
type Gene struct {
	ID               string             `json:"gene_id" db:"gene_id"`
	Name             string             `json:"name" db:"name"`
	Formula          string             `json:"formula" db:"formula"`
	Parameters       map[string]float64 `json:"parameters" db:"-"`
	Source           Source             `json:"source" db:"source"`
	Author           string             `json:"author" db:"author"`
	ParentID         string             `json:"parent_gene_id,omitempty" db:"parent_gene_id"`
	Generation       int                `json:"generation" db:"generation"`
	CreatedAt        time.Time          `json:"created_at" db:"created_at"`
	Fitness          float64            `json:"fitness" db:"fitness"`
	Performance      *Performance       `json:"performance,omitempty" db:"-"`
	ValidationStatus ValidationStatus   `json:"validation_status" db:"validation_status"`
}

// NewID mints a fresh gene id.
func NewID() string {
	return "gene_" + uuid.New().String()
}

// CrossoverParentRef encodes two-parent lineage as "idA+idB".
func CrossoverParentRef(a, b string) string {
	return a + "+" + b
}

// ParentIDs splits a parent reference back into individual ids.
func ParentIDs(ref string) []string {
	if ref == "" {
		return nil
	}
	return strings.Split(ref, "+")
}

// ChildGeneration is max(parent generations) + 1.
func ChildGeneration(parents ...int) int {
	max := 0
	for _, g := range parents {
		if g > max {
			max = g
		}
	}
	return max + 1
}

// Validate checks structural integrity before a gene touches storage.
func (g *Gene) Validate() error {
	if g.ID == "" {
		return fmt.Errorf("gene id is required")
	}
	if g.Formula == "" {
		return fmt.Errorf("gene %s has an empty formula", g.ID)
	}
	if g.Generation < 0 {
		return fmt.Errorf("gene %s has negative generation %d", g.ID, g.Generation)
	}
	switch g.Source {
	case SourceSeed, SourceCrossover, SourceMutation, SourceRLOptimization, SourceUnvalidated:
	default:
		return fmt.Errorf("gene %s has unknown source %q", g.ID, g.Source)
	}
	if g.Source == SourceSeed && g.Generation != 0 {
		return fmt.Errorf("seed gene %s must be generation 0, got %d", g.ID, g.Generation)
	}
	return nil
}
