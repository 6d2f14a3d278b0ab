// Package hub is the coordination core: the single process that owns
// storage, the bounty market, validation, and the culling governor.
// Agents only ever talk to it over the HTTP interface.
package hub

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/sawpanic/genepool/internal/data/cache"
	"github.com/sawpanic/genepool/internal/domain/gene"
	domval "github.com/sawpanic/genepool/internal/domain/validation"
	"github.com/sawpanic/genepool/internal/expr"
	"github.com/sawpanic/genepool/internal/governor"
	"github.com/sawpanic/genepool/internal/market"
	"github.com/sawpanic/genepool/internal/persistence"
	"github.com/sawpanic/genepool/internal/validation"
)

// Hub wires the services together behind one façade.
type Hub struct {
	Store    persistence.Store
	Market   *market.Service
	Pipeline *validation.Pipeline
	Governor *governor.Governor
	Liveness cache.Liveness
	Events   *Broadcaster
}

// New assembles a hub. Liveness may be the Redis registry or the
// in-process one.
func New(store persistence.Store, mkt *market.Service, pipeline *validation.Pipeline, gov *governor.Governor, liveness cache.Liveness) *Hub {
	return &Hub{
		Store:    store,
		Market:   mkt,
		Pipeline: pipeline,
		Governor: gov,
		Liveness: liveness,
		Events:   NewBroadcaster(),
	}
}

// RegisterGene validates a submitted formula and stores the gene. The
// formula must parse under the expression grammar; lineage fields are
// filled in for direct registrations.
func (h *Hub) RegisterGene(ctx context.Context, g gene.Gene) (gene.Gene, error) {
	if err := expr.Validate(g.Formula); err != nil {
		return gene.Gene{}, fmt.Errorf("formula rejected: %w", err)
	}
	if g.ID == "" {
		g.ID = gene.NewID()
	}
	if g.Source == "" {
		g.Source = gene.SourceUnvalidated
	}
	if g.CreatedAt.IsZero() {
		g.CreatedAt = time.Now().UTC()
	}
	if g.ValidationStatus == "" {
		g.ValidationStatus = gene.ValidationPending
	}

	if err := h.Store.Genes.Insert(ctx, g); err != nil {
		return gene.Gene{}, err
	}
	h.Events.Publish(Event{Type: EventGeneRegistered, GeneID: g.ID})
	log.Info().Str("gene", g.ID).Int("generation", g.Generation).Msg("gene registered")
	return g, nil
}

// ValidateGene runs one gene through the full pipeline and persists the
// outcome.
func (h *Hub) ValidateGene(ctx context.Context, geneID string, criteria domval.Criteria, markets []string) (validation.Report, error) {
	g, err := h.Store.Genes.Get(ctx, geneID)
	if err != nil {
		return validation.Report{}, err
	}

	report, err := h.Pipeline.Run(ctx, g, criteria, markets)
	if err != nil {
		return validation.Report{}, err
	}

	status := gene.ValidationPending
	if report.Passed {
		status = gene.ValidationValidated
	}
	if err := h.Store.Genes.UpdateValidation(ctx, geneID, status); err != nil {
		return validation.Report{}, fmt.Errorf("failed to persist validation status: %w", err)
	}
	return report, nil
}

// SubmitCapsule stores a validator's capsule for a gene.
func (h *Hub) SubmitCapsule(ctx context.Context, c persistence.Capsule) (persistence.Capsule, error) {
	if c.GeneID == "" {
		return persistence.Capsule{}, fmt.Errorf("capsule needs a gene id")
	}
	if _, err := h.Store.Genes.Get(ctx, c.GeneID); err != nil {
		return persistence.Capsule{}, err
	}
	if c.ID == "" {
		c.ID = "capsule_" + uuid.New().String()
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}
	if err := h.Store.Capsules.Insert(ctx, c); err != nil {
		return persistence.Capsule{}, fmt.Errorf("failed to store capsule: %w", err)
	}
	return c, nil
}

// RunCycle runs one governor cycle and announces the outcome.
func (h *Hub) RunCycle(ctx context.Context) (governor.CycleReport, error) {
	report, err := h.Governor.RunCycle(ctx)
	if err != nil {
		return report, err
	}
	h.Events.Publish(Event{Type: EventCycleComplete, Detail: fmt.Sprintf(
		"evaluated=%d culled=%d offspring=%d", report.Evaluated, report.Culled, report.Offspring)})
	return report, nil
}
