// Package memory is the mutex-guarded in-process storage backend. Tests
// and --dev mode run on it; production runs on the postgres backend behind
// the same interfaces.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/sawpanic/genepool/internal/domain/bounty"
	"github.com/sawpanic/genepool/internal/domain/gene"
	"github.com/sawpanic/genepool/internal/persistence"
)

// NewStore wires every in-memory repo into one persistence.Store.
func NewStore() persistence.Store {
	return persistence.Store{
		Genes:     NewGeneRepo(),
		Bounties:  NewBountyRepo(),
		Deaths:    NewDeathLog(),
		Capsules:  NewCapsuleRepo(),
		Schedules: NewScheduleLog(),
	}
}

// GeneRepo is the in-memory gene store.
type GeneRepo struct {
	mu    sync.RWMutex
	genes map[string]gene.Gene
	order []string
}

func NewGeneRepo() *GeneRepo {
	return &GeneRepo{genes: make(map[string]gene.Gene)}
}

func copyGene(g gene.Gene) gene.Gene {
	out := g
	if g.Parameters != nil {
		out.Parameters = make(map[string]float64, len(g.Parameters))
		for k, v := range g.Parameters {
			out.Parameters[k] = v
		}
	}
	if g.Performance != nil {
		perf := *g.Performance
		out.Performance = &perf
	}
	return out
}

func (r *GeneRepo) Insert(_ context.Context, g gene.Gene) error {
	if err := g.Validate(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	for _, existing := range r.genes {
		if existing.Formula == g.Formula {
			return persistence.ErrDuplicateFormula
		}
	}
	r.genes[g.ID] = copyGene(g)
	r.order = append(r.order, g.ID)
	return nil
}

func (r *GeneRepo) Get(_ context.Context, id string) (gene.Gene, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	g, ok := r.genes[id]
	if !ok {
		return gene.Gene{}, persistence.ErrNotFound
	}
	return copyGene(g), nil
}

func (r *GeneRepo) List(_ context.Context, filter persistence.GeneFilter) ([]gene.Gene, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []gene.Gene
	// Newest first.
	for i := len(r.order) - 1; i >= 0; i-- {
		g, ok := r.genes[r.order[i]]
		if !ok {
			continue
		}
		if filter.Status != "" && g.ValidationStatus != filter.Status {
			continue
		}
		if filter.Generation != nil && g.Generation != *filter.Generation {
			continue
		}
		out = append(out, copyGene(g))
		if filter.Limit > 0 && len(out) >= filter.Limit {
			break
		}
	}
	return out, nil
}

func (r *GeneRepo) Delete(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.genes[id]; !ok {
		return persistence.ErrNotFound
	}
	delete(r.genes, id)
	return nil
}

func (r *GeneRepo) UpdatePerformance(_ context.Context, id string, perf gene.Performance, fitness float64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	g, ok := r.genes[id]
	if !ok {
		return persistence.ErrNotFound
	}
	g.Performance = &perf
	g.Fitness = fitness
	r.genes[id] = g
	return nil
}

func (r *GeneRepo) UpdateValidation(_ context.Context, id string, status gene.ValidationStatus) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	g, ok := r.genes[id]
	if !ok {
		return persistence.ErrNotFound
	}
	g.ValidationStatus = status
	r.genes[id] = g
	return nil
}

func (r *GeneRepo) Count(_ context.Context) (int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.genes), nil
}

// BountyRepo is the in-memory bounty store. Claim holds the write lock for
// the whole check-and-set, so racing claimers serialize and exactly one
// wins.
type BountyRepo struct {
	mu       sync.RWMutex
	bounties map[string]bounty.Bounty
	order    []string
}

func NewBountyRepo() *BountyRepo {
	return &BountyRepo{bounties: make(map[string]bounty.Bounty)}
}

func (r *BountyRepo) Insert(_ context.Context, b bounty.Bounty) error {
	if err := b.Validate(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.bounties[b.TaskID]; exists {
		return persistence.ErrInvalidTransition
	}
	r.bounties[b.TaskID] = b
	r.order = append(r.order, b.TaskID)
	return nil
}

func (r *BountyRepo) Get(_ context.Context, taskID string) (bounty.Bounty, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	b, ok := r.bounties[taskID]
	if !ok {
		return bounty.Bounty{}, persistence.ErrNotFound
	}
	return b, nil
}

func (r *BountyRepo) List(_ context.Context, filter persistence.BountyFilter) ([]bounty.Bounty, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []bounty.Bounty
	for i := len(r.order) - 1; i >= 0; i-- {
		b := r.bounties[r.order[i]]
		if filter.Status != "" && b.Status != filter.Status {
			continue
		}
		if filter.Type != "" && b.Type != filter.Type {
			continue
		}
		out = append(out, b)
		if filter.Limit > 0 && len(out) >= filter.Limit {
			break
		}
	}
	return out, nil
}

func (r *BountyRepo) Claim(_ context.Context, taskID, agentID string, now time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	b, ok := r.bounties[taskID]
	if !ok {
		return persistence.ErrNotFound
	}
	if b.Status != bounty.StatusOpen {
		return persistence.ErrClaimConflict
	}

	b.Status = bounty.StatusClaimed
	b.ClaimedBy = agentID
	b.ClaimedAt = &now
	r.bounties[taskID] = b
	return nil
}

func (r *BountyRepo) Release(_ context.Context, taskID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	b, ok := r.bounties[taskID]
	if !ok {
		return persistence.ErrNotFound
	}
	switch b.Status {
	case bounty.StatusClaimed, bounty.StatusValidating, bounty.StatusExpired:
	default:
		return persistence.ErrInvalidTransition
	}

	b.Status = bounty.StatusOpen
	b.ClaimedBy = ""
	b.ClaimedAt = nil
	r.bounties[taskID] = b
	return nil
}

func (r *BountyRepo) RecordSubmission(_ context.Context, taskID string, sub bounty.Submission) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	b, ok := r.bounties[taskID]
	if !ok {
		return persistence.ErrNotFound
	}
	b.Submissions = append(b.Submissions, sub)
	r.bounties[taskID] = b
	return nil
}

func (r *BountyRepo) Complete(_ context.Context, taskID string) error {
	return r.transition(taskID, bounty.StatusCompleted, bounty.StatusClaimed, bounty.StatusValidating)
}

func (r *BountyRepo) MarkExpired(_ context.Context, taskID string) error {
	return r.transition(taskID, bounty.StatusExpired, bounty.StatusOpen, bounty.StatusClaimed, bounty.StatusValidating)
}

func (r *BountyRepo) ExtendDeadline(_ context.Context, taskID string, deadline time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	b, ok := r.bounties[taskID]
	if !ok {
		return persistence.ErrNotFound
	}
	b.Deadline = deadline
	r.bounties[taskID] = b
	return nil
}

func (r *BountyRepo) Cancel(_ context.Context, taskID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	b, ok := r.bounties[taskID]
	if !ok {
		return persistence.ErrNotFound
	}
	b.Status = bounty.StatusCancelled
	r.bounties[taskID] = b
	return nil
}

func (r *BountyRepo) transition(taskID string, to bounty.Status, from ...bounty.Status) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	b, ok := r.bounties[taskID]
	if !ok {
		return persistence.ErrNotFound
	}

	allowed := false
	for _, s := range from {
		if b.Status == s {
			allowed = true
			break
		}
	}
	if !allowed {
		return persistence.ErrInvalidTransition
	}

	b.Status = to
	r.bounties[taskID] = b
	return nil
}

// DeathLog is the in-memory append-only death record.
type DeathLog struct {
	mu     sync.RWMutex
	events []persistence.DeathEvent
}

func NewDeathLog() *DeathLog {
	return &DeathLog{}
}

func (l *DeathLog) Record(_ context.Context, event persistence.DeathEvent) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, event)
	return nil
}

func (l *DeathLog) List(_ context.Context, limit int) ([]persistence.DeathEvent, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := make([]persistence.DeathEvent, len(l.events))
	copy(out, l.events)
	sort.Slice(out, func(i, j int) bool { return out[i].At.After(out[j].At) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// CapsuleRepo is the in-memory capsule store.
type CapsuleRepo struct {
	mu       sync.RWMutex
	capsules map[string]persistence.Capsule
}

func NewCapsuleRepo() *CapsuleRepo {
	return &CapsuleRepo{capsules: make(map[string]persistence.Capsule)}
}

func (r *CapsuleRepo) Insert(_ context.Context, c persistence.Capsule) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.capsules[c.ID] = c
	return nil
}

func (r *CapsuleRepo) Get(_ context.Context, id string) (persistence.Capsule, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	c, ok := r.capsules[id]
	if !ok {
		return persistence.Capsule{}, persistence.ErrNotFound
	}
	return c, nil
}

func (r *CapsuleRepo) ListByGene(_ context.Context, geneID string) ([]persistence.Capsule, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []persistence.Capsule
	for _, c := range r.capsules {
		if c.GeneID == geneID {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// ScheduleLog is the in-memory append-only schedule-adjustment record.
type ScheduleLog struct {
	mu          sync.RWMutex
	adjustments []persistence.ScheduleAdjustment
}

func NewScheduleLog() *ScheduleLog {
	return &ScheduleLog{}
}

func (l *ScheduleLog) Record(_ context.Context, adj persistence.ScheduleAdjustment) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.adjustments = append(l.adjustments, adj)
	return nil
}

func (l *ScheduleLog) List(_ context.Context, limit int) ([]persistence.ScheduleAdjustment, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := make([]persistence.ScheduleAdjustment, len(l.adjustments))
	copy(out, l.adjustments)
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}
