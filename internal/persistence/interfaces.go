// Package persistence defines the storage contracts the hub owns. All
// shared mutable state (genes, bounties, death and schedule logs, capsules)
// flows through these interfaces; agents never touch storage directly.
package persistence

import (
	"context"
	"errors"
	"time"

	"github.com/sawpanic/genepool/internal/domain/bounty"
	"github.com/sawpanic/genepool/internal/domain/gene"
	"github.com/sawpanic/genepool/internal/domain/validation"
)

// Sentinel errors shared by every backend. Callers branch with errors.Is.
var (
	// ErrNotFound means the requested row does not exist.
	ErrNotFound = errors.New("not found")

	// ErrDuplicateFormula rejects an insert whose formula matches an
	// active, non-culled gene. Recoverable: mutate and retry.
	ErrDuplicateFormula = errors.New("duplicate formula in active population")

	// ErrClaimConflict means another agent already holds the bounty.
	// Recoverable: the agent moves on.
	ErrClaimConflict = errors.New("bounty already claimed")

	// ErrNotClaimHolder rejects a submission from an agent that does not
	// hold the claim.
	ErrNotClaimHolder = errors.New("agent does not hold the claim")

	// ErrBountyExpired means the deadline passed; the caller must observe
	// the expiry and re-claim.
	ErrBountyExpired = errors.New("bounty expired")

	// ErrInvalidTransition rejects a state-machine move the lifecycle
	// does not allow.
	ErrInvalidTransition = errors.New("invalid bounty status transition")
)

// GeneFilter narrows List queries.
type GeneFilter struct {
	Status     gene.ValidationStatus
	Generation *int
	Limit      int
}

// GeneRepo is the durable gene store. Insert and Delete are atomic; readers
// never observe a partially written gene.
type GeneRepo interface {
	// Insert persists a new gene, failing with ErrDuplicateFormula when an
	// active gene already carries an identical formula.
	Insert(ctx context.Context, g gene.Gene) error

	// Get fetches one gene by id, ErrNotFound when absent.
	Get(ctx context.Context, id string) (gene.Gene, error)

	// List returns genes matching the filter, newest first.
	List(ctx context.Context, filter GeneFilter) ([]gene.Gene, error)

	// Delete removes a gene. Only the culling governor calls this, and only
	// after recording a death event.
	Delete(ctx context.Context, id string) error

	// UpdatePerformance stores the latest aggregate backtest metrics and
	// fitness for a gene.
	UpdatePerformance(ctx context.Context, id string, perf gene.Performance, fitness float64) error

	// UpdateValidation moves a gene's validation status.
	UpdateValidation(ctx context.Context, id string, status gene.ValidationStatus) error

	// Count reports the active population size.
	Count(ctx context.Context) (int, error)
}

// BountyFilter narrows bounty listings.
type BountyFilter struct {
	Status bounty.Status
	Type   bounty.Type
	Limit  int
}

// BountyRepo is the bounty market's storage. Claim is the one operation
// that must be a true compare-and-set: of two racing claimers, exactly one
// transitions the row.
type BountyRepo interface {
	Insert(ctx context.Context, b bounty.Bounty) error
	Get(ctx context.Context, taskID string) (bounty.Bounty, error)
	List(ctx context.Context, filter BountyFilter) ([]bounty.Bounty, error)

	// Claim atomically transitions OPEN -> CLAIMED iff status is OPEN.
	// Losers of the race get ErrClaimConflict.
	Claim(ctx context.Context, taskID, agentID string, now time.Time) error

	// Release returns a bounty to OPEN (deadline recovery path).
	Release(ctx context.Context, taskID string) error

	// RecordSubmission appends an attempt to the bounty's submission list.
	RecordSubmission(ctx context.Context, taskID string, sub bounty.Submission) error

	// Complete transitions CLAIMED/VALIDATING -> COMPLETED.
	Complete(ctx context.Context, taskID string) error

	// MarkExpired transitions OPEN/CLAIMED/VALIDATING -> EXPIRED.
	MarkExpired(ctx context.Context, taskID string) error

	// ExtendDeadline pushes the deadline forward, re-arming a bounty that
	// was re-opened after expiry.
	ExtendDeadline(ctx context.Context, taskID string, deadline time.Time) error

	// Cancel is the administrative terminal transition.
	Cancel(ctx context.Context, taskID string) error
}

// DeathEvent is the append-only record the governor writes before any
// delete. Lineage history survives the gene.
type DeathEvent struct {
	GeneID     string    `json:"gene_id" db:"gene_id"`
	Name       string    `json:"name" db:"name"`
	FinalScore float64   `json:"final_score" db:"final_score"`
	Cause      string    `json:"cause" db:"cause"`
	At         time.Time `json:"at" db:"at"`
}

// DeathLog records culling outcomes.
type DeathLog interface {
	Record(ctx context.Context, event DeathEvent) error
	List(ctx context.Context, limit int) ([]DeathEvent, error)
}

// Capsule bundles a gene's code artifact with its validation summary, as
// submitted by validator agents.
type Capsule struct {
	ID         string                    `json:"capsule_id" db:"capsule_id"`
	GeneID     string                    `json:"gene_id" db:"gene_id"`
	Code       string                    `json:"code" db:"code"`
	Validation validation.BacktestResult `json:"validation" db:"-"`
	Meta       map[string]string         `json:"meta,omitempty" db:"-"`
	CreatedAt  time.Time                 `json:"created_at" db:"created_at"`
}

// CapsuleRepo stores validation capsules.
type CapsuleRepo interface {
	Insert(ctx context.Context, c Capsule) error
	Get(ctx context.Context, id string) (Capsule, error)
	ListByGene(ctx context.Context, geneID string) ([]Capsule, error)
}

// ScheduleAdjustment is one append-only record of an evolution-cycle
// interval change.
type ScheduleAdjustment struct {
	PreviousSpec string    `json:"previous_spec" db:"previous_spec"`
	NewSpec      string    `json:"new_spec" db:"new_spec"`
	AdjustedBy   string    `json:"adjusted_by" db:"adjusted_by"`
	Reason       string    `json:"reason" db:"reason"`
	At           time.Time `json:"at" db:"at"`
}

// ScheduleLog records evolution-cycle schedule changes.
type ScheduleLog interface {
	Record(ctx context.Context, adj ScheduleAdjustment) error
	List(ctx context.Context, limit int) ([]ScheduleAdjustment, error)
}

// Store aggregates every repository a hub needs.
type Store struct {
	Genes     GeneRepo
	Bounties  BountyRepo
	Deaths    DeathLog
	Capsules  CapsuleRepo
	Schedules ScheduleLog
}
