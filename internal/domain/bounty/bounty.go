// Package bounty defines the task marketplace's state machine and reward
// schedule. A bounty is a unit of requested evolutionary work with an
// exclusive-claim lifecycle; rewards are a pure function of submitted
// performance and the bounty's declared schedule.
package bounty

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/sawpanic/genepool/internal/domain/validation"
)

// Type enumerates the kinds of work the market hands out.
type Type string

const (
	TypeDiscoverFactor     Type = "discover_factor"
	TypeOptimizeStrategy   Type = "optimize_strategy"
	TypeValidateStrategy   Type = "validate_strategy"
	TypeMigrateStrategy    Type = "migrate_strategy"
	TypeConstructPortfolio Type = "construct_portfolio"
)

// Status is the bounty lifecycle state. Transitions are monotonic except
// deadline expiry, which re-opens a bounty for claiming.
type Status string

const (
	StatusOpen       Status = "OPEN"
	StatusClaimed    Status = "CLAIMED"
	StatusValidating Status = "VALIDATING"
	StatusCompleted  Status = "COMPLETED"
	StatusExpired    Status = "EXPIRED"
	StatusCancelled  Status = "CANCELLED"
)

// Requirements scope the work to a market slice.
type Requirements struct {
	Symbol    string `json:"symbol" yaml:"symbol"`
	Timeframe string `json:"timeframe" yaml:"timeframe"`
	Market    string `json:"market" yaml:"market"`
	DataRange string `json:"data_range" yaml:"data_range"`
}

// RewardSchedule declares the payout: base * tier multiplier + bonus.
// Multipliers are keyed by reward tier and are per-bounty configurable.
type RewardSchedule struct {
	Base      decimal.Decimal                           `json:"base"`
	Bonus     decimal.Decimal                           `json:"bonus"`
	TierBonus map[validation.RewardTier]decimal.Decimal `json:"tier_bonus"`
}

// DefaultTierBonus is used when a bounty declares no multipliers.
func DefaultTierBonus() map[validation.RewardTier]decimal.Decimal {
	return map[validation.RewardTier]decimal.Decimal{
		validation.RewardGold:   decimal.NewFromFloat(2.0),
		validation.RewardSilver: decimal.NewFromFloat(1.5),
		validation.RewardBronze: decimal.NewFromFloat(1.0),
	}
}

// ComputeReward is reproducible from stored data alone: the same schedule
// and performance always yield the same payout.
func (s RewardSchedule) ComputeReward(perf validation.BacktestResult) (decimal.Decimal, validation.RewardTier) {
	tier := validation.ClassifyRewardTier(perf.Sharpe)
	multiplier, ok := s.TierBonus[tier]
	if !ok {
		multiplier = decimal.NewFromInt(1)
	}
	return s.Base.Mul(multiplier).Add(s.Bonus), tier
}

// Submission is one attempt against a bounty.
type Submission struct {
	ID          string                    `json:"submission_id"`
	AgentID     string                    `json:"agent_id"`
	GeneID      string                    `json:"gene_id"`
	Performance validation.BacktestResult `json:"performance"`
	Passed      bool                      `json:"passed"`
	Reward      decimal.Decimal           `json:"reward"`
	RewardTier  validation.RewardTier     `json:"reward_tier,omitempty"`
	SubmittedAt time.Time                 `json:"submitted_at"`
	Reason      string                    `json:"reason,omitempty"`
}

// Bounty is one unit of requested work.
type Bounty struct {
	TaskID       string              `json:"task_id"`
	Type         Type                `json:"type"`
	Status       Status              `json:"status"`
	Requirements Requirements        `json:"requirements"`
	Criteria     validation.Criteria `json:"criteria"`
	Reward       RewardSchedule      `json:"reward"`
	ClaimedBy    string              `json:"claimed_by,omitempty"`
	ClaimedAt    *time.Time          `json:"claimed_at,omitempty"`
	Deadline     time.Time           `json:"deadline"`
	CreatedAt    time.Time           `json:"created_at"`
	Submissions  []Submission        `json:"submissions,omitempty"`
}

// NewID mints a fresh task id.
func NewID() string {
	return "task_" + uuid.New().String()
}

// ExpiredAt reports whether the deadline has passed. Expiry is evaluated
// lazily: a bounty past its deadline is treated as EXPIRED on next read.
func (b *Bounty) ExpiredAt(now time.Time) bool {
	switch b.Status {
	case StatusOpen, StatusClaimed, StatusValidating:
		return !b.Deadline.IsZero() && now.After(b.Deadline)
	}
	return false
}

// Claimable reports whether a claim attempt can succeed right now.
// An EXPIRED bounty is re-claimable once its deadline is pushed or the
// expiry is observed and the bounty re-opened.
func (b *Bounty) Claimable(now time.Time) bool {
	return b.Status == StatusOpen && !b.ExpiredAt(now)
}

// Validate checks the declaration before storage.
func (b *Bounty) Validate() error {
	if b.TaskID == "" {
		return fmt.Errorf("task id is required")
	}
	switch b.Type {
	case TypeDiscoverFactor, TypeOptimizeStrategy, TypeValidateStrategy,
		TypeMigrateStrategy, TypeConstructPortfolio:
	default:
		return fmt.Errorf("bounty %s has unknown type %q", b.TaskID, b.Type)
	}
	if b.Reward.Base.IsNegative() {
		return fmt.Errorf("bounty %s has negative base reward", b.TaskID)
	}
	if b.Deadline.IsZero() {
		return fmt.Errorf("bounty %s has no deadline", b.TaskID)
	}
	return nil
}
