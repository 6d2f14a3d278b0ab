// Package market is the bounty marketplace service: publishing, exclusive
// claiming, submission settlement, and deadline recovery, all on top of the
// persistence layer's atomic claim.
package market

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/sawpanic/genepool/internal/domain/bounty"
	domval "github.com/sawpanic/genepool/internal/domain/validation"
	"github.com/sawpanic/genepool/internal/persistence"
)

// Clock lets tests pin the marketplace's notion of now.
type Clock func() time.Time

// DefaultClaimExtension is how far the deadline is pushed when an expired
// bounty is re-opened for a fresh claim.
const DefaultClaimExtension = 24 * time.Hour

// Service owns the bounty lifecycle. All expiry is lazy: deadlines are
// observed on reads and claims, never by a background sweeper.
type Service struct {
	bounties  persistence.BountyRepo
	now       Clock
	extension time.Duration
}

// New builds a marketplace over the given repo. A nil clock means wall time.
func New(bounties persistence.BountyRepo, clock Clock) *Service {
	if clock == nil {
		clock = func() time.Time { return time.Now().UTC() }
	}
	return &Service{bounties: bounties, now: clock, extension: DefaultClaimExtension}
}

// Publish validates and stores a new OPEN bounty. Missing reward
// multipliers fall back to the default tier schedule.
func (s *Service) Publish(ctx context.Context, b bounty.Bounty) (bounty.Bounty, error) {
	if b.TaskID == "" {
		b.TaskID = bounty.NewID()
	}
	if b.CreatedAt.IsZero() {
		b.CreatedAt = s.now()
	}
	b.Status = bounty.StatusOpen
	if b.Reward.TierBonus == nil {
		b.Reward.TierBonus = bounty.DefaultTierBonus()
	}
	if err := b.Validate(); err != nil {
		return bounty.Bounty{}, fmt.Errorf("failed to publish bounty: %w", err)
	}
	if err := s.bounties.Insert(ctx, b); err != nil {
		return bounty.Bounty{}, fmt.Errorf("failed to store bounty: %w", err)
	}
	log.Info().Str("task", b.TaskID).Str("type", string(b.Type)).Msg("bounty published")
	return b, nil
}

// Get returns one bounty, observing expiry on the way out.
func (s *Service) Get(ctx context.Context, taskID string) (bounty.Bounty, error) {
	b, err := s.bounties.Get(ctx, taskID)
	if err != nil {
		return bounty.Bounty{}, err
	}
	return s.observeExpiry(ctx, b), nil
}

// List returns bounties matching the filter, each with expiry observed.
// The status restriction is applied after observation, not in the repo
// query: an abandoned CLAIMED bounty past its deadline must still be read
// by an OPEN query, or it would never be re-opened.
func (s *Service) List(ctx context.Context, filter persistence.BountyFilter) ([]bounty.Bounty, error) {
	repoFilter := filter
	repoFilter.Status = ""
	repoFilter.Limit = 0

	all, err := s.bounties.List(ctx, repoFilter)
	if err != nil {
		return nil, err
	}
	out := make([]bounty.Bounty, 0, len(all))
	for _, b := range all {
		observed := s.observeExpiry(ctx, b)
		if filter.Status != "" && observed.Status != filter.Status {
			continue
		}
		out = append(out, observed)
		if filter.Limit > 0 && len(out) == filter.Limit {
			break
		}
	}
	return out, nil
}

// Claim gives the agent exclusive rights to work the bounty. Of two racing
// agents exactly one wins; the loser gets ErrClaimConflict. A bounty past
// its deadline is expired here instead of claimed.
func (s *Service) Claim(ctx context.Context, taskID, agentID string) (bounty.Bounty, error) {
	now := s.now()

	b, err := s.bounties.Get(ctx, taskID)
	if err != nil {
		return bounty.Bounty{}, err
	}
	if b.ExpiredAt(now) {
		s.expireAndReopen(ctx, b)
		return bounty.Bounty{}, persistence.ErrBountyExpired
	}

	if err := s.bounties.Claim(ctx, taskID, agentID, now); err != nil {
		return bounty.Bounty{}, err
	}
	log.Info().Str("task", taskID).Str("agent", agentID).Msg("bounty claimed")
	return s.bounties.Get(ctx, taskID)
}

// Submit settles one attempt against a claimed bounty. Only the claim
// holder may submit. A passing submission completes the bounty and pays
// the computed reward; a failing one is recorded and the claim stays so
// the agent can retry until the deadline.
func (s *Service) Submit(ctx context.Context, taskID, agentID, geneID string, perf domval.BacktestResult) (bounty.Submission, error) {
	now := s.now()

	b, err := s.bounties.Get(ctx, taskID)
	if err != nil {
		return bounty.Submission{}, err
	}
	if b.ExpiredAt(now) {
		s.expireAndReopen(ctx, b)
		return bounty.Submission{}, persistence.ErrBountyExpired
	}
	if b.Status != bounty.StatusClaimed && b.Status != bounty.StatusValidating {
		return bounty.Submission{}, persistence.ErrInvalidTransition
	}
	if b.ClaimedBy != agentID {
		return bounty.Submission{}, persistence.ErrNotClaimHolder
	}

	sub := bounty.Submission{
		ID:          "sub_" + uuid.New().String(),
		AgentID:     agentID,
		GeneID:      geneID,
		Performance: perf,
		SubmittedAt: now,
	}

	if b.Criteria.Check(perf) {
		reward, tier := b.Reward.ComputeReward(perf)
		sub.Passed = true
		sub.Reward = reward
		sub.RewardTier = tier
	} else {
		sub.Passed = false
		sub.Reward = decimal.Zero
		sub.Reason = "performance below bounty criteria"
	}

	if err := s.bounties.RecordSubmission(ctx, taskID, sub); err != nil {
		return bounty.Submission{}, fmt.Errorf("failed to record submission: %w", err)
	}

	if sub.Passed {
		if err := s.bounties.Complete(ctx, taskID); err != nil {
			return bounty.Submission{}, fmt.Errorf("failed to complete bounty: %w", err)
		}
		log.Info().Str("task", taskID).Str("agent", agentID).
			Str("reward", sub.Reward.String()).Str("tier", string(sub.RewardTier)).
			Msg("bounty completed")
	} else {
		log.Info().Str("task", taskID).Str("agent", agentID).Msg("submission rejected, claim retained")
	}
	return sub, nil
}

// Cancel is the administrative terminal transition.
func (s *Service) Cancel(ctx context.Context, taskID string) error {
	if err := s.bounties.Cancel(ctx, taskID); err != nil {
		return err
	}
	log.Info().Str("task", taskID).Msg("bounty cancelled")
	return nil
}

// Release hands a claimed bounty back to the pool without expiring it,
// for agents that give up on a task.
func (s *Service) Release(ctx context.Context, taskID, agentID string) error {
	b, err := s.bounties.Get(ctx, taskID)
	if err != nil {
		return err
	}
	if b.ClaimedBy != agentID {
		return persistence.ErrNotClaimHolder
	}
	return s.bounties.Release(ctx, taskID)
}

// observeExpiry applies lazy deadline expiry on read: past-deadline work
// is marked EXPIRED and immediately re-opened for claiming.
func (s *Service) observeExpiry(ctx context.Context, b bounty.Bounty) bounty.Bounty {
	if !b.ExpiredAt(s.now()) {
		return b
	}
	s.expireAndReopen(ctx, b)
	refreshed, err := s.bounties.Get(ctx, b.TaskID)
	if err != nil {
		return b
	}
	return refreshed
}

func (s *Service) expireAndReopen(ctx context.Context, b bounty.Bounty) {
	if err := s.bounties.MarkExpired(ctx, b.TaskID); err != nil {
		log.Warn().Err(err).Str("task", b.TaskID).Msg("failed to mark bounty expired")
		return
	}
	if err := s.bounties.Release(ctx, b.TaskID); err != nil {
		log.Warn().Err(err).Str("task", b.TaskID).Msg("failed to re-open expired bounty")
		return
	}
	// Without a fresh deadline the re-opened bounty would expire again on
	// the next read.
	if err := s.bounties.ExtendDeadline(ctx, b.TaskID, s.now().Add(s.extension)); err != nil {
		log.Warn().Err(err).Str("task", b.TaskID).Msg("failed to extend re-opened bounty deadline")
		return
	}
	log.Info().Str("task", b.TaskID).Str("was_claimed_by", b.ClaimedBy).Msg("bounty expired and re-opened")
}
