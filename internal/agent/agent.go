package agent

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/sawpanic/genepool/internal/domain/bounty"
	domval "github.com/sawpanic/genepool/internal/domain/validation"
)

// Worker does the actual evolutionary work for one claimed bounty and
// returns the gene it is submitting plus the measured performance.
type Worker interface {
	Work(ctx context.Context, c *Client, b bounty.Bounty) (geneID string, perf domval.BacktestResult, err error)
}

// Role names what kind of work an agent volunteers for.
type Role string

const (
	RoleMiner     Role = "miner"
	RoleOptimizer Role = "optimizer"
	RoleValidator Role = "validator"
)

// bountyTypesFor maps a role to the bounty types it polls.
func bountyTypesFor(role Role) []bounty.Type {
	switch role {
	case RoleMiner:
		return []bounty.Type{bounty.TypeDiscoverFactor}
	case RoleOptimizer:
		return []bounty.Type{bounty.TypeOptimizeStrategy, bounty.TypeMigrateStrategy}
	case RoleValidator:
		return []bounty.Type{bounty.TypeValidateStrategy, bounty.TypeConstructPortfolio}
	}
	return nil
}

// Config tunes one agent process.
type Config struct {
	ID                string        `yaml:"id"`
	Role              Role          `yaml:"role"`
	PollInterval      time.Duration `yaml:"poll_interval"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	Once              bool          `yaml:"once"`
}

func (c *Config) defaults() {
	if c.PollInterval <= 0 {
		c.PollInterval = 10 * time.Second
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = time.Minute
	}
	if c.Role == "" {
		c.Role = RoleMiner
	}
}

// Agent is one polling worker process.
type Agent struct {
	cfg    Config
	client *Client
	worker Worker
}

// New assembles an agent around a hub client and a role-appropriate
// worker.
func New(cfg Config, client *Client, worker Worker) *Agent {
	cfg.defaults()
	return &Agent{cfg: cfg, client: client, worker: worker}
}

// Run greets the hub, keeps the heartbeat alive, and polls for work until
// the context is cancelled. In Once mode it does a single poll pass and
// returns.
func (a *Agent) Run(ctx context.Context) error {
	if err := a.client.Hello(ctx, a.cfg.ID, string(a.cfg.Role), nil); err != nil {
		return err
	}
	log.Info().Str("agent", a.cfg.ID).Str("role", string(a.cfg.Role)).Msg("registered with hub")

	if a.cfg.Once {
		a.poll(ctx)
		return nil
	}

	heartbeat := time.NewTicker(a.cfg.HeartbeatInterval)
	defer heartbeat.Stop()
	poll := time.NewTicker(a.cfg.PollInterval)
	defer poll.Stop()

	backoff := time.Second
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-heartbeat.C:
			if err := a.client.Heartbeat(ctx, a.cfg.ID); err != nil {
				log.Warn().Err(err).Msg("heartbeat failed")
			}
		case <-poll.C:
			if err := a.poll(ctx); err != nil {
				log.Warn().Err(err).Dur("backoff", backoff).Msg("poll failed, backing off")
				select {
				case <-time.After(backoff):
				case <-ctx.Done():
					return ctx.Err()
				}
				if backoff < 2*time.Minute {
					backoff *= 2
				}
				continue
			}
			backoff = time.Second
		}
	}
}

// poll claims and works at most one bounty. Losing a claim race is
// normal operation, not an error.
func (a *Agent) poll(ctx context.Context) error {
	for _, typ := range bountyTypesFor(a.cfg.Role) {
		open, err := a.client.OpenBounties(ctx, typ)
		if err != nil {
			return err
		}

		for _, b := range open {
			claimed, err := a.client.Claim(ctx, b.TaskID, a.cfg.ID)
			if IsConflict(err) || IsGone(err) {
				continue
			}
			if err != nil {
				return err
			}

			a.workClaim(ctx, claimed)
			return nil
		}
	}
	return nil
}

func (a *Agent) workClaim(ctx context.Context, b bounty.Bounty) {
	geneID, perf, err := a.worker.Work(ctx, a.client, b)
	if err != nil {
		log.Warn().Err(err).Str("task", b.TaskID).Msg("work failed, releasing claim")
		if relErr := a.client.Release(ctx, b.TaskID, a.cfg.ID); relErr != nil {
			log.Warn().Err(relErr).Str("task", b.TaskID).Msg("release failed")
		}
		return
	}

	sub, err := a.client.Submit(ctx, b.TaskID, a.cfg.ID, geneID, perf)
	if err != nil {
		log.Warn().Err(err).Str("task", b.TaskID).Msg("submission rejected")
		return
	}
	if sub.Passed {
		log.Info().Str("task", b.TaskID).Str("gene", geneID).
			Str("reward", sub.Reward.String()).Msg("bounty completed")
	} else {
		log.Info().Str("task", b.TaskID).Str("gene", geneID).Msg("submission below criteria, retrying later")
	}
}
