package main

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/pflag"

	"github.com/sawpanic/genepool/internal/agent"
	"github.com/sawpanic/genepool/internal/validation"
)

const version = "v0.3.0"

func main() {
	zerolog.TimeFieldFormat = time.RFC3339
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen})

	var (
		agentID      = pflag.String("agent-id", "", "Agent identity (default: generated)")
		apiBase      = pflag.String("api-base", "http://127.0.0.1:8090", "Hub base URL")
		role         = pflag.String("role", "miner", "Agent role: miner, optimizer, or validator")
		evaluatorURL = pflag.String("evaluator-url", "", "Local backtest service URL")
		pollInterval = pflag.Duration("poll-interval", 10*time.Second, "How often to poll for open bounties")
		rps          = pflag.Float64("rps", 5, "Outbound request rate limit")
		once         = pflag.Bool("once", false, "Do one poll pass and exit")
		showVersion  = pflag.Bool("version", false, "Print version and exit")
	)
	pflag.Parse()

	if *showVersion {
		fmt.Println("genepool-agent", version)
		return
	}

	if *agentID == "" {
		*agentID = "agent_" + uuid.New().String()[:8]
	}
	if *evaluatorURL == "" {
		log.Fatal().Msg("--evaluator-url is required: agents score their work locally before submitting")
	}

	evaluator := validation.NewRemoteEvaluator(*evaluatorURL, 60*time.Second)
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))

	var worker agent.Worker
	switch agent.Role(*role) {
	case agent.RoleMiner:
		worker = &agent.MinerWorker{Evaluator: evaluator, Rng: rng}
	case agent.RoleOptimizer:
		worker = &agent.OptimizerWorker{Evaluator: evaluator, Rng: rng}
	case agent.RoleValidator:
		worker = &agent.ValidatorWorker{Evaluator: evaluator}
	default:
		log.Fatal().Str("role", *role).Msg("unknown role")
	}

	a := agent.New(agent.Config{
		ID:           *agentID,
		Role:         agent.Role(*role),
		PollInterval: *pollInterval,
		Once:         *once,
	}, agent.NewClient(*apiBase, *rps), worker)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	log.Info().Str("agent", *agentID).Str("role", *role).Str("hub", *apiBase).Msg("agent starting")
	if err := a.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatal().Err(err).Msg("agent stopped")
	}
}
