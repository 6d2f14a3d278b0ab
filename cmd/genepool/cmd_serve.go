package main

import (
	"context"
	"fmt"
	"math/rand"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/sawpanic/genepool/internal/config"
	"github.com/sawpanic/genepool/internal/data/cache"
	"github.com/sawpanic/genepool/internal/governor"
	"github.com/sawpanic/genepool/internal/hub"
	"github.com/sawpanic/genepool/internal/infrastructure/db"
	httpiface "github.com/sawpanic/genepool/internal/interfaces/http"
	"github.com/sawpanic/genepool/internal/market"
	"github.com/sawpanic/genepool/internal/persistence/memory"
	"github.com/sawpanic/genepool/internal/scheduler"
	"github.com/sawpanic/genepool/internal/validation"
)

var serveDev bool

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the coordination hub",
	Long: `Start the hub: HTTP API, bounty marketplace, validation pipeline,
and the scheduled culling cycle. With --dev everything runs in-process
on the in-memory store, no Postgres or Redis required.`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().BoolVar(&serveDev, "dev", false, "Run on in-memory storage without external services")
}

func buildHub(cfg *config.Config) (*hub.Hub, cache.Reader, func(), error) {
	cleanup := func() {}

	store := memory.NewStore()
	if cfg.Database.Enabled && !serveDev {
		manager, err := db.NewManager(cfg.Database)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("failed to connect database: %w", err)
		}
		store = manager.Store()
		cleanup = func() { manager.Close() }
	}

	var reader cache.Reader
	var liveness cache.Liveness = cache.NewMemoryLiveness(2 * time.Minute)
	if cfg.Redis.Enabled && !serveDev {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr, DB: cfg.Redis.DB})
		if err := rdb.Ping(context.Background()).Err(); err != nil {
			cleanup()
			return nil, nil, nil, fmt.Errorf("failed to ping redis: %w", err)
		}
		reader = cache.NewRedisCache(rdb, cfg.Redis.Prefix)
		liveness = cache.NewRedisLiveness(rdb, cfg.Redis.Prefix, 2*time.Minute)
		prev := cleanup
		cleanup = func() { rdb.Close(); prev() }
	}

	if cfg.Evaluator.URL == "" && !serveDev {
		cleanup()
		return nil, nil, nil, fmt.Errorf("evaluator.url is required outside --dev mode")
	}

	var evaluator validation.Evaluator
	if cfg.Evaluator.URL != "" {
		evaluator = validation.NewRemoteEvaluator(cfg.Evaluator.URL, cfg.Evaluator.Timeout)
	} else {
		log.Warn().Msg("dev mode without an evaluator: validations will fail closed")
		evaluator = validation.NewStubEvaluator()
	}

	pipeline := validation.NewPipeline(cfg.Pipeline, evaluator)
	gov := governor.New(cfg.Governor, store, pipeline, evaluator,
		rand.New(rand.NewSource(time.Now().UnixNano())))
	mkt := market.New(store.Bounties, nil)

	return hub.New(store, mkt, pipeline, gov, liveness), reader, cleanup, nil
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	setLogLevel(cfg.LogLevel)

	h, reader, cleanup, err := buildHub(cfg)
	if err != nil {
		return err
	}
	defer cleanup()

	sched := scheduler.New(h, h.Store.Schedules, cfg.Schedule.CycleSpec)
	if err := sched.Start(); err != nil {
		return fmt.Errorf("failed to start cycle scheduler: %w", err)
	}
	defer sched.Stop()

	server := httpiface.NewServer(cfg.Server, h, reader, version)
	h.Governor.InstrumentMetrics(server.Metrics().CullsTotal, server.Metrics().CycleDuration)

	errCh := make(chan error, 1)
	go func() { errCh <- server.Start() }()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case sig := <-sigCh:
		log.Info().Str("signal", sig.String()).Msg("shutting down")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}
