package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/sawpanic/genepool/internal/config"
)

var evolveJSON bool

var evolveCmd = &cobra.Command{
	Use:   "evolve",
	Short: "Run one culling cycle immediately",
	Long: `Run a single governor cycle against the configured store and exit:
re-validate the population, cull under-performers, breed offspring, and
enforce carrying capacity. Useful for cron-less setups and debugging.`,
	RunE: runEvolve,
}

func init() {
	rootCmd.AddCommand(evolveCmd)
	evolveCmd.Flags().BoolVar(&evolveJSON, "json", false, "Print the cycle report as JSON")
}

func runEvolve(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	setLogLevel(cfg.LogLevel)

	h, _, cleanup, err := buildHub(cfg)
	if err != nil {
		return err
	}
	defer cleanup()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Minute)
	defer cancel()

	report, err := h.RunCycle(ctx)
	if err != nil {
		return err
	}

	if evolveJSON {
		return json.NewEncoder(os.Stdout).Encode(report)
	}
	fmt.Printf("cycle complete: evaluated=%d culled=%d capacity_culled=%d survivors=%d offspring=%d discarded=%d extinction=%v duration=%s\n",
		report.Evaluated, report.Culled, report.CapacityCulled, report.Survivors,
		report.Offspring, report.Discarded, report.Extinction, report.Duration.Round(time.Millisecond))
	return nil
}
