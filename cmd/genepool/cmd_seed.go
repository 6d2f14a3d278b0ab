package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/sawpanic/genepool/internal/config"
	"github.com/sawpanic/genepool/internal/evo"
	"github.com/sawpanic/genepool/internal/persistence"
)

var seedCmd = &cobra.Command{
	Use:   "seed",
	Short: "Plant the diversity seed library into the store",
	Long: `Insert the fixed library of generation-0 seed genes, one or two per
indicator family. Formulas already present in the population are skipped.`,
	RunE: runSeed,
}

func init() {
	rootCmd.AddCommand(seedCmd)
}

func runSeed(cmd *cobra.Command, args []string) error {
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

	planted, skipped := 0, 0
	for _, seed := range evo.SeedLibrary("operator") {
		err := h.Store.Genes.Insert(context.Background(), seed)
		if errors.Is(err, persistence.ErrDuplicateFormula) {
			skipped++
			continue
		}
		if err != nil {
			return err
		}
		planted++
	}

	fmt.Printf("planted %d seed genes (%d already present)\n", planted, skipped)
	return nil
}
