package main

import (
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

const (
	appName = "genepool"
	version = "v0.3.0"
)

var (
	configPath string
	rootCmd    = &cobra.Command{
		Use:     appName,
		Short:   "Gene population coordination hub",
		Version: version,
		Long: `genepool runs the coordination hub for an evolving population of
trading strategy genes: the gene repository, the bounty marketplace,
validation, and the periodic culling cycle. Agents connect over HTTP
and do the actual mining, optimizing, and validating.`,
	}
)

func main() {
	zerolog.TimeFieldFormat = time.RFC3339
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen})

	rootCmd.PersistentFlags().StringVar(&configPath, "config", "config/hub.yaml", "Path to hub configuration file")

	if err := rootCmd.Execute(); err != nil {
		log.Error().Err(err).Msg("command failed")
		os.Exit(1)
	}
}

func setLogLevel(level string) {
	parsed, err := zerolog.ParseLevel(level)
	if err != nil {
		parsed = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(parsed)
}
