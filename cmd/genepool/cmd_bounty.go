package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"github.com/sawpanic/genepool/internal/config"
	"github.com/sawpanic/genepool/internal/domain/bounty"
	domval "github.com/sawpanic/genepool/internal/domain/validation"
	"github.com/sawpanic/genepool/internal/persistence"
)

var bountyCmd = &cobra.Command{
	Use:   "bounty",
	Short: "Administer the bounty marketplace",
}

var (
	publishType     string
	publishSymbol   string
	publishBase     float64
	publishBonus    float64
	publishSharpe   float64
	publishDeadline time.Duration
)

var bountyPublishCmd = &cobra.Command{
	Use:   "publish",
	Short: "Publish a new bounty",
	RunE:  runBountyPublish,
}

var (
	listStatus string
	listJSON   bool
)

var bountyListCmd = &cobra.Command{
	Use:   "list",
	Short: "List bounties",
	RunE:  runBountyList,
}

var bountyCancelCmd = &cobra.Command{
	Use:   "cancel <task-id>",
	Short: "Cancel a bounty",
	Args:  cobra.ExactArgs(1),
	RunE:  runBountyCancel,
}

func init() {
	rootCmd.AddCommand(bountyCmd)
	bountyCmd.AddCommand(bountyPublishCmd, bountyListCmd, bountyCancelCmd)

	bountyPublishCmd.Flags().StringVar(&publishType, "type", string(bounty.TypeDiscoverFactor), "Bounty type")
	bountyPublishCmd.Flags().StringVar(&publishSymbol, "symbol", "BTC-USD", "Target symbol")
	bountyPublishCmd.Flags().Float64Var(&publishBase, "base", 100, "Base reward")
	bountyPublishCmd.Flags().Float64Var(&publishBonus, "bonus", 0, "Flat bonus on completion")
	bountyPublishCmd.Flags().Float64Var(&publishSharpe, "min-sharpe", 1.0, "Minimum Sharpe to pass")
	bountyPublishCmd.Flags().DurationVar(&publishDeadline, "deadline", 48*time.Hour, "Time until the bounty expires")

	bountyListCmd.Flags().StringVar(&listStatus, "status", "", "Filter by status (OPEN, CLAIMED, ...)")
	bountyListCmd.Flags().BoolVar(&listJSON, "json", false, "Output as JSON")
}

func runBountyPublish(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	h, _, cleanup, err := buildHub(cfg)
	if err != nil {
		return err
	}
	defer cleanup()

	b, err := h.Market.Publish(context.Background(), bounty.Bounty{
		Type:         bounty.Type(publishType),
		Requirements: bounty.Requirements{Symbol: publishSymbol},
		Criteria: domval.Criteria{
			MinSharpe:       publishSharpe,
			MinWinRate:      0.5,
			MaxDrawdown:     -0.3,
			MinTrades:       10,
			MinProfitFactor: 1.2,
		},
		Reward: bounty.RewardSchedule{
			Base:  decimal.NewFromFloat(publishBase),
			Bonus: decimal.NewFromFloat(publishBonus),
		},
		Deadline: time.Now().UTC().Add(publishDeadline),
	})
	if err != nil {
		return err
	}

	fmt.Printf("published %s (%s) reward base %s, deadline %s\n",
		b.TaskID, b.Type, b.Reward.Base.String(), b.Deadline.Format(time.RFC3339))
	return nil
}

func runBountyList(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	h, _, cleanup, err := buildHub(cfg)
	if err != nil {
		return err
	}
	defer cleanup()

	bounties, err := h.Market.List(context.Background(), persistence.BountyFilter{
		Status: bounty.Status(listStatus),
	})
	if err != nil {
		return err
	}

	if listJSON {
		return json.NewEncoder(os.Stdout).Encode(bounties)
	}
	for _, b := range bounties {
		claimed := "-"
		if b.ClaimedBy != "" {
			claimed = b.ClaimedBy
		}
		fmt.Printf("%-42s %-20s %-10s claimed_by=%-12s deadline=%s\n",
			b.TaskID, b.Type, b.Status, claimed, b.Deadline.Format(time.RFC3339))
	}
	return nil
}

func runBountyCancel(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	h, _, cleanup, err := buildHub(cfg)
	if err != nil {
		return err
	}
	defer cleanup()

	if err := h.Market.Cancel(context.Background(), args[0]); err != nil {
		return err
	}
	fmt.Printf("cancelled %s\n", args[0])
	return nil
}
