// Package validation holds the backtest-result contract and the threshold
// machinery that classifies genes into quality tiers. The numeric backtest
// itself is an external collaborator; this package only consumes its output.
package validation

import "fmt"

// BacktestResult is the performance contract returned by the external
// backtest collaborator for one (gene, market) pair. MaxDrawdown is signed:
// more negative is worse.
type BacktestResult struct {
	Sharpe       float64 `json:"sharpe"`
	MaxDrawdown  float64 `json:"max_drawdown"`
	WinRate      float64 `json:"win_rate"`
	AnnualReturn float64 `json:"annual_return"`
	Trades       int     `json:"trades"`
	ProfitFactor float64 `json:"profit_factor"`
}

// Criteria is a conjunction of pass thresholds. MaxDrawdown is a floor on
// the signed drawdown: a result passes when its drawdown is no deeper.
type Criteria struct {
	MinSharpe       float64 `json:"min_sharpe" yaml:"min_sharpe"`
	MinWinRate      float64 `json:"min_win_rate" yaml:"min_win_rate"`
	MaxDrawdown     float64 `json:"max_drawdown" yaml:"max_drawdown"`
	MinTrades       int     `json:"min_trades" yaml:"min_trades"`
	MinProfitFactor float64 `json:"min_profit_factor" yaml:"min_profit_factor"`
}

// Check is a pure conjunction of threshold comparisons.
func (c Criteria) Check(r BacktestResult) bool {
	return r.Sharpe >= c.MinSharpe &&
		r.WinRate >= c.MinWinRate &&
		r.MaxDrawdown >= c.MaxDrawdown &&
		r.Trades >= c.MinTrades &&
		r.ProfitFactor >= c.MinProfitFactor
}

// Tier is a discrete quality bucket. TierFailed marks a gene below every
// retention tier.
type Tier int

const (
	TierFailed Tier = 0
	Tier1      Tier = 1
	Tier2      Tier = 2
	Tier3      Tier = 3
)

func (t Tier) String() string {
	switch t {
	case Tier1:
		return "tier1"
	case Tier2:
		return "tier2"
	case Tier3:
		return "tier3"
	default:
		return "failed"
	}
}

// tierRule pairs a tier with its entry thresholds. Rules are checked in
// order, strictest first.
type tierRule struct {
	tier         Tier
	minSharpe    float64
	minDrawdown  float64
	minWinRate   float64
	minAnnualRet float64
}

var tierRules = []tierRule{
	{Tier1, 1.2, -0.15, 0.55, 0.15},
	{Tier2, 0.8, -0.25, 0.50, 0.08},
	{Tier3, 0.5, -0.35, 0.45, 0.0},
}

// ClassifyTier maps a result onto the ordered tier ladder.
func ClassifyTier(r BacktestResult) Tier {
	for _, rule := range tierRules {
		if r.Sharpe >= rule.minSharpe &&
			r.MaxDrawdown >= rule.minDrawdown &&
			r.WinRate >= rule.minWinRate &&
			r.AnnualReturn >= rule.minAnnualRet {
			return rule.tier
		}
	}
	return TierFailed
}

// RewardTier is the bounty payout bucket chosen from Sharpe alone.
type RewardTier string

const (
	RewardGold   RewardTier = "gold"
	RewardSilver RewardTier = "silver"
	RewardBronze RewardTier = "bronze"
)

// ClassifyRewardTier picks the payout bucket: sharpe >= 2.0 is gold,
// >= 1.5 silver, everything else bronze.
func ClassifyRewardTier(sharpe float64) RewardTier {
	switch {
	case sharpe >= 2.0:
		return RewardGold
	case sharpe >= 1.5:
		return RewardSilver
	default:
		return RewardBronze
	}
}

// Merge averages per-market results into one aggregate. Trades are summed;
// everything else is a mean.
func Merge(results []BacktestResult) (BacktestResult, error) {
	if len(results) == 0 {
		return BacktestResult{}, fmt.Errorf("no results to merge")
	}

	var agg BacktestResult
	for _, r := range results {
		agg.Sharpe += r.Sharpe
		agg.MaxDrawdown += r.MaxDrawdown
		agg.WinRate += r.WinRate
		agg.AnnualReturn += r.AnnualReturn
		agg.ProfitFactor += r.ProfitFactor
		agg.Trades += r.Trades
	}

	n := float64(len(results))
	agg.Sharpe /= n
	agg.MaxDrawdown /= n
	agg.WinRate /= n
	agg.AnnualReturn /= n
	agg.ProfitFactor /= n
	return agg, nil
}
