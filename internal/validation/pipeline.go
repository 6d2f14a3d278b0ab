// Package validation runs genes through the external backtest collaborator
// and classifies the outcomes. The backtest itself is a black box behind
// the Evaluator interface; this package owns timeouts, the circuit
// breaker, tiering, walk-forward robustness, and the multi-market pass
// rule.
package validation

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/sony/gobreaker"

	"github.com/sawpanic/genepool/internal/domain/gene"
	domval "github.com/sawpanic/genepool/internal/domain/validation"
)

// Evaluator is the external backtest collaborator: it turns a gene's
// formula into a tradeable signal and scores it on one market. Production
// wires a real engine; tests wire a deterministic stub. Inline randomness
// standing in for analysis is not an implementation of this interface.
type Evaluator interface {
	Score(ctx context.Context, g gene.Gene, market string) (domval.BacktestResult, error)
}

// Segmenter optionally exposes walk-forward scoring: the historical window
// split into contiguous segments, each scored independently.
type Segmenter interface {
	ScoreSegment(ctx context.Context, g gene.Gene, market string, segment, segments int) (domval.BacktestResult, error)
}

// Config tunes the pipeline.
type Config struct {
	// Markets is the default target set when a caller passes none.
	Markets []string `yaml:"markets"`

	// MinMarketsPassed is how many distinct markets a gene must pass to be
	// validated. Guards against single-market overfitting.
	MinMarketsPassed int `yaml:"min_markets_passed"`

	// WalkForwardSegments > 1 enables walk-forward robustness scoring.
	WalkForwardSegments int `yaml:"walk_forward_segments"`

	// EvaluateTimeout bounds each collaborator call.
	EvaluateTimeout time.Duration `yaml:"evaluate_timeout"`
}

func (c *Config) defaults() {
	if len(c.Markets) == 0 {
		c.Markets = []string{"BTC-USD"}
	}
	if c.MinMarketsPassed <= 0 {
		c.MinMarketsPassed = 1
	}
	if c.EvaluateTimeout <= 0 {
		c.EvaluateTimeout = 30 * time.Second
	}
}

// MarketResult is one market's outcome inside a report.
type MarketResult struct {
	Market string                `json:"market"`
	Result domval.BacktestResult `json:"result"`
	Passed bool                  `json:"passed"`
	Error  string                `json:"error,omitempty"`
}

// Report is the persisted outcome of validating one gene.
type Report struct {
	GeneID        string                `json:"gene_id"`
	PerMarket     []MarketResult        `json:"per_market"`
	MarketsPassed int                   `json:"markets_passed"`
	Tier          domval.Tier           `json:"tier"`
	Robustness    float64               `json:"robustness"`
	Passed        bool                  `json:"passed"`
	Aggregate     domval.BacktestResult `json:"aggregate"`
	GeneratedAt   time.Time             `json:"generated_at"`
}

// Pipeline scores genes against markets through a circuit-broken
// evaluator.
type Pipeline struct {
	cfg       Config
	evaluator Evaluator
	breaker   *gobreaker.CircuitBreaker
}

// NewPipeline wraps the evaluator in a circuit breaker so a dead backtest
// collaborator fails fast instead of stalling every cycle.
func NewPipeline(cfg Config, evaluator Evaluator) *Pipeline {
	cfg.defaults()

	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "backtest_evaluator",
		MaxRequests: 3,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
	})

	return &Pipeline{cfg: cfg, evaluator: evaluator, breaker: breaker}
}

// Run validates one gene against the target markets. A collaborator error
// or timeout on a market is a failed result for that market, never a pass
// and never an abort.
func (p *Pipeline) Run(ctx context.Context, g gene.Gene, criteria domval.Criteria, markets []string) (Report, error) {
	if len(markets) == 0 {
		markets = p.cfg.Markets
	}

	report := Report{GeneID: g.ID, GeneratedAt: time.Now().UTC()}
	var passedResults []domval.BacktestResult

	for _, market := range markets {
		result, err := p.scoreMarket(ctx, g, market)
		mr := MarketResult{Market: market, Result: result}
		if err != nil {
			mr.Passed = false
			mr.Error = err.Error()
			log.Warn().Err(err).Str("gene", g.ID).Str("market", market).
				Msg("evaluation failed, recording as failed result")
		} else {
			mr.Passed = criteria.Check(result)
		}

		if mr.Passed {
			report.MarketsPassed++
			passedResults = append(passedResults, result)
		}
		report.PerMarket = append(report.PerMarket, mr)
	}

	if len(passedResults) > 0 {
		agg, err := domval.Merge(passedResults)
		if err != nil {
			return Report{}, fmt.Errorf("failed to aggregate results: %w", err)
		}
		report.Aggregate = agg
		report.Tier = domval.ClassifyTier(agg)
	}

	report.Passed = report.MarketsPassed >= p.cfg.MinMarketsPassed && report.Tier != domval.TierFailed

	if report.Passed && p.cfg.WalkForwardSegments > 1 {
		robustness, ok := p.walkForward(ctx, g, criteria, markets[0])
		report.Robustness = robustness
		if !ok {
			// A gene that performs in only one segment must not pass.
			report.Passed = false
		}
	}

	return report, nil
}

// scoreMarket is one circuit-broken, timeout-bounded collaborator call.
func (p *Pipeline) scoreMarket(ctx context.Context, g gene.Gene, market string) (domval.BacktestResult, error) {
	out, err := p.breaker.Execute(func() (interface{}, error) {
		callCtx, cancel := context.WithTimeout(ctx, p.cfg.EvaluateTimeout)
		defer cancel()
		return p.evaluator.Score(callCtx, g, market)
	})
	if err != nil {
		return domval.BacktestResult{}, err
	}
	return out.(domval.BacktestResult), nil
}

// walkForward scores each contiguous history segment independently and
// takes the minimum segment Sharpe as the robustness score. The gene
// stays passed only if its worst segment still clears the Sharpe floor.
func (p *Pipeline) walkForward(ctx context.Context, g gene.Gene, criteria domval.Criteria, market string) (float64, bool) {
	if _, ok := p.evaluator.(Segmenter); !ok {
		return 0, true
	}

	segments := p.cfg.WalkForwardSegments
	worst := 0.0
	for i := 0; i < segments; i++ {
		result, err := p.scoreSegment(ctx, g, market, i, segments)
		if err != nil {
			log.Warn().Err(err).Str("gene", g.ID).Int("segment", i).
				Msg("walk-forward segment failed, treating as zero")
			return 0, false
		}
		if i == 0 || result.Sharpe < worst {
			worst = result.Sharpe
		}
	}
	return worst, worst >= criteria.MinSharpe
}

func (p *Pipeline) scoreSegment(ctx context.Context, g gene.Gene, market string, segment, segments int) (domval.BacktestResult, error) {
	segmenter := p.evaluator.(Segmenter)
	out, err := p.breaker.Execute(func() (interface{}, error) {
		callCtx, cancel := context.WithTimeout(ctx, p.cfg.EvaluateTimeout)
		defer cancel()
		return segmenter.ScoreSegment(callCtx, g, market, segment, segments)
	})
	if err != nil {
		return domval.BacktestResult{}, err
	}
	return out.(domval.BacktestResult), nil
}
