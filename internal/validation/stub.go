package validation

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sawpanic/genepool/internal/domain/gene"
	domval "github.com/sawpanic/genepool/internal/domain/validation"
)

// StubEvaluator is the deterministic test double for the backtest
// collaborator. Results are keyed "geneID|market" with a per-market
// fallback keyed "|market"; segments can be scripted the same way with a
// "|market|segment" suffix.
type StubEvaluator struct {
	mu      sync.Mutex
	Results map[string]domval.BacktestResult
	Errors  map[string]error
	Delay   time.Duration
	calls   int
}

// NewStubEvaluator returns an empty stub; script it via SetResult.
func NewStubEvaluator() *StubEvaluator {
	return &StubEvaluator{
		Results: make(map[string]domval.BacktestResult),
		Errors:  make(map[string]error),
	}
}

// SetResult scripts the outcome for a gene on a market. Empty geneID sets
// the market-wide fallback.
func (s *StubEvaluator) SetResult(geneID, market string, r domval.BacktestResult) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Results[geneID+"|"+market] = r
}

// SetError scripts a failure for a gene on a market.
func (s *StubEvaluator) SetError(geneID, market string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Errors[geneID+"|"+market] = err
}

// SetSegment scripts one walk-forward segment outcome.
func (s *StubEvaluator) SetSegment(geneID, market string, segment int, r domval.BacktestResult) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Results[fmt.Sprintf("%s|%s|%d", geneID, market, segment)] = r
}

// Calls reports how many times the collaborator was invoked.
func (s *StubEvaluator) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func (s *StubEvaluator) Score(ctx context.Context, g gene.Gene, market string) (domval.BacktestResult, error) {
	if s.Delay > 0 {
		select {
		case <-time.After(s.Delay):
		case <-ctx.Done():
			return domval.BacktestResult{}, ctx.Err()
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++

	if err, ok := s.Errors[g.ID+"|"+market]; ok {
		return domval.BacktestResult{}, err
	}
	if r, ok := s.Results[g.ID+"|"+market]; ok {
		return r, nil
	}
	if r, ok := s.Results["|"+market]; ok {
		return r, nil
	}
	return domval.BacktestResult{}, fmt.Errorf("no scripted result for gene %s on %s", g.ID, market)
}

func (s *StubEvaluator) ScoreSegment(ctx context.Context, g gene.Gene, market string, segment, segments int) (domval.BacktestResult, error) {
	s.mu.Lock()
	key := fmt.Sprintf("%s|%s|%d", g.ID, market, segment)
	r, ok := s.Results[key]
	s.calls++
	s.mu.Unlock()

	if ok {
		return r, nil
	}
	// Fall back to the full-window result so tests only script segments
	// they care about.
	return s.Score(ctx, g, market)
}
