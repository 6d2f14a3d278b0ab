package validation

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/sawpanic/genepool/internal/domain/gene"
	domval "github.com/sawpanic/genepool/internal/domain/validation"
)

// RemoteEvaluator scores genes through an external backtest service. One
// POST per evaluation; the service owns the market data and the signal
// engine.
type RemoteEvaluator struct {
	url    string
	client *http.Client
}

// NewRemoteEvaluator points at a backtest service base URL, e.g.
// "http://127.0.0.1:9100".
func NewRemoteEvaluator(url string, timeout time.Duration) *RemoteEvaluator {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &RemoteEvaluator{
		url:    url,
		client: &http.Client{Timeout: timeout},
	}
}

type backtestRequest struct {
	Formula    string             `json:"formula"`
	Parameters map[string]float64 `json:"parameters,omitempty"`
	Market     string             `json:"market"`
	Segment    *segmentSpec       `json:"segment,omitempty"`
}

type segmentSpec struct {
	Index int `json:"index"`
	Of    int `json:"of"`
}

func (e *RemoteEvaluator) Score(ctx context.Context, g gene.Gene, market string) (domval.BacktestResult, error) {
	return e.post(ctx, backtestRequest{
		Formula:    g.Formula,
		Parameters: g.Parameters,
		Market:     market,
	})
}

func (e *RemoteEvaluator) ScoreSegment(ctx context.Context, g gene.Gene, market string, segment, segments int) (domval.BacktestResult, error) {
	return e.post(ctx, backtestRequest{
		Formula:    g.Formula,
		Parameters: g.Parameters,
		Market:     market,
		Segment:    &segmentSpec{Index: segment, Of: segments},
	})
}

func (e *RemoteEvaluator) post(ctx context.Context, req backtestRequest) (domval.BacktestResult, error) {
	raw, err := json.Marshal(req)
	if err != nil {
		return domval.BacktestResult{}, fmt.Errorf("failed to encode backtest request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, e.url+"/backtest", bytes.NewReader(raw))
	if err != nil {
		return domval.BacktestResult{}, fmt.Errorf("failed to build backtest request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(httpReq)
	if err != nil {
		return domval.BacktestResult{}, fmt.Errorf("backtest service unreachable: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return domval.BacktestResult{}, fmt.Errorf("backtest service returned %d: %s", resp.StatusCode, body)
	}

	var result domval.BacktestResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return domval.BacktestResult{}, fmt.Errorf("failed to decode backtest result: %w", err)
	}
	return result, nil
}
