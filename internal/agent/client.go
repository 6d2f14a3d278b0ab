// Package agent implements the worker side of the coordination protocol:
// a polling loop that claims bounties from the hub, works them, and
// submits results. Agents are stateless; everything shared lives hub-side.
package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"golang.org/x/time/rate"

	"github.com/sawpanic/genepool/internal/domain/bounty"
	"github.com/sawpanic/genepool/internal/domain/gene"
	domval "github.com/sawpanic/genepool/internal/domain/validation"
	"github.com/sawpanic/genepool/internal/persistence"
)

// APIError carries the hub's HTTP status for branchy callers.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("hub returned %d: %s", e.Status, e.Message)
}

// IsConflict reports a lost claim race or an invalid transition.
func IsConflict(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Status == http.StatusConflict
}

// IsGone reports an expired bounty.
func IsGone(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Status == http.StatusGone
}

// Client is the typed hub API client. All calls share one rate limiter so
// a busy agent cannot hammer the hub.
type Client struct {
	base    string
	http    *http.Client
	limiter *rate.Limiter
}

// NewClient builds a client for the hub at base, e.g.
// "http://127.0.0.1:8090". rps bounds outbound request rate; zero means
// 10 requests per second.
func NewClient(base string, rps float64) *Client {
	if rps <= 0 {
		rps = 10
	}
	return &Client{
		base:    base,
		http:    &http.Client{Timeout: 30 * time.Second},
		limiter: rate.NewLimiter(rate.Limit(rps), int(rps)+1),
	}
}

func (c *Client) do(ctx context.Context, method, path string, body, dest interface{}) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}

	var payload io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		payload = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.base+path, payload)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("hub unreachable: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		var apiErr struct {
			Error string `json:"error"`
		}
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		_ = json.Unmarshal(raw, &apiErr)
		return &APIError{Status: resp.StatusCode, Message: apiErr.Error}
	}

	if dest == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(dest); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

func (c *Client) Hello(ctx context.Context, agentID, role string, capabilities []string) error {
	return c.do(ctx, http.MethodPost, "/a2a/hello", map[string]interface{}{
		"agent_id": agentID, "role": role, "capabilities": capabilities,
	}, nil)
}

func (c *Client) Heartbeat(ctx context.Context, agentID string) error {
	return c.do(ctx, http.MethodPost, "/a2a/heartbeat", map[string]string{"agent_id": agentID}, nil)
}

func (c *Client) OpenBounties(ctx context.Context, typ bounty.Type) ([]bounty.Bounty, error) {
	path := "/bounties?status=" + string(bounty.StatusOpen)
	if typ != "" {
		path += "&type=" + string(typ)
	}
	var out []bounty.Bounty
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) Claim(ctx context.Context, taskID, agentID string) (bounty.Bounty, error) {
	var out bounty.Bounty
	err := c.do(ctx, http.MethodPost, "/bounties/"+taskID+"/claim",
		map[string]string{"agent_id": agentID}, &out)
	return out, err
}

func (c *Client) Submit(ctx context.Context, taskID, agentID, geneID string, perf domval.BacktestResult) (bounty.Submission, error) {
	var out bounty.Submission
	err := c.do(ctx, http.MethodPost, "/bounties/"+taskID+"/submit", map[string]interface{}{
		"agent_id": agentID, "gene_id": geneID, "performance": perf,
	}, &out)
	return out, err
}

func (c *Client) Release(ctx context.Context, taskID, agentID string) error {
	return c.do(ctx, http.MethodPost, "/bounties/"+taskID+"/release",
		map[string]string{"agent_id": agentID}, nil)
}

func (c *Client) RegisterGene(ctx context.Context, g gene.Gene) (gene.Gene, error) {
	var out gene.Gene
	err := c.do(ctx, http.MethodPost, "/genes", g, &out)
	return out, err
}

func (c *Client) ListGenes(ctx context.Context, status gene.ValidationStatus, limit int) ([]gene.Gene, error) {
	path := fmt.Sprintf("/genes?status=%s&limit=%d", status, limit)
	var out []gene.Gene
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) SubmitCapsule(ctx context.Context, capsule persistence.Capsule) (persistence.Capsule, error) {
	var out persistence.Capsule
	err := c.do(ctx, http.MethodPost, "/capsules", capsule, &out)
	return out, err
}
