package http

import (
	"bytes"
	"encoding/json"
	"math/rand"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sawpanic/genepool/internal/data/cache"
	"github.com/sawpanic/genepool/internal/domain/bounty"
	"github.com/sawpanic/genepool/internal/domain/gene"
	domval "github.com/sawpanic/genepool/internal/domain/validation"
	"github.com/sawpanic/genepool/internal/governor"
	"github.com/sawpanic/genepool/internal/hub"
	"github.com/sawpanic/genepool/internal/market"
	"github.com/sawpanic/genepool/internal/persistence/memory"
	"github.com/sawpanic/genepool/internal/validation"
)

func newTestServer() (*Server, *hub.Hub) {
	store := memory.NewStore()
	stub := validation.NewStubEvaluator()
	pipeline := validation.NewPipeline(validation.Config{MinMarketsPassed: 1}, stub)
	gov := governor.New(governor.Config{}, store, pipeline, stub, rand.New(rand.NewSource(1)))
	mkt := market.New(store.Bounties, nil)
	h := hub.New(store, mkt, pipeline, gov, cache.NewMemoryLiveness(time.Minute))
	return NewServer(DefaultServerConfig(), h, nil, "test"), h
}

func doJSON(t *testing.T, s *Server, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)
	return rec
}

func TestHealthEndpoint(t *testing.T) {
	s, _ := newTestServer()
	rec := doJSON(t, s, http.MethodGet, "/health", nil)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))

	var resp healthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "healthy", resp.Status)
	assert.Equal(t, "test", resp.Version)
}

func TestGeneEndpoints(t *testing.T) {
	s, _ := newTestServer()

	rec := doJSON(t, s, http.MethodPost, "/genes", gene.Gene{Formula: "RSI(14) < 30", Name: "oversold"})
	require.Equal(t, http.StatusCreated, rec.Code)

	var created gene.Gene
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	assert.NotEmpty(t, created.ID)

	rec = doJSON(t, s, http.MethodPost, "/genes", gene.Gene{Formula: "RSI(14 <"})
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code, "malformed formula is rejected")

	rec = doJSON(t, s, http.MethodPost, "/genes", gene.Gene{Formula: "RSI(14) < 30"})
	assert.Equal(t, http.StatusConflict, rec.Code, "duplicate formula is rejected")

	rec = doJSON(t, s, http.MethodGet, "/genes/"+created.ID, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, s, http.MethodGet, "/genes/gene_missing", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = doJSON(t, s, http.MethodGet, "/genes", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var listed []gene.Gene
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &listed))
	assert.Len(t, listed, 1)
}

func publishTestBounty(t *testing.T, s *Server) bounty.Bounty {
	t.Helper()
	rec := doJSON(t, s, http.MethodPost, "/bounties", bounty.Bounty{
		Type: bounty.TypeDiscoverFactor,
		Criteria: domval.Criteria{
			MinSharpe: 1.0, MinWinRate: 0.5, MaxDrawdown: -0.3,
			MinTrades: 10, MinProfitFactor: 1.2,
		},
		Reward:   bounty.RewardSchedule{Base: decimal.NewFromInt(100)},
		Deadline: time.Now().UTC().Add(48 * time.Hour),
	})
	require.Equal(t, http.StatusCreated, rec.Code)

	var b bounty.Bounty
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &b))
	return b
}

func TestBountyLifecycleOverHTTP(t *testing.T) {
	s, _ := newTestServer()
	b := publishTestBounty(t, s)

	rec := doJSON(t, s, http.MethodPost, "/bounties/"+b.TaskID+"/claim", claimRequest{AgentID: "agent_1"})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, s, http.MethodPost, "/bounties/"+b.TaskID+"/claim", claimRequest{AgentID: "agent_2"})
	assert.Equal(t, http.StatusConflict, rec.Code, "second claim loses the race")

	perf := domval.BacktestResult{
		Sharpe: 2.5, MaxDrawdown: -0.1, WinRate: 0.6,
		AnnualReturn: 0.3, Trades: 50, ProfitFactor: 2.0,
	}

	rec = doJSON(t, s, http.MethodPost, "/bounties/"+b.TaskID+"/submit",
		submitRequest{AgentID: "agent_2", GeneID: "gene_x", Performance: perf})
	assert.Equal(t, http.StatusForbidden, rec.Code, "only the claim holder may submit")

	rec = doJSON(t, s, http.MethodPost, "/bounties/"+b.TaskID+"/submit",
		submitRequest{AgentID: "agent_1", GeneID: "gene_x", Performance: perf})
	require.Equal(t, http.StatusOK, rec.Code)

	var sub bounty.Submission
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &sub))
	assert.True(t, sub.Passed)
	assert.True(t, sub.Reward.Equal(decimal.NewFromInt(200)))

	rec = doJSON(t, s, http.MethodGet, "/bounties/"+b.TaskID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var got bounty.Bounty
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, bounty.StatusCompleted, got.Status)
}

func TestBountyListFilter(t *testing.T) {
	s, _ := newTestServer()
	b := publishTestBounty(t, s)
	publishTestBounty(t, s)

	rec := doJSON(t, s, http.MethodPost, "/bounties/"+b.TaskID+"/claim", claimRequest{AgentID: "agent_1"})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, s, http.MethodGet, "/bounties?status=OPEN", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var open []bounty.Bounty
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &open))
	assert.Len(t, open, 1)
}

func TestAgentProtocol(t *testing.T) {
	s, _ := newTestServer()

	rec := doJSON(t, s, http.MethodPost, "/a2a/hello",
		helloRequest{AgentID: "agent_1", Role: "miner", Capabilities: []string{"crossover"}})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, s, http.MethodPost, "/a2a/heartbeat", claimRequest{AgentID: "agent_1"})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, s, http.MethodPost, "/a2a/heartbeat", claimRequest{AgentID: "agent_ghost"})
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = doJSON(t, s, http.MethodGet, "/a2a/agents", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var agents []cache.AgentInfo
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &agents))
	require.Len(t, agents, 1)
	assert.Equal(t, "miner", agents[0].Role)
}

func TestMetricsEndpoint(t *testing.T) {
	s, _ := newTestServer()
	doJSON(t, s, http.MethodGet, "/health", nil)

	rec := doJSON(t, s, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, "genepool_request_duration_seconds")
	assert.Contains(t, body, "genepool_population_size")
}

func TestEventFeed(t *testing.T) {
	s, h := newTestServer()
	ts := httptest.NewServer(s.Router())
	defer ts.Close()

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws/events"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	// Give the server loop a beat to subscribe before publishing.
	time.Sleep(50 * time.Millisecond)
	h.Events.Publish(hub.Event{Type: hub.EventCycleComplete, Detail: "evaluated=3"})

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var event hub.Event
	require.NoError(t, conn.ReadJSON(&event))
	assert.Equal(t, hub.EventCycleComplete, event.Type)
}

func TestUnknownEndpoint(t *testing.T) {
	s, _ := newTestServer()
	rec := doJSON(t, s, http.MethodGet, "/nope", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
