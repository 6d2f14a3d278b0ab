package http

import (
	"encoding/json"
	"errors"
	"net/http"
	"runtime"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog/log"

	"github.com/sawpanic/genepool/internal/data/cache"
	"github.com/sawpanic/genepool/internal/domain/bounty"
	"github.com/sawpanic/genepool/internal/domain/gene"
	domval "github.com/sawpanic/genepool/internal/domain/validation"
	"github.com/sawpanic/genepool/internal/hub"
	"github.com/sawpanic/genepool/internal/persistence"
)

const listCacheTTL = 5 * time.Second

type errorResponse struct {
	Error     string `json:"error"`
	RequestID string `json:"request_id,omitempty"`
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.WriteHeader(status)
	if v == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("failed to encode response")
	}
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, persistence.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, persistence.ErrDuplicateFormula),
		errors.Is(err, persistence.ErrInvalidTransition):
		status = http.StatusConflict
	case errors.Is(err, persistence.ErrClaimConflict):
		status = http.StatusConflict
		s.metrics.ClaimConflicts.Inc()
	case errors.Is(err, persistence.ErrNotClaimHolder):
		status = http.StatusForbidden
	case errors.Is(err, persistence.ErrBountyExpired):
		status = http.StatusGone
	}

	if status == http.StatusInternalServerError {
		log.Error().Err(err).Str("path", r.URL.Path).Msg("request failed")
	}
	s.writeJSON(w, status, errorResponse{
		Error:     err.Error(),
		RequestID: requestIDFrom(r.Context()),
	})
}

func (s *Server) decodeBody(w http.ResponseWriter, r *http.Request, dest interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(dest); err != nil {
		s.writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid request body: " + err.Error()})
		return false
	}
	return true
}

func (s *Server) handleNotFound(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	s.writeJSON(w, http.StatusNotFound, errorResponse{Error: "no such endpoint"})
}

// --- health ---

type healthResponse struct {
	Status     string    `json:"status"`
	Timestamp  time.Time `json:"timestamp"`
	Uptime     string    `json:"uptime"`
	Version    string    `json:"version"`
	Population int       `json:"population"`
	LiveAgents int       `json:"live_agents"`
	Goroutines int       `json:"num_goroutines"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	population, err := s.hub.Store.Genes.Count(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	agents, err := s.hub.Liveness.Live(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	s.metrics.PopulationSize.Set(float64(population))
	s.metrics.LiveAgents.Set(float64(len(agents)))

	s.writeJSON(w, http.StatusOK, healthResponse{
		Status:     "healthy",
		Timestamp:  time.Now().UTC(),
		Uptime:     time.Since(s.started).Round(time.Second).String(),
		Version:    s.version,
		Population: population,
		LiveAgents: len(agents),
		Goroutines: runtime.NumGoroutine(),
	})
}

// --- genes ---

func (s *Server) handleListGenes(w http.ResponseWriter, r *http.Request) {
	filter := persistence.GeneFilter{
		Status: gene.ValidationStatus(r.URL.Query().Get("status")),
	}
	if limit := r.URL.Query().Get("limit"); limit != "" {
		n, err := strconv.Atoi(limit)
		if err != nil || n < 0 {
			s.writeJSON(w, http.StatusBadRequest, errorResponse{Error: "limit must be a non-negative integer"})
			return
		}
		filter.Limit = n
	}

	cacheKey := "genes:" + string(filter.Status) + ":" + strconv.Itoa(filter.Limit)
	var genes []gene.Gene
	if s.cacheGet(r, cacheKey, &genes) {
		s.writeJSON(w, http.StatusOK, genes)
		return
	}

	genes, err := s.hub.Store.Genes.List(r.Context(), filter)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if genes == nil {
		genes = []gene.Gene{}
	}
	s.cacheSet(r, cacheKey, genes)
	s.writeJSON(w, http.StatusOK, genes)
}

func (s *Server) handleRegisterGene(w http.ResponseWriter, r *http.Request) {
	var g gene.Gene
	if !s.decodeBody(w, r, &g) {
		return
	}

	stored, err := s.hub.RegisterGene(r.Context(), g)
	if err != nil {
		if errors.Is(err, persistence.ErrDuplicateFormula) {
			s.writeError(w, r, err)
		} else if errors.Is(err, persistence.ErrNotFound) {
			s.writeError(w, r, err)
		} else {
			// Formula and structural rejections are the client's fault.
			s.writeJSON(w, http.StatusUnprocessableEntity, errorResponse{Error: err.Error()})
		}
		return
	}
	s.writeJSON(w, http.StatusCreated, stored)
}

func (s *Server) handleGetGene(w http.ResponseWriter, r *http.Request) {
	g, err := s.hub.Store.Genes.Get(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, g)
}

func (s *Server) handleListCapsules(w http.ResponseWriter, r *http.Request) {
	capsules, err := s.hub.Store.Capsules.ListByGene(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if capsules == nil {
		capsules = []persistence.Capsule{}
	}
	s.writeJSON(w, http.StatusOK, capsules)
}

func (s *Server) handleSubmitCapsule(w http.ResponseWriter, r *http.Request) {
	var c persistence.Capsule
	if !s.decodeBody(w, r, &c) {
		return
	}
	stored, err := s.hub.SubmitCapsule(r.Context(), c)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, stored)
}

// --- bounties ---

func (s *Server) handleListBounties(w http.ResponseWriter, r *http.Request) {
	filter := persistence.BountyFilter{
		Status: bounty.Status(r.URL.Query().Get("status")),
		Type:   bounty.Type(r.URL.Query().Get("type")),
	}
	bounties, err := s.hub.Market.List(r.Context(), filter)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if bounties == nil {
		bounties = []bounty.Bounty{}
	}
	s.writeJSON(w, http.StatusOK, bounties)
}

func (s *Server) handlePublishBounty(w http.ResponseWriter, r *http.Request) {
	var b bounty.Bounty
	if !s.decodeBody(w, r, &b) {
		return
	}
	stored, err := s.hub.Market.Publish(r.Context(), b)
	if err != nil {
		s.writeJSON(w, http.StatusUnprocessableEntity, errorResponse{Error: err.Error()})
		return
	}
	s.hub.Events.Publish(hub.Event{Type: hub.EventBountyPublished, TaskID: stored.TaskID})
	s.writeJSON(w, http.StatusCreated, stored)
}

func (s *Server) handleGetBounty(w http.ResponseWriter, r *http.Request) {
	b, err := s.hub.Market.Get(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, b)
}

type claimRequest struct {
	AgentID string `json:"agent_id"`
}

func (s *Server) handleClaimBounty(w http.ResponseWriter, r *http.Request) {
	var req claimRequest
	if !s.decodeBody(w, r, &req) {
		return
	}
	if req.AgentID == "" {
		s.writeJSON(w, http.StatusBadRequest, errorResponse{Error: "agent_id is required"})
		return
	}

	b, err := s.hub.Market.Claim(r.Context(), mux.Vars(r)["id"], req.AgentID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.hub.Events.Publish(hub.Event{Type: hub.EventBountyClaimed, TaskID: b.TaskID, AgentID: req.AgentID})
	s.writeJSON(w, http.StatusOK, b)
}

type submitRequest struct {
	AgentID     string                `json:"agent_id"`
	GeneID      string                `json:"gene_id"`
	Performance domval.BacktestResult `json:"performance"`
}

func (s *Server) handleSubmitBounty(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if !s.decodeBody(w, r, &req) {
		return
	}
	if req.AgentID == "" {
		s.writeJSON(w, http.StatusBadRequest, errorResponse{Error: "agent_id is required"})
		return
	}

	sub, err := s.hub.Market.Submit(r.Context(), mux.Vars(r)["id"], req.AgentID, req.GeneID, req.Performance)
	if err != nil {
		s.metrics.Submissions.WithLabelValues("error").Inc()
		s.writeError(w, r, err)
		return
	}

	if sub.Passed {
		s.metrics.Submissions.WithLabelValues("passed").Inc()
		s.hub.Events.Publish(hub.Event{
			Type: hub.EventBountyCompleted, TaskID: mux.Vars(r)["id"], AgentID: req.AgentID, GeneID: req.GeneID,
		})
	} else {
		s.metrics.Submissions.WithLabelValues("failed").Inc()
	}
	s.writeJSON(w, http.StatusOK, sub)
}

func (s *Server) handleReleaseBounty(w http.ResponseWriter, r *http.Request) {
	var req claimRequest
	if !s.decodeBody(w, r, &req) {
		return
	}
	if err := s.hub.Market.Release(r.Context(), mux.Vars(r)["id"], req.AgentID); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "released"})
}

func (s *Server) handleCancelBounty(w http.ResponseWriter, r *http.Request) {
	if err := s.hub.Market.Cancel(r.Context(), mux.Vars(r)["id"]); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "cancelled"})
}

// --- lineage ---

func (s *Server) handleListDeaths(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			limit = n
		}
	}
	deaths, err := s.hub.Store.Deaths.List(r.Context(), limit)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if deaths == nil {
		deaths = []persistence.DeathEvent{}
	}
	s.writeJSON(w, http.StatusOK, deaths)
}

func (s *Server) handleListSchedule(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			limit = n
		}
	}
	adjustments, err := s.hub.Store.Schedules.List(r.Context(), limit)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if adjustments == nil {
		adjustments = []persistence.ScheduleAdjustment{}
	}
	s.writeJSON(w, http.StatusOK, adjustments)
}

// --- agent protocol ---

type helloRequest struct {
	AgentID      string   `json:"agent_id"`
	Role         string   `json:"role"`
	Capabilities []string `json:"capabilities,omitempty"`
}

func (s *Server) handleHello(w http.ResponseWriter, r *http.Request) {
	var req helloRequest
	if !s.decodeBody(w, r, &req) {
		return
	}
	if req.AgentID == "" {
		s.writeJSON(w, http.StatusBadRequest, errorResponse{Error: "agent_id is required"})
		return
	}

	err := s.hub.Liveness.Hello(r.Context(), cache.AgentInfo{
		ID:           req.AgentID,
		Role:         req.Role,
		Capabilities: req.Capabilities,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "registered"})
}

func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	var req claimRequest
	if !s.decodeBody(w, r, &req) {
		return
	}
	if err := s.hub.Liveness.Heartbeat(r.Context(), req.AgentID); err != nil {
		s.writeJSON(w, http.StatusNotFound, errorResponse{Error: err.Error()})
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "alive"})
}

func (s *Server) handleListAgents(w http.ResponseWriter, r *http.Request) {
	agents, err := s.hub.Liveness.Live(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if agents == nil {
		agents = []cache.AgentInfo{}
	}
	s.metrics.LiveAgents.Set(float64(len(agents)))
	s.writeJSON(w, http.StatusOK, agents)
}

// --- cache helpers ---

func (s *Server) cacheGet(r *http.Request, key string, dest interface{}) bool {
	if s.cache == nil {
		return false
	}
	found, err := s.cache.GetJSON(r.Context(), key, dest)
	if err != nil {
		log.Warn().Err(err).Str("key", key).Msg("cache read failed, falling through")
		return false
	}
	return found
}

func (s *Server) cacheSet(r *http.Request, key string, value interface{}) {
	if s.cache == nil {
		return
	}
	if err := s.cache.SetJSON(r.Context(), key, value, listCacheTTL); err != nil {
		log.Warn().Err(err).Str("key", key).Msg("cache write failed")
	}
}
