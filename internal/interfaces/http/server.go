// Package http is the hub's coordination surface: the JSON API agents
// poll, the Prometheus scrape endpoint, and the websocket event feed.
package http

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/rs/zerolog/log"

	"github.com/sawpanic/genepool/internal/data/cache"
	"github.com/sawpanic/genepool/internal/hub"
)

// ServerConfig holds server configuration.
type ServerConfig struct {
	Host         string        `yaml:"host"`
	Port         int           `yaml:"port"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	IdleTimeout  time.Duration `yaml:"idle_timeout"`
}

// DefaultServerConfig binds locally on 8090.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Host:         "127.0.0.1",
		Port:         8090,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
}

// Server serves the coordination API.
type Server struct {
	router  *mux.Router
	server  *http.Server
	hub     *hub.Hub
	cache   cache.Reader
	metrics *MetricsRegistry
	config  ServerConfig
	version string
	started time.Time
}

// NewServer wires routes and middleware. cache may be nil; read endpoints
// then always hit storage.
func NewServer(config ServerConfig, h *hub.Hub, reader cache.Reader, version string) *Server {
	s := &Server{
		router:  mux.NewRouter(),
		hub:     h,
		cache:   reader,
		metrics: NewMetricsRegistry(),
		config:  config,
		version: version,
		started: time.Now().UTC(),
	}
	s.setupRoutes()

	s.server = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", config.Host, config.Port),
		Handler:      s.router,
		ReadTimeout:  config.ReadTimeout,
		WriteTimeout: config.WriteTimeout,
		IdleTimeout:  config.IdleTimeout,
	}
	return s
}

func (s *Server) setupRoutes() {
	s.router.Use(s.requestIDMiddleware)
	s.router.Use(s.loggingMiddleware)
	s.router.Use(s.timeoutMiddleware)

	// The websocket feed and the scrape endpoint bypass the JSON subrouter.
	s.router.HandleFunc("/ws/events", s.handleEvents).Methods(http.MethodGet)
	s.router.Handle("/metrics", s.metrics.Handler()).Methods(http.MethodGet)

	api := s.router.PathPrefix("/").Subrouter()
	api.Use(s.jsonContentTypeMiddleware)

	api.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)

	api.HandleFunc("/genes", s.handleListGenes).Methods(http.MethodGet)
	api.HandleFunc("/genes", s.handleRegisterGene).Methods(http.MethodPost)
	api.HandleFunc("/genes/{id}", s.handleGetGene).Methods(http.MethodGet)
	api.HandleFunc("/genes/{id}/capsules", s.handleListCapsules).Methods(http.MethodGet)
	api.HandleFunc("/capsules", s.handleSubmitCapsule).Methods(http.MethodPost)

	api.HandleFunc("/bounties", s.handleListBounties).Methods(http.MethodGet)
	api.HandleFunc("/bounties", s.handlePublishBounty).Methods(http.MethodPost)
	api.HandleFunc("/bounties/{id}", s.handleGetBounty).Methods(http.MethodGet)
	api.HandleFunc("/bounties/{id}/claim", s.handleClaimBounty).Methods(http.MethodPost)
	api.HandleFunc("/bounties/{id}/submit", s.handleSubmitBounty).Methods(http.MethodPost)
	api.HandleFunc("/bounties/{id}/release", s.handleReleaseBounty).Methods(http.MethodPost)
	api.HandleFunc("/bounties/{id}/cancel", s.handleCancelBounty).Methods(http.MethodPost)

	api.HandleFunc("/deaths", s.handleListDeaths).Methods(http.MethodGet)
	api.HandleFunc("/schedule", s.handleListSchedule).Methods(http.MethodGet)

	api.HandleFunc("/a2a/hello", s.handleHello).Methods(http.MethodPost)
	api.HandleFunc("/a2a/heartbeat", s.handleHeartbeat).Methods(http.MethodPost)
	api.HandleFunc("/a2a/agents", s.handleListAgents).Methods(http.MethodGet)

	s.router.NotFoundHandler = http.HandlerFunc(s.handleNotFound)
}

// Router exposes the handler tree for httptest.
func (s *Server) Router() http.Handler {
	return s.router
}

// Metrics exposes the registry so collectors for work running outside
// the HTTP layer, like the culling cycle, can be attached to it.
func (s *Server) Metrics() *MetricsRegistry {
	return s.metrics
}

func (s *Server) requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := uuid.New().String()[:8]
		ctx := context.WithValue(r.Context(), requestIDKey{}, requestID)
		w.Header().Set("X-Request-ID", requestID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapper := &responseWrapper{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(wrapper, r)

		s.metrics.RequestDuration.WithLabelValues(r.Method, r.URL.Path,
			fmt.Sprintf("%d", wrapper.statusCode)).Observe(time.Since(start).Seconds())

		log.Info().
			Str("request_id", requestIDFrom(r.Context())).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", wrapper.statusCode).
			Dur("duration", time.Since(start)).
			Str("remote", r.RemoteAddr).
			Msg("request")
	})
}

func (s *Server) timeoutMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// The event feed holds its connection open.
		if r.URL.Path == "/ws/events" {
			next.ServeHTTP(w, r)
			return
		}
		ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
		defer cancel()
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) jsonContentTypeMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		next.ServeHTTP(w, r)
	})
}

// Start serves until the listener fails or Shutdown is called.
func (s *Server) Start() error {
	log.Info().Str("addr", s.server.Addr).Msg("coordination api listening")
	return s.server.ListenAndServe()
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	log.Info().Msg("coordination api shutting down")
	return s.server.Shutdown(ctx)
}

type requestIDKey struct{}

func requestIDFrom(ctx context.Context) string {
	if v, ok := ctx.Value(requestIDKey{}).(string); ok {
		return v
	}
	return ""
}

type responseWrapper struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWrapper) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// Hijack keeps the websocket upgrade working through the logging wrapper.
func (rw *responseWrapper) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := rw.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("response writer does not support hijacking")
	}
	return hj.Hijack()
}
