package http

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// MetricsRegistry holds the hub's Prometheus metrics on a private
// registry so tests never collide on default-registry registration.
type MetricsRegistry struct {
	registry *prometheus.Registry

	RequestDuration *prometheus.HistogramVec

	ClaimConflicts prometheus.Counter
	Submissions    *prometheus.CounterVec

	PopulationSize prometheus.Gauge
	CullsTotal     *prometheus.CounterVec
	CycleDuration  prometheus.Histogram

	LiveAgents prometheus.Gauge
}

// NewMetricsRegistry creates and registers every hub metric.
func NewMetricsRegistry() *MetricsRegistry {
	m := &MetricsRegistry{
		registry: prometheus.NewRegistry(),

		RequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "genepool_request_duration_seconds",
				Help:    "API request duration in seconds",
				Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5},
			},
			[]string{"method", "path", "status"},
		),

		ClaimConflicts: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "genepool_claim_conflicts_total",
				Help: "Claim attempts that lost the compare-and-set race",
			},
		),

		Submissions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "genepool_submissions_total",
				Help: "Bounty submissions by outcome",
			},
			[]string{"outcome"},
		),

		PopulationSize: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "genepool_population_size",
				Help: "Active genes in the pool",
			},
		),

		CullsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "genepool_culls_total",
				Help: "Genes culled by cause",
			},
			[]string{"cause"},
		),

		CycleDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "genepool_cycle_duration_seconds",
				Help:    "Culling cycle duration in seconds",
				Buckets: []float64{0.1, 0.5, 1, 5, 15, 60, 300, 900},
			},
		),

		LiveAgents: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "genepool_live_agents",
				Help: "Agents with a fresh heartbeat",
			},
		),
	}

	m.registry.MustRegister(
		m.RequestDuration,
		m.ClaimConflicts,
		m.Submissions,
		m.PopulationSize,
		m.CullsTotal,
		m.CycleDuration,
		m.LiveAgents,
	)
	return m
}

// Handler serves the scrape endpoint for this registry only.
func (m *MetricsRegistry) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
