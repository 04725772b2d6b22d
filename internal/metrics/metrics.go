// Package metrics exposes the service's prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics bundles all collectors. One instance is created at startup and
// passed to the components that record into it.
type Metrics struct {
	Registry *prometheus.Registry

	HedgedRaces    *prometheus.CounterVec // role
	HedgedWins     *prometheus.CounterVec // provider
	ProviderCalls  *prometheus.CounterVec // provider, outcome kind
	BreakerOpens   *prometheus.CounterVec // provider
	StageLatency   *prometheus.HistogramVec
	PipelineRuns   *prometheus.CounterVec // outcome
	EnrichFailures prometheus.Counter
	IdemHits       prometheus.Counter
}

// New creates a Metrics with its own registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		Registry: reg,
		HedgedRaces: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "pilot_hedged_races_total",
			Help: "Hedged races started, by role.",
		}, []string{"role"}),
		HedgedWins: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "pilot_hedged_wins_total",
			Help: "Hedged race wins, by provider.",
		}, []string{"provider"}),
		ProviderCalls: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "pilot_provider_calls_total",
			Help: "Provider call outcomes, by provider and classifier kind.",
		}, []string{"provider", "kind"}),
		BreakerOpens: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "pilot_breaker_opens_total",
			Help: "Circuit breaker open transitions, by provider.",
		}, []string{"provider"}),
		StageLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "pilot_stage_latency_seconds",
			Help:    "Pipeline stage latency.",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
		}, []string{"stage"}),
		PipelineRuns: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "pilot_pipeline_runs_total",
			Help: "Pipeline run outcomes.",
		}, []string{"outcome"}),
		EnrichFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "pilot_enrichment_failures_total",
			Help: "Per-venue enrichment failures.",
		}),
		IdemHits: factory.NewCounter(prometheus.CounterOpts{
			Name: "pilot_idempotency_hits_total",
			Help: "Responses replayed from the idempotency store.",
		}),
	}
}
