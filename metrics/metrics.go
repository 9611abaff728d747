// Package metrics exposes Prometheus instrumentation for the resolution
// pipeline: outcomes by layer, write-gate decisions, discovery activity,
// and LLM token consumption.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	resolvesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "tariffproof",
		Name:      "resolves_total",
		Help:      "Resolution calls by serving layer and outcome.",
	}, []string{"layer", "outcome"})

	resolveLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "tariffproof",
		Name:      "resolve_latency_seconds",
		Help:      "End-to-end resolution latency.",
		Buckets:   []float64{.005, .025, .1, .5, 1, 2.5, 5, 10, 30, 60, 120},
	})

	gateDecisions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "tariffproof",
		Name:      "gate_decisions_total",
		Help:      "Write-gate decisions.",
	}, []string{"result"})

	discoveryRuns = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "tariffproof",
		Name:      "discovery_runs_total",
		Help:      "Discovery orchestrator runs.",
	})

	discoveryCandidates = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "tariffproof",
		Name:      "discovery_candidates_total",
		Help:      "Candidates returned by the discovery agent.",
	})

	llmTokens = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "tariffproof",
		Name:      "llm_tokens_total",
		Help:      "LLM tokens consumed, by agent role and direction.",
	}, []string{"role", "direction"})
)

// ObserveResolve records one resolution outcome.
func ObserveResolve(layer, outcome string, latency time.Duration) {
	if layer == "" {
		layer = "none"
	}
	resolvesTotal.WithLabelValues(layer, outcome).Inc()
	resolveLatency.Observe(latency.Seconds())
}

// ObserveGate records one write-gate decision.
func ObserveGate(accepted bool) {
	result := "rejected"
	if accepted {
		result = "accepted"
	}
	gateDecisions.WithLabelValues(result).Inc()
}

// ObserveDiscovery records one discovery run and its candidate count.
func ObserveDiscovery(candidates int) {
	discoveryRuns.Inc()
	discoveryCandidates.Add(float64(candidates))
}

// AddTokens records LLM token usage for an agent role.
func AddTokens(role string, in, out int) {
	llmTokens.WithLabelValues(role, "in").Add(float64(in))
	llmTokens.WithLabelValues(role, "out").Add(float64(out))
}

// Handler returns the /metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
