// Package metrics holds the Prometheus collectors exported at /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/daviddao/persona/pkg/model"
)

var (
	// Inbox metrics
	QueueDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "persona_queue_depth",
			Help: "Messages waiting in the agent's inbox",
		},
		[]string{"agent"},
	)

	Enqueued = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "persona_enqueue_total",
			Help: "Enqueue attempts by outcome",
		},
		[]string{"agent", "outcome"}, // accepted, evicted, shed, duplicate, rate_limited
	)

	Expired = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "persona_messages_expired_total",
			Help: "Messages dropped for passing their expiry",
		},
		[]string{"agent"},
	)

	// Duty-cycle metrics
	Energy = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "persona_energy",
			Help: "Agent energy in [0,1]",
		},
		[]string{"agent"},
	)

	Attention = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "persona_attention",
			Help: "Agent attention in [0,1]",
		},
		[]string{"agent"},
	)

	Mood = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "persona_mood",
			Help: "1 for the agent's current mood, 0 otherwise",
		},
		[]string{"agent", "mood"},
	)

	// Arbitration metrics
	Claims = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "persona_claims_total",
			Help: "Arbitration results by outcome",
		},
		[]string{"agent", "outcome"}, // won, lost, expired, revoked
	)

	// Execution metrics
	Executions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "persona_executions_total",
			Help: "Executed messages by outcome",
		},
		[]string{"agent", "outcome"}, // ok, error, timeout
	)

	ExecutionDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "persona_execution_duration_seconds",
			Help:    "Time spent in the executor",
			Buckets: []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60},
		},
		[]string{"agent"},
	)

	RetriesExhausted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "persona_retries_exhausted_total",
			Help: "Messages dropped as poison after too many failures",
		},
		[]string{"agent"},
	)

	// HTTP metrics
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "persona_http_requests_total",
			Help: "Total HTTP requests",
		},
		[]string{"method", "route", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "persona_http_request_duration_seconds",
			Help:    "HTTP request duration",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"method", "route"},
	)
)

// ObserveState publishes an agent's duty-cycle state.
func ObserveState(agent string, st model.PersonaState) {
	Energy.WithLabelValues(agent).Set(st.Energy)
	Attention.WithLabelValues(agent).Set(st.Attention)
	QueueDepth.WithLabelValues(agent).Set(float64(st.QueueDepth))
	for _, m := range model.Moods() {
		v := 0.0
		if m == st.Mood {
			v = 1
		}
		Mood.WithLabelValues(agent, string(m)).Set(v)
	}
}
