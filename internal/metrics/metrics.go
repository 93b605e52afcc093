// Package metrics holds the Prometheus collectors for turns, tools, LLM calls
// and backend session pools.
package metrics

import (
	"net/http"
	"sync"

	"github.com/ibbo/rowan/internal/pool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "rowan"

var (
	// TurnsTotal counts finished turns by outcome (answered, rejected, errored, cancelled).
	TurnsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "agent",
			Name:      "turns_total",
			Help:      "Total number of turns by outcome",
		},
		[]string{"outcome"},
	)

	TurnDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "agent",
			Name:      "turn_duration_seconds",
			Help:      "Turn duration from start to terminal event in seconds",
			Buckets:   []float64{0.5, 1, 2, 5, 10, 20, 30, 60, 120},
		},
	)

	GateVerdicts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "agent",
			Name:      "gate_verdicts_total",
			Help:      "Relevance gate verdicts",
		},
		[]string{"verdict", "degraded"},
	)

	PlannerRounds = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "agent",
			Name:      "planner_rounds",
			Help:      "Tool rounds used per answered turn",
			Buckets:   []float64{0, 1, 2, 3, 4, 5, 6, 8, 10},
		},
	)

	ToolCallsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "tools",
			Name:      "calls_total",
			Help:      "Tool calls by tool and status",
		},
		[]string{"tool", "status"},
	)

	ToolDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "tools",
			Name:      "call_duration_seconds",
			Help:      "Tool call duration in seconds",
			Buckets:   []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 20},
		},
		[]string{"tool"},
	)

	LLMDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "llm",
			Name:      "call_duration_seconds",
			Help:      "LLM completion duration in seconds",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
		},
		[]string{"provider", "stage"},
	)

	LLMErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "llm",
			Name:      "errors_total",
			Help:      "LLM completion failures by stage",
		},
		[]string{"stage"},
	)
)

// Handler returns the Prometheus metrics handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordTurn records a finished turn.
func RecordTurn(outcome string, durationSec float64) {
	TurnsTotal.WithLabelValues(outcome).Inc()
	TurnDuration.Observe(durationSec)
}

// RecordGate records a relevance verdict.
func RecordGate(verdict string, degraded bool) {
	d := "false"
	if degraded {
		d = "true"
	}
	GateVerdicts.WithLabelValues(verdict, d).Inc()
}

// RecordRounds records how many tool rounds an answered turn used.
func RecordRounds(n int) {
	PlannerRounds.Observe(float64(n))
}

// RecordToolCall records one resolved tool call.
func RecordToolCall(tool, status string, durationSec float64) {
	ToolCallsTotal.WithLabelValues(tool, status).Inc()
	ToolDuration.WithLabelValues(tool).Observe(durationSec)
}

// RecordLLMCall records one completion attempt.
func RecordLLMCall(provider, stage string, durationSec float64, err error) {
	LLMDuration.WithLabelValues(provider, stage).Observe(durationSec)
	if err != nil {
		LLMErrorsTotal.WithLabelValues(stage).Inc()
	}
}

// StatsSource is a named session pool.
type StatsSource interface {
	Name() string
	Stats() pool.Stats
}

var (
	poolsMu sync.Mutex
	pools   = map[string]bool{}
)

// RegisterPool exports gauges for a session pool. Registering the same pool
// name twice is a no-op.
func RegisterPool(src StatsSource) {
	poolsMu.Lock()
	defer poolsMu.Unlock()
	if pools[src.Name()] {
		return
	}
	pools[src.Name()] = true

	labels := prometheus.Labels{"pool": src.Name()}
	gauge := func(name, help string, f func(pool.Stats) float64) {
		promauto.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace:   namespace,
			Subsystem:   "pool",
			Name:        name,
			Help:        help,
			ConstLabels: labels,
		}, func() float64 { return f(src.Stats()) })
	}
	counter := func(name, help string, f func(pool.Stats) float64) {
		promauto.NewCounterFunc(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "pool",
			Name:        name,
			Help:        help,
			ConstLabels: labels,
		}, func() float64 { return f(src.Stats()) })
	}

	gauge("sessions_in_use", "Sessions currently borrowed", func(s pool.Stats) float64 { return float64(s.InUse) })
	gauge("sessions_idle", "Idle sessions available for reuse", func(s pool.Stats) float64 { return float64(s.Idle) })
	counter("sessions_created_total", "Sessions opened", func(s pool.Stats) float64 { return float64(s.Created) })
	counter("sessions_reused_total", "Acquisitions served from the idle list", func(s pool.Stats) float64 { return float64(s.Reused) })
	counter("sessions_discarded_total", "Sessions closed after a failure", func(s pool.Stats) float64 { return float64(s.Discarded) })
	counter("sessions_expired_total", "Sessions closed for exceeding their max age", func(s pool.Stats) float64 { return float64(s.Expired) })
}
