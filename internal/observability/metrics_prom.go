package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Process-wide Prometheus vectors, grounded on the teacher's
// internal/adapter/observability Prometheus vars but re-homed to this
// engine's job/LLM/field-sync domain instead of HTTP-request/queue metrics.
var (
	JobsTerminalTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "wqbconsole_jobs_terminal_total",
		Help: "Backtest jobs that reached a terminal state, by final status.",
	}, []string{"status"})

	WorkersBusy = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "wqbconsole_workers_busy",
		Help: "Number of worker-pool goroutines currently holding a claimed job.",
	})

	LlmCallsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "wqbconsole_llm_calls_total",
		Help: "LLM chat calls, by provider and outcome.",
	}, []string{"provider", "outcome"})

	FieldSyncPagesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "wqbconsole_field_sync_pages_total",
		Help: "Data-field pages fetched during a field-sync run, by region and universe.",
	}, []string{"region", "universe"})

	JobClaimLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "wqbconsole_job_claim_latency_seconds",
		Help:    "Time from a job becoming claimable to being claimed by a worker.",
		Buckets: prometheus.DefBuckets,
	})
)
