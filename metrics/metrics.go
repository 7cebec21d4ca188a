/*
Package metrics exposes the engine's Prometheus collectors.

PURPOSE:
  One registry-backed set of counters and histograms shared by the run
  workers and the ledger writer. The HTTP server mounts the standard
  /metrics handler over the same registry.
*/
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds every collector the engine records into.
type Metrics struct {
	Registry *prometheus.Registry

	RunsCompleted  *prometheus.CounterVec
	RunsFailed     *prometheus.CounterVec
	RunDuration    *prometheus.HistogramVec
	EntriesWritten *prometheus.CounterVec
	DeltasApplied  prometheus.Counter
}

// New builds a fresh registry with all engine collectors registered.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		Registry: reg,
		RunsCompleted: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "engine_runs_completed_total",
			Help: "Process runs finished with COMPLETED status.",
		}, []string{"process_type"}),
		RunsFailed: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "engine_runs_failed_total",
			Help: "Process runs finished with FAILED status.",
		}, []string{"process_type"}),
		RunDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "engine_run_duration_seconds",
			Help:    "Wall-clock duration of run execution.",
			Buckets: prometheus.ExponentialBuckets(0.01, 4, 8),
		}, []string{"process_type"}),
		EntriesWritten: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "engine_journal_entries_written_total",
			Help: "Accounting entries appended to the journal.",
		}, []string{"process_type"}),
		DeltasApplied: factory.NewCounter(prometheus.CounterOpts{
			Name: "engine_portfolio_deltas_applied_total",
			Help: "Merged portfolio deltas applied by the ledger writer.",
		}),
	}
}
