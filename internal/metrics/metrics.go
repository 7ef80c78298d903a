// Package metrics holds the Prometheus collectors shared by the pipeline and
// the ledger.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Classifications counts final decisions by label.
	Classifications = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "triage_classifications_total",
		Help: "Classifications by final risk label",
	}, []string{"label"})

	// Overrides counts decisions where the sensitivity override replaced the
	// model's most likely class.
	Overrides = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "triage_overrides_total",
		Help: "Sensitivity overrides by baseline and final label",
	}, []string{"from", "to"})

	// PredictionErrors counts failed classifications by kind.
	PredictionErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "triage_prediction_errors_total",
		Help: "Failed classifications by kind",
	}, []string{"kind"})

	// PipelineDuration tracks normalize-to-map latency, excluding persistence.
	PipelineDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "triage_pipeline_duration_seconds",
		Help:    "Assessment pipeline duration in seconds",
		Buckets: prometheus.ExponentialBuckets(0.0005, 2, 14),
	})

	// LedgerAppends counts ledger writes by result.
	LedgerAppends = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ledger_appends_total",
		Help: "Assessment ledger appends by result",
	}, []string{"result"})

	// StatsFailures counts stats queries that fell back to zeroed output.
	StatsFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ledger_stats_failures_total",
		Help: "Stats computations that failed and returned zeroed stats",
	})
)
