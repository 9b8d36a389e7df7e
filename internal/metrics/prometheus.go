// Package metrics exposes Prometheus collectors for the analysis pipeline.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	JobsEnqueuedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "reelscope_analysis_jobs_enqueued_total",
		Help: "Total number of analysis jobs enqueued",
	})

	DispatchTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "reelscope_dispatch_total",
		Help: "Dispatch attempts to the analysis service, by outcome",
	}, []string{"outcome"})

	DispatchDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "reelscope_dispatch_duration_seconds",
		Help:    "Duration of dispatch calls to the analysis service",
		Buckets: []float64{0.1, 0.5, 1, 5, 30, 120, 600, 3000},
	})

	RetryTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "reelscope_dispatch_retry_total",
		Help: "Total number of scheduled dispatch retries",
	}, []string{"attempt"})

	JobsFinishedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "reelscope_analysis_jobs_finished_total",
		Help: "Analysis jobs reaching a terminal state, by state",
	}, []string{"state"})

	ActiveWorkers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "reelscope_active_workers",
		Help: "Number of workers currently dispatching jobs",
	})

	CallbacksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "reelscope_callbacks_total",
		Help: "Callbacks received from the analysis service, by result",
	}, []string{"result"})

	MergeTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "reelscope_merge_total",
		Help: "Result merges, by outcome phase",
	}, []string{"phase"})

	MergeDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "reelscope_merge_duration_seconds",
		Help:    "Duration of result merges including linkage wait",
		Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 30},
	})
)
