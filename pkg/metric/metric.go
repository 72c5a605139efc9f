// Copyright (C) 2025, ADXYZ Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package metric

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds all metrics for the budget optimizer
type Metrics struct {
	registry *prometheus.Registry

	// Allocator metrics
	FeedbackIngested  prometheus.Counter
	DecisionsMade     *prometheus.CounterVec
	AllocationsRun    prometheus.Counter
	AdsTracked        prometheus.Gauge

	// Queue metrics
	JobsEnqueued prometheus.Counter
	JobsClaimed  prometheus.Counter
	JobsFinished *prometheus.CounterVec

	// Safety metrics
	ChangesBlocked *prometheus.CounterVec
	ChangesPassed  prometheus.Counter

	// Attribution metrics
	ConversionsResolved *prometheus.CounterVec

	// Performance metrics
	DecisionDuration  prometheus.Histogram
	ExecutionDuration prometheus.Histogram
	ClaimDuration     prometheus.Histogram
}

// NewMetrics creates a new metrics instance on a private registry
func NewMetrics() (*Metrics, error) {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,

		FeedbackIngested: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "optimizer",
			Name:      "allocator_feedback_ingested_total",
			Help:      "Total number of feedback events ingested",
		}),
		DecisionsMade: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "optimizer",
			Name:      "allocator_decisions_total",
			Help:      "Total number of allocator decisions by action",
		}, []string{"action"}),
		AllocationsRun: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "optimizer",
			Name:      "allocator_allocations_total",
			Help:      "Total number of portfolio allocation passes",
		}),
		AdsTracked: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "optimizer",
			Name:      "allocator_ads_tracked",
			Help:      "Number of ads with live state",
		}),

		JobsEnqueued: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "optimizer",
			Name:      "queue_jobs_enqueued_total",
			Help:      "Total number of jobs enqueued",
		}),
		JobsClaimed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "optimizer",
			Name:      "queue_jobs_claimed_total",
			Help:      "Total number of jobs claimed by workers",
		}),
		JobsFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "optimizer",
			Name:      "queue_jobs_finished_total",
			Help:      "Total number of jobs reaching a terminal state by status",
		}, []string{"status"}),

		ChangesBlocked: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "optimizer",
			Name:      "safety_changes_blocked_total",
			Help:      "Total number of changes blocked by the safety gate by reason",
		}, []string{"reason"}),
		ChangesPassed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "optimizer",
			Name:      "safety_changes_passed_total",
			Help:      "Total number of changes passed by the safety gate",
		}),

		ConversionsResolved: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "optimizer",
			Name:      "attribution_conversions_resolved_total",
			Help:      "Total number of conversions resolved by method",
		}, []string{"method"}),

		DecisionDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "optimizer",
			Name:      "allocator_decision_duration_seconds",
			Help:      "Time to compute a single ad decision",
			Buckets:   prometheus.DefBuckets,
		}),
		ExecutionDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "optimizer",
			Name:      "worker_execution_duration_seconds",
			Help:      "Time to execute a claimed job end to end",
			Buckets:   prometheus.DefBuckets,
		}),
		ClaimDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "optimizer",
			Name:      "queue_claim_duration_seconds",
			Help:      "Time to claim a pending job",
			Buckets:   prometheus.DefBuckets,
		}),
	}

	collectors := []prometheus.Collector{
		m.FeedbackIngested, m.DecisionsMade, m.AllocationsRun, m.AdsTracked,
		m.JobsEnqueued, m.JobsClaimed, m.JobsFinished,
		m.ChangesBlocked, m.ChangesPassed,
		m.ConversionsResolved,
		m.DecisionDuration, m.ExecutionDuration, m.ClaimDuration,
	}
	for _, c := range collectors {
		if err := registry.Register(c); err != nil {
			return nil, err
		}
	}

	return m, nil
}

// GetGatherer returns the prometheus gatherer for metrics export
func (m *Metrics) GetGatherer() prometheus.Gatherer {
	if m.registry != nil {
		return m.registry
	}
	return prometheus.DefaultGatherer
}

// GetRegisterer returns the prometheus registerer
func (m *Metrics) GetRegisterer() prometheus.Registerer {
	if m.registry != nil {
		return m.registry
	}
	return prometheus.DefaultRegisterer
}
