package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Business metrics shared by every process. They are registered once on the
// default registry and served from /metrics by the API process.
var (
	SlotDecisions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "orchestrator_slot_decisions_total",
		Help: "Concurrency slot admission decisions by priority and result.",
	}, []string{"priority", "result"})

	SlotReleases = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "orchestrator_slot_releases_total",
		Help: "Concurrency slot releases by source (lifecycle, dispatch, sweep).",
	}, []string{"source"})

	DispatchOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "orchestrator_dispatch_outcomes_total",
		Help: "Queue processor dispatch results.",
	}, []string{"result"})

	LifecycleEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "orchestrator_lifecycle_events_total",
		Help: "Provider lifecycle events by stage and handling result.",
	}, []string{"stage", "result"})

	Retries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "orchestrator_retries_total",
		Help: "Retry coordinator decisions by reason and decision.",
	}, []string{"reason", "decision"})

	AnalysisRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "orchestrator_analysis_runs_total",
		Help: "Transcript analysis runs by result.",
	}, []string{"result"})

	ScheduledContacts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "orchestrator_scheduled_contacts_total",
		Help: "Campaign contacts pushed into the call queue by the scheduler.",
	})

	DispatchLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "orchestrator_provider_start_seconds",
		Help:    "Latency of provider StartCall requests.",
		Buckets: prometheus.DefBuckets,
	})
)
