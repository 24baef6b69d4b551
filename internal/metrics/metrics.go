// Package metrics defines the engine's Prometheus instrumentation.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RunsStarted counts automation runs that created a run log.
	RunsStarted = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "prospector",
		Name:      "runs_started_total",
		Help:      "Automation runs started.",
	})

	// RunsCompleted counts finalized runs by terminal status.
	RunsCompleted = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "prospector",
		Name:      "runs_completed_total",
		Help:      "Automation runs finalized, by terminal status.",
	}, []string{"status"})

	// ProposalsCreated counts proposals created, by source.
	ProposalsCreated = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "prospector",
		Name:      "proposals_created_total",
		Help:      "Proposals created, by source.",
	}, []string{"source"})

	// EventsPublished counts hub publishes that reached at least the registry.
	EventsPublished = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "prospector",
		Name:      "events_published_total",
		Help:      "Events published to the topic hub, by event type.",
	}, []string{"event_type"})

	// EventsDropped counts per-subscriber drops from full queues.
	EventsDropped = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "prospector",
		Name:      "events_dropped_total",
		Help:      "Events dropped because a subscriber queue was full.",
	})

	// ActiveSubscriptions tracks currently open hub subscriptions.
	ActiveSubscriptions = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "prospector",
		Name:      "active_subscriptions",
		Help:      "Currently registered topic hub subscriptions.",
	})

	// SearchTasks counts per-slot search tasks, by outcome.
	SearchTasks = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "prospector",
		Name:      "search_tasks_total",
		Help:      "Per-slot search tasks, by outcome.",
	}, []string{"outcome"})
)
