// Package metrics holds the prometheus instrumentation for the sync core.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	// EventsApplied counts push/confirmation events that changed local state.
	EventsApplied = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatsync_events_applied_total",
			Help: "Total number of incoming events applied to the timeline.",
		},
		[]string{"event"},
	)

	// DuplicatesDropped counts events ignored as duplicate deliveries.
	DuplicatesDropped = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "chatsync_duplicates_dropped_total",
			Help: "Total number of duplicate event deliveries ignored.",
		},
	)

	// Rollbacks counts optimistic mutations rolled back after API failures.
	Rollbacks = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatsync_rollbacks_total",
			Help: "Total number of optimistic updates rolled back.",
		},
		[]string{"op"},
	)

	// Reconnects counts successful push-channel rejoins.
	Reconnects = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "chatsync_push_reconnects_total",
			Help: "Total number of push channel rejoins after transport loss.",
		},
	)

	// PushConnected is 1 while the push channel is joined, 0 otherwise.
	PushConnected = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "chatsync_push_connected",
			Help: "Whether the push channel is currently joined.",
		},
	)
)

func init() {
	prometheus.MustRegister(
		EventsApplied,
		DuplicatesDropped,
		Rollbacks,
		Reconnects,
		PushConnected,
	)
}
