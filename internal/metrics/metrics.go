// Package metrics registers the gateway's prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Request metrics
	RequestsStarted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cortex_requests_started_total",
			Help: "Total number of pathway requests started",
		},
		[]string{"pathway"},
	)

	RequestsCompleted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cortex_requests_completed_total",
			Help: "Total number of pathway requests completed",
		},
		[]string{"pathway", "status"},
	)

	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "cortex_request_duration_seconds",
			Help:    "Pathway resolution duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"pathway"},
	)

	// Dispatch metrics
	DispatchesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cortex_dispatches_total",
			Help: "Total number of prompt dispatches to model plugins",
		},
		[]string{"model", "mode"},
	)

	DispatchTokens = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "cortex_dispatch_tokens",
			Help:    "Input tokens per dispatch",
			Buckets: []float64{10, 50, 100, 500, 1000, 5000, 10000, 50000},
		},
	)

	// Bus metrics
	BusEventsPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cortex_bus_events_published_total",
			Help: "Total number of events published on the bus",
		},
		[]string{"topic"},
	)

	BusEventsDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cortex_bus_events_dropped_total",
			Help: "Events dropped because a subscriber was slow",
		},
		[]string{"topic"},
	)

	// Client-tool callback metrics
	CallbacksPending = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "cortex_callbacks_pending",
			Help: "Client-tool callbacks currently awaiting resolution",
		},
	)

	CallbacksExpired = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "cortex_callbacks_expired_total",
			Help: "Client-tool callbacks rejected by the watchdog sweep",
		},
	)

	// Dynamic pathway store metrics
	StoreOperations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cortex_store_operations_total",
			Help: "Dynamic pathway store operations",
		},
		[]string{"operation", "status"},
	)
)
