package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Ingestion metrics
	StateEventsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "fleetsignal_state_events_total",
			Help: "Total number of source state events received",
		},
	)

	IncidentsAdmitted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fleetsignal_incidents_admitted_total",
			Help: "Total number of classified, non-duplicate incidents",
		},
		[]string{"code"},
	)

	IncidentsSkipped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fleetsignal_incidents_skipped_total",
			Help: "Total number of state events that produced no incident",
		},
		[]string{"reason"},
	)

	DuplicatesSuppressed = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "fleetsignal_duplicates_suppressed_total",
			Help: "Total number of incidents suppressed as transport repeats",
		},
	)

	DecodeFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "fleetsignal_decode_failures_total",
			Help: "Total number of frames that failed to decode",
		},
	)

	PersistFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "fleetsignal_persist_failures_total",
			Help: "Total number of incident log writes that failed",
		},
	)

	// Aggregation metrics
	FlushesDispatched = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "fleetsignal_flushes_dispatched_total",
			Help: "Total number of consolidated alerts dispatched",
		},
	)

	FlushAborts = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "fleetsignal_flush_aborts_total",
			Help: "Total number of grace timers that fired without a flush",
		},
	)

	VehicleBuffers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "fleetsignal_vehicle_buffers",
			Help: "Number of vehicles with a live aggregation buffer",
		},
	)

	// Dispatch metrics
	ListenerFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fleetsignal_listener_failures_total",
			Help: "Total number of flush listener invocations that failed",
		},
		[]string{"listener"},
	)
)
