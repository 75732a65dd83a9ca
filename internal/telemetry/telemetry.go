// Package telemetry registers the process-wide Prometheus instruments.
package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// EventsRecorded counts events accepted by the recorder.
	EventsRecorded = promauto.NewCounter(prometheus.CounterOpts{
		Name: "flagramp_events_recorded_total",
		Help: "Events accepted into the recorder buffer.",
	})

	// EventsDropped counts events discarded when the buffer cap is hit.
	EventsDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "flagramp_events_dropped_total",
		Help: "Events dropped oldest-first after the buffer cap was reached.",
	})

	// FlushFailures counts failed batch writes to the event store.
	FlushFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "flagramp_event_flush_failures_total",
		Help: "Failed event batch flushes (batch re-queued).",
	})

	// BufferSize tracks the current recorder buffer length.
	BufferSize = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "flagramp_event_buffer_size",
		Help: "Events currently buffered in memory.",
	})

	// RolloutTransitions counts rollout state transitions by target state.
	RolloutTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "flagramp_rollout_transitions_total",
		Help: "Rollout state transitions by resulting state.",
	}, []string{"to_state"})

	// RolloutIncrements counts successful percentage increments.
	RolloutIncrements = promauto.NewCounter(prometheus.CounterOpts{
		Name: "flagramp_rollout_increments_total",
		Help: "Successful rollout percentage increments.",
	})
)
