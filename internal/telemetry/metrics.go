// Package telemetry holds the service's prometheus metrics and tracing setup.
package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "wa_scheduler"

var (
	// SessionsResident is the number of sessions held in memory.
	SessionsResident = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "sessions_resident",
		Help:      "Sessions currently held in memory.",
	})

	// SessionsActive is the number of resident sessions seen within the
	// report window.
	SessionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "sessions_active",
		Help:      "Resident sessions with a recent heartbeat.",
	})

	SessionEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "session_events_total",
		Help:      "Messaging client events applied to sessions, by kind.",
	}, []string{"kind"})

	SessionInitFailures = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "session_init_failures_total",
		Help:      "Session initializations that gave up.",
	})

	SessionEvictions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "session_evictions_total",
		Help:      "Sessions removed by the cleanup sweep, by outcome.",
	}, []string{"outcome"})

	PersistFailures = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "session_persist_failures_total",
		Help:      "Best-effort session state writes that failed.",
	})

	DispatchResults = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "dispatch_results_total",
		Help:      "Per-recipient send outcomes.",
	}, []string{"status"})

	ImageCacheLookups = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "image_cache_lookups_total",
		Help:      "Image cache lookups, by result.",
	}, []string{"result"})

	JobFirings = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "job_firings_total",
		Help:      "Scheduled job firings, by resulting status.",
	}, []string{"status"})

	JobsArmed = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "jobs_armed",
		Help:      "Scheduled jobs with an armed trigger.",
	})

	HeapInUseBytes = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "heap_inuse_bytes",
		Help:      "Heap in use at the last monitor sample.",
	})
)
