package metrics

import (
	"errors"
	"net/http"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Package-level Prometheus collectors. They are registered via Register.
var (
	regOK atomic.Bool

	stateEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "procevents",
			Subsystem: "session",
			Name:      "state_events_total",
			Help:      "Lifecycle state-change events received from the engine.",
		}, []string{"state"},
	)
	batchCommands = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "procevents",
			Subsystem: "batch",
			Name:      "commands_total",
			Help:      "Debugger commands executed per trigger and result.",
		}, []string{"trigger", "result"},
	)
	iterations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "procevents",
			Subsystem: "run",
			Name:      "iterations_total",
			Help:      "Completed run iterations by outcome.",
		}, []string{"outcome"},
	)
	launchFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "procevents",
			Subsystem: "run",
			Name:      "launch_failures_total",
			Help:      "Launch attempts the engine could not turn into a process.",
		},
	)
	eventWait = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "procevents",
			Subsystem: "listener",
			Name:      "event_wait_seconds",
			Help:      "Time spent waiting for each lifecycle event.",
			Buckets:   prometheus.DefBuckets,
		},
	)
	stopIndex = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "procevents",
			Subsystem: "session",
			Name:      "stop_index",
			Help:      "Stopped transitions observed in the current iteration.",
		},
	)
)

// Register registers all metrics with the provided registerer.
// It is safe to call multiple times; subsequent calls after success are no-ops.
func Register(r prometheus.Registerer) error {
	if regOK.Load() {
		return nil
	}
	cs := []prometheus.Collector{stateEvents, batchCommands, iterations, launchFailures, eventWait, stopIndex, inferiorRSS, inferiorThreads}
	for _, c := range cs {
		if err := r.Register(c); err != nil {
			// If already registered, ignore (allows double Register with default registry)
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				continue
			}
			return err
		}
	}
	regOK.Store(true)
	return nil
}

// Handler returns an http.Handler that serves Prometheus metrics for the DefaultGatherer.
func Handler() http.Handler { return promhttp.Handler() }

// Below are lightweight helpers used by internal packages to record metrics.
// They no-op if Register hasn't been called.

func IncStateEvent(state string) {
	if regOK.Load() {
		stateEvents.WithLabelValues(state).Inc()
	}
}

func IncBatchCommand(trigger string, ok bool) {
	if regOK.Load() {
		result := "success"
		if !ok {
			result = "failure"
		}
		batchCommands.WithLabelValues(trigger, result).Inc()
	}
}

func IncIteration(outcome string) {
	if regOK.Load() {
		iterations.WithLabelValues(outcome).Inc()
	}
}

func IncLaunchFailure() {
	if regOK.Load() {
		launchFailures.Inc()
	}
}

func ObserveEventWait(seconds float64) {
	if regOK.Load() {
		eventWait.Observe(seconds)
	}
}

func SetStopIndex(n int) {
	if regOK.Load() {
		stopIndex.Set(float64(n))
	}
}
