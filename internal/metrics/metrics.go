// Package metrics provides Prometheus telemetry for the store, the sync
// engine and the evaluation engine.
//
// Every method is safe on a nil *Collector, so components can take an
// optional collector without guarding each call.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector owns a private registry and the engine's collectors.
type Collector struct {
	registry *prometheus.Registry

	storeOps *prometheus.CounterVec

	syncCycles   *prometheus.CounterVec
	syncDuration prometheus.Histogram
	syncItems    *prometheus.CounterVec
	syncRetries  *prometheus.CounterVec
	syncDeferred prometheus.Counter
	syncState    *prometheus.GaugeVec

	evalCache    *prometheus.CounterVec
	evalDuration *prometheus.HistogramVec
	compiles     *prometheus.CounterVec
}

// NewCollector creates a collector under the given namespace.
func NewCollector(namespace string) *Collector {
	if namespace == "" {
		namespace = "fhirengine"
	}

	c := &Collector{registry: prometheus.NewRegistry()}

	c.storeOps = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "store",
			Name:      "ops_total",
			Help:      "Resource store operations by operation and result.",
		},
		[]string{"op", "result"},
	)

	c.syncCycles = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sync",
			Name:      "cycles_total",
			Help:      "Completed synchronization cycles by result.",
		},
		[]string{"result"},
	)
	c.syncDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "sync",
			Name:      "cycle_duration_seconds",
			Help:      "Duration of synchronization cycles.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12),
		},
	)
	c.syncItems = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sync",
			Name:      "items_total",
			Help:      "Resources moved by direction (upload, download).",
		},
		[]string{"direction"},
	)
	c.syncRetries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sync",
			Name:      "retries_total",
			Help:      "Transport retries after transient failures, by phase.",
		},
		[]string{"phase"},
	)
	c.syncDeferred = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sync",
			Name:      "deferred_total",
			Help:      "Remote versions deferred because of pending local changes.",
		},
	)
	c.syncState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "sync",
			Name:      "state",
			Help:      "1 for the current sync state, 0 otherwise.",
		},
		[]string{"state"},
	)

	c.evalCache = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "eval",
			Name:      "cache_total",
			Help:      "Compiled expression cache lookups by result (hit, miss, stale).",
		},
		[]string{"result"},
	)
	c.evalDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "eval",
			Name:      "duration_seconds",
			Help:      "Duration of library evaluations.",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 14),
		},
		[]string{"result"},
	)
	c.compiles = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "eval",
			Name:      "compilations_total",
			Help:      "Library compilations by result.",
		},
		[]string{"result"},
	)

	c.registry.MustRegister(
		c.storeOps,
		c.syncCycles,
		c.syncDuration,
		c.syncItems,
		c.syncRetries,
		c.syncDeferred,
		c.syncState,
		c.evalCache,
		c.evalDuration,
		c.compiles,
	)
	return c
}

// Registry returns the collector's private registry.
func (c *Collector) Registry() *prometheus.Registry {
	if c == nil {
		return nil
	}
	return c.registry
}

// Handler exposes the registry for scraping.
func (c *Collector) Handler() http.Handler {
	if c == nil {
		return promhttp.HandlerFor(prometheus.NewRegistry(), promhttp.HandlerOpts{})
	}
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

func result(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

// RecordStoreOp counts one store operation.
func (c *Collector) RecordStoreOp(op string, err error) {
	if c == nil {
		return
	}
	c.storeOps.WithLabelValues(op, result(err)).Inc()
}

// RecordSyncCycle counts a finished cycle and its duration.
func (c *Collector) RecordSyncCycle(outcome string, d time.Duration) {
	if c == nil {
		return
	}
	c.syncCycles.WithLabelValues(outcome).Inc()
	c.syncDuration.Observe(d.Seconds())
}

// RecordSyncItems counts resources moved in one direction.
func (c *Collector) RecordSyncItems(direction string, n int) {
	if c == nil || n <= 0 {
		return
	}
	c.syncItems.WithLabelValues(direction).Add(float64(n))
}

// RecordSyncRetry counts one retry in a phase.
func (c *Collector) RecordSyncRetry(phase string) {
	if c == nil {
		return
	}
	c.syncRetries.WithLabelValues(phase).Inc()
}

// RecordDeferred counts deferred remote versions.
func (c *Collector) RecordDeferred(n int) {
	if c == nil || n <= 0 {
		return
	}
	c.syncDeferred.Add(float64(n))
}

// SetSyncState marks state as current and clears the previous one.
func (c *Collector) SetSyncState(prev, next string) {
	if c == nil {
		return
	}
	if prev != "" {
		c.syncState.WithLabelValues(prev).Set(0)
	}
	c.syncState.WithLabelValues(next).Set(1)
}

// RecordCacheLookup counts a compiled-expression cache lookup.
func (c *Collector) RecordCacheLookup(outcome string) {
	if c == nil {
		return
	}
	c.evalCache.WithLabelValues(outcome).Inc()
}

// RecordCompile counts a library compilation.
func (c *Collector) RecordCompile(err error) {
	if c == nil {
		return
	}
	c.compiles.WithLabelValues(result(err)).Inc()
}

// RecordEvaluation observes one evaluate call.
func (c *Collector) RecordEvaluation(d time.Duration, err error) {
	if c == nil {
		return
	}
	c.evalDuration.WithLabelValues(result(err)).Observe(d.Seconds())
}
