// Package metrics exposes Prometheus collectors reporting chat service and
// stream manager activity.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics bundles the collectors registered for one agentd process.
type Metrics struct {
	executionsActive  prometheus.Gauge
	executionsTotal   *prometheus.CounterVec
	eventsPublished   *prometheus.CounterVec
	eventsDropped     prometheus.Counter
	subscribersActive prometheus.Gauge
}

var (
	sharedOnce    sync.Once
	sharedMetrics *Metrics
)

// Default returns the package-level metrics instance registered with the
// global Prometheus registry. Collectors are created only once to avoid
// duplicate registration panics when components are instantiated multiple
// times (e.g. in tests).
func Default() *Metrics {
	sharedOnce.Do(func() {
		sharedMetrics = MustNew(prometheus.DefaultRegisterer)
	})
	return sharedMetrics
}

// MustNew constructs a Metrics instance using the provided registerer.
// Callers that need unique metric names (tests) should supply a fresh
// registry. Registration errors other than AlreadyRegistered panic, which
// mirrors promauto semantics and surfaces configuration bugs early.
func MustNew(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	executionsActive := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "agentd",
		Subsystem: "chat",
		Name:      "executions_active",
		Help:      "Number of engine executions currently running.",
	})
	executionsTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "agentd",
		Subsystem: "chat",
		Name:      "executions_total",
		Help:      "Total engine executions by engine and terminal status.",
	}, []string{"engine", "status"})
	eventsPublished := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "agentd",
		Subsystem: "stream",
		Name:      "events_published_total",
		Help:      "Total realtime events published, by event type.",
	}, []string{"type"})
	eventsDropped := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "agentd",
		Subsystem: "stream",
		Name:      "events_dropped_total",
		Help:      "Events dropped because a subscriber buffer was full.",
	})
	subscribersActive := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "agentd",
		Subsystem: "stream",
		Name:      "subscribers_active",
		Help:      "Number of live stream subscribers across all sessions.",
	})

	m := &Metrics{
		executionsActive:  executionsActive,
		executionsTotal:   executionsTotal,
		eventsPublished:   eventsPublished,
		eventsDropped:     eventsDropped,
		subscribersActive: subscribersActive,
	}

	for _, collector := range []prometheus.Collector{
		executionsActive, executionsTotal, eventsPublished, eventsDropped, subscribersActive,
	} {
		if err := reg.Register(collector); err != nil {
			if already, ok := err.(prometheus.AlreadyRegisteredError); ok {
				switch collector {
				case executionsActive:
					m.executionsActive = already.ExistingCollector.(prometheus.Gauge)
				case executionsTotal:
					m.executionsTotal = already.ExistingCollector.(*prometheus.CounterVec)
				case eventsPublished:
					m.eventsPublished = already.ExistingCollector.(*prometheus.CounterVec)
				case eventsDropped:
					m.eventsDropped = already.ExistingCollector.(prometheus.Counter)
				case subscribersActive:
					m.subscribersActive = already.ExistingCollector.(prometheus.Gauge)
				}
				continue
			}
			panic(err)
		}
	}

	return m
}

// ExecutionStarted records an execution entering the running registry.
func (m *Metrics) ExecutionStarted() {
	if m == nil {
		return
	}
	m.executionsActive.Inc()
}

// ExecutionFinished records an execution leaving the registry with a
// terminal status.
func (m *Metrics) ExecutionFinished(engine, status string) {
	if m == nil {
		return
	}
	m.executionsActive.Dec()
	m.executionsTotal.WithLabelValues(engine, status).Inc()
}

// EventPublished counts one published realtime event.
func (m *Metrics) EventPublished(eventType string) {
	if m == nil {
		return
	}
	m.eventsPublished.WithLabelValues(eventType).Inc()
}

// EventDropped counts an event dropped on a saturated subscriber.
func (m *Metrics) EventDropped() {
	if m == nil {
		return
	}
	m.eventsDropped.Inc()
}

// SubscriberAdded tracks a new stream subscriber.
func (m *Metrics) SubscriberAdded() {
	if m == nil {
		return
	}
	m.subscribersActive.Inc()
}

// SubscriberRemoved tracks a departed stream subscriber.
func (m *Metrics) SubscriberRemoved() {
	if m == nil {
		return
	}
	m.subscribersActive.Dec()
}
