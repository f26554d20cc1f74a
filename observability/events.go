package observability

import (
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"assetescrow/core/events"
)

type eventMetrics struct {
	emitted *prometheus.CounterVec
}

var (
	eventMetricsOnce sync.Once
	eventRegistry    *eventMetrics
)

// Events returns the metrics registry tracking escrow audit events.
func Events() *eventMetrics {
	eventMetricsOnce.Do(func() {
		eventRegistry = newEventMetrics(prometheus.DefaultRegisterer)
	})
	return eventRegistry
}

func newEventMetrics(reg prometheus.Registerer) *eventMetrics {
	m := &eventMetrics{
		emitted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "escrow",
			Subsystem: "events",
			Name:      "emitted_total",
			Help:      "Count of committed escrow events segmented by type.",
		}, []string{"type"}),
	}
	reg.MustRegister(m.emitted)
	return m
}

// Record increments the counter for the supplied event type.
func (m *eventMetrics) Record(eventType string) {
	if m == nil {
		return
	}
	normalized := strings.TrimSpace(eventType)
	if normalized == "" {
		normalized = "unknown"
	}
	m.emitted.WithLabelValues(normalized).Inc()
}

// Emit implements events.Emitter so the registry can sit in an emitter fanout.
func (m *eventMetrics) Emit(evt events.Event) {
	if evt == nil {
		return
	}
	m.Record(evt.EventType())
}
