package observability

import (
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

type eventMetrics struct {
	emitted     *prometheus.CounterVec
	journaled   *prometheus.CounterVec
	subscribers prometheus.Gauge
}

var (
	eventMetricsOnce sync.Once
	eventRegistry    *eventMetrics
)

// Events returns the metrics registry tracking ledger event delivery.
func Events() *eventMetrics {
	eventMetricsOnce.Do(func() {
		eventRegistry = &eventMetrics{
			emitted: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "rewards",
				Subsystem: "events",
				Name:      "emitted_total",
				Help:      "Count of ledger events segmented by type.",
			}, []string{"type"}),
			journaled: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "rewards",
				Subsystem: "events",
				Name:      "journal_writes_total",
				Help:      "Journal writes segmented by outcome.",
			}, []string{"outcome"}),
			subscribers: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "rewards",
				Subsystem: "events",
				Name:      "stream_subscribers",
				Help:      "Connected event stream clients.",
			}),
		}
		prometheus.MustRegister(eventRegistry.emitted, eventRegistry.journaled, eventRegistry.subscribers)
	})
	return eventRegistry
}

// RecordEvent increments the counter for the supplied event type.
func (m *eventMetrics) RecordEvent(eventType string) {
	if m == nil {
		return
	}
	normalized := strings.TrimSpace(eventType)
	if normalized == "" {
		normalized = "unknown"
	}
	m.emitted.WithLabelValues(normalized).Inc()
}

// RecordJournalWrite tracks journal persistence outcomes.
func (m *eventMetrics) RecordJournalWrite(ok bool) {
	if m == nil {
		return
	}
	outcome := "success"
	if !ok {
		outcome = "error"
	}
	m.journaled.WithLabelValues(outcome).Inc()
}

// SetSubscribers publishes the number of stream clients.
func (m *eventMetrics) SetSubscribers(n int) {
	if m == nil {
		return
	}
	m.subscribers.Set(float64(n))
}
