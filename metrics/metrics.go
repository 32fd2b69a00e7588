// Package metrics exposes Prometheus collectors for the synchronization
// engine. A nil *Metrics is valid and records nothing, so components can be
// used without a registry.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "fhemsync"

// Metrics contains the engine's collectors.
type Metrics struct {
	SnapshotCycles   *prometheus.CounterVec
	SnapshotDuration prometheus.Histogram
	Publishes        *prometheus.CounterVec
	StreamMessages   prometheus.Counter
	StreamLines      *prometheus.CounterVec
	StreamReconnects prometheus.Counter
	StreamConnected  prometheus.Gauge
	Online           prometheus.Gauge
	Commands         *prometheus.CounterVec
}

// New creates the collectors and registers them on reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		SnapshotCycles: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "snapshot",
			Name:      "cycles_total",
			Help:      "Snapshot cycles by result (ok, failed, skipped)",
		}, []string{"result"}),
		SnapshotDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "snapshot",
			Name:      "duration_seconds",
			Help:      "Duration of successful snapshot cycles",
			Buckets:   prometheus.DefBuckets,
		}),
		Publishes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "publishes_total",
			Help:      "Parameter publishes by source (snapshot, stream)",
		}, []string{"source"}),
		StreamMessages: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "stream",
			Name:      "messages_total",
			Help:      "Stream message batches received",
		}),
		StreamLines: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "stream",
			Name:      "lines_total",
			Help:      "Stream lines by outcome (applied, ignored, malformed)",
		}, []string{"outcome"}),
		StreamReconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "stream",
			Name:      "reconnects_total",
			Help:      "Scheduled stream reconnects",
		}),
		StreamConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "stream",
			Name:      "connected",
			Help:      "1 while a stream connection is open",
		}),
		Online: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "online",
			Help:      "Connectivity state (0=offline, 1=online, 2=degraded)",
		}),
		Commands: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "commands_total",
			Help:      "Submitted commands by result",
		}, []string{"result"}),
	}
	if reg != nil {
		reg.MustRegister(
			m.SnapshotCycles, m.SnapshotDuration, m.Publishes,
			m.StreamMessages, m.StreamLines, m.StreamReconnects, m.StreamConnected,
			m.Online, m.Commands,
		)
	}
	return m
}

func (m *Metrics) SnapshotDone(result string, d time.Duration) {
	if m == nil {
		return
	}
	m.SnapshotCycles.WithLabelValues(result).Inc()
	if result == "ok" {
		m.SnapshotDuration.Observe(d.Seconds())
	}
}

func (m *Metrics) Published(source string) {
	if m == nil {
		return
	}
	m.Publishes.WithLabelValues(source).Inc()
}

func (m *Metrics) StreamMessage() {
	if m == nil {
		return
	}
	m.StreamMessages.Inc()
}

func (m *Metrics) StreamLine(outcome string) {
	if m == nil {
		return
	}
	m.StreamLines.WithLabelValues(outcome).Inc()
}

func (m *Metrics) Reconnect() {
	if m == nil {
		return
	}
	m.StreamReconnects.Inc()
}

func (m *Metrics) SetStreamConnected(up bool) {
	if m == nil {
		return
	}
	if up {
		m.StreamConnected.Set(1)
	} else {
		m.StreamConnected.Set(0)
	}
}

func (m *Metrics) SetOnline(state float64) {
	if m == nil {
		return
	}
	m.Online.Set(state)
}

func (m *Metrics) Command(result string) {
	if m == nil {
		return
	}
	m.Commands.WithLabelValues(result).Inc()
}
