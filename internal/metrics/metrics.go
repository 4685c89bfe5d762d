// Package metrics exposes Prometheus collectors for decision ingestion and
// transport health.
//
// A nil *Metrics is valid and records nothing, so components can be used
// without a registry (tests, --json mode).
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "agentwatch_viewer"

// Metrics holds the viewer's collectors.
type Metrics struct {
	// DecisionsTotal counts ingested records by source and outcome
	// (new, duplicate, dropped).
	DecisionsTotal *prometheus.CounterVec

	// Buffered is the current decision buffer size.
	Buffered prometheus.Gauge

	// PushConnected is 1 while the push channel is connected.
	PushConnected prometheus.Gauge

	// ReconnectsTotal counts push channel connection attempts after a drop.
	ReconnectsTotal prometheus.Counter

	// FramesTotal counts push frames by outcome (ok, malformed, unknown).
	FramesTotal *prometheus.CounterVec

	// PollsTotal counts poll rounds by endpoint and status.
	PollsTotal *prometheus.CounterVec

	// DiscardedTotal counts results dropped because their task was cancelled.
	DiscardedTotal *prometheus.CounterVec

	registry *prometheus.Registry
}

// New creates and registers the collectors on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := NewWith(reg)
	m.registry = reg
	return m
}

// NewWith registers the collectors on reg.
func NewWith(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		DecisionsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "decisions",
			Name:      "ingested_total",
			Help:      "Decision records seen by source and outcome",
		}, []string{"source", "outcome"}),
		Buffered: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "decisions",
			Name:      "buffered",
			Help:      "Decisions currently held in the feed buffer",
		}),
		PushConnected: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "push",
			Name:      "connected",
			Help:      "1 while the push channel is connected",
		}),
		ReconnectsTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "push",
			Name:      "reconnects_total",
			Help:      "Push channel reconnect attempts",
		}),
		FramesTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "push",
			Name:      "frames_total",
			Help:      "Push frames received by outcome",
		}, []string{"outcome"}),
		PollsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "poll",
			Name:      "requests_total",
			Help:      "Poll requests by endpoint and status",
		}, []string{"endpoint", "status"}),
		DiscardedTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "tasks",
			Name:      "discarded_total",
			Help:      "Results discarded after their task was cancelled",
		}, []string{"task"}),
	}
}

// Handler serves the registry created by New. It returns nil for metrics
// created with NewWith.
func (m *Metrics) Handler() http.Handler {
	if m == nil || m.registry == nil {
		return nil
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ObserveIngest records one ingestion call.
func (m *Metrics) ObserveIngest(source string, added, duplicates, dropped int) {
	if m == nil {
		return
	}
	m.DecisionsTotal.WithLabelValues(source, "new").Add(float64(added))
	m.DecisionsTotal.WithLabelValues(source, "duplicate").Add(float64(duplicates))
	m.DecisionsTotal.WithLabelValues(source, "dropped").Add(float64(dropped))
}

// SetBuffered records the buffer size.
func (m *Metrics) SetBuffered(n int) {
	if m == nil {
		return
	}
	m.Buffered.Set(float64(n))
}

// SetConnected records the push channel state.
func (m *Metrics) SetConnected(connected bool) {
	if m == nil {
		return
	}
	v := 0.0
	if connected {
		v = 1
	}
	m.PushConnected.Set(v)
}

// Reconnect records a reconnect attempt.
func (m *Metrics) Reconnect() {
	if m == nil {
		return
	}
	m.ReconnectsTotal.Inc()
}

// Frame records a received push frame.
func (m *Metrics) Frame(outcome string) {
	if m == nil {
		return
	}
	m.FramesTotal.WithLabelValues(outcome).Inc()
}

// Poll records one poll request.
func (m *Metrics) Poll(endpoint string, err error) {
	if m == nil {
		return
	}
	status := "ok"
	if err != nil {
		status = "error"
	}
	m.PollsTotal.WithLabelValues(endpoint, status).Inc()
}

// Discarded records a result dropped after cancellation.
func (m *Metrics) Discarded(task string) {
	if m == nil {
		return
	}
	m.DiscardedTotal.WithLabelValues(task).Inc()
}
