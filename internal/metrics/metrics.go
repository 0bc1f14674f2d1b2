// Package metrics holds the Prometheus collectors for the turn server.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "moonshot"

// Metrics is the set of server collectors. A nil *Metrics is valid and
// records nothing, so components can run without a registry in tests.
type Metrics struct {
	connections     prometheus.Gauge
	disconnects     *prometheus.CounterVec
	actions         *prometheus.CounterVec
	actionsDropped  *prometheus.CounterVec
	turns           prometheus.Counter
	turnsElided     prometheus.Counter
	turnActions     prometheus.Histogram
	turnBytes       prometheus.Histogram
	tickDuration    prometheus.Histogram
	spectators      prometheus.Gauge
	journalFailures prometheus.Counter
}

// New registers the collectors with reg. A nil reg uses the default registerer.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Metrics{
		connections: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connections",
			Help:      "Number of player connections currently held",
		}),
		disconnects: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "disconnects_total",
			Help:      "Player connections removed, by reason",
		}, []string{"reason"}),
		actions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "actions_total",
			Help:      "Player actions accepted into a turn, by action type",
		}, []string{"action"}),
		actionsDropped: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "actions_dropped_total",
			Help:      "Player actions dropped before aggregation, by reason",
		}, []string{"reason"}),
		turns: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "turns_total",
			Help:      "Server turns broadcast to players",
		}),
		turnsElided: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "turns_elided_total",
			Help:      "Empty turns that were not broadcast",
		}),
		turnActions: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "turn_actions",
			Help:      "Number of actions per broadcast turn",
			Buckets:   []float64{0, 1, 2, 4, 8, 16, 32, 64},
		}),
		turnBytes: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "turn_bytes",
			Help:      "Encoded size of broadcast turns in bytes",
			Buckets:   prometheus.ExponentialBuckets(8, 4, 7),
		}),
		tickDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "tick_duration_seconds",
			Help:      "Time spent in one server tick pipeline",
			Buckets:   prometheus.ExponentialBuckets(0.00005, 2, 12),
		}),
		spectators: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "spectators",
			Help:      "Number of connected spectators",
		}),
		journalFailures: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "journal_failures_total",
			Help:      "Turns that could not be written to the journal",
		}),
	}
}

func (m *Metrics) SetConnections(n int) {
	if m == nil {
		return
	}
	m.connections.Set(float64(n))
}

func (m *Metrics) Disconnected(reason string) {
	if m == nil {
		return
	}
	m.disconnects.WithLabelValues(reason).Inc()
}

func (m *Metrics) ActionAccepted(action string) {
	if m == nil {
		return
	}
	m.actions.WithLabelValues(action).Inc()
}

func (m *Metrics) ActionDropped(reason string) {
	if m == nil {
		return
	}
	m.actionsDropped.WithLabelValues(reason).Inc()
}

// TurnSent records one broadcast turn.
func (m *Metrics) TurnSent(actions, bytes int) {
	if m == nil {
		return
	}
	m.turns.Inc()
	m.turnActions.Observe(float64(actions))
	m.turnBytes.Observe(float64(bytes))
}

func (m *Metrics) TurnElided() {
	if m == nil {
		return
	}
	m.turnsElided.Inc()
}

func (m *Metrics) ObserveTick(seconds float64) {
	if m == nil {
		return
	}
	m.tickDuration.Observe(seconds)
}

func (m *Metrics) SetSpectators(n int) {
	if m == nil {
		return
	}
	m.spectators.Set(float64(n))
}

func (m *Metrics) JournalFailed() {
	if m == nil {
		return
	}
	m.journalFailures.Inc()
}
