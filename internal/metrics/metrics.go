// Package metrics holds the engine's Prometheus instruments.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "leasesync"

// Metrics groups every instrument the engine updates. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	cycles            *prometheus.CounterVec
	cycleDuration     prometheus.Histogram
	actions           *prometheus.CounterVec
	driftUnits        prometheus.Gauge
	unknownUnits      prometheus.Gauge
	terminalFailures  prometheus.Counter
	ticketsForwarded  prometheus.Counter
	schedulerState    prometheus.Gauge
	collaboratorCalls *prometheus.CounterVec
}

// New registers the instruments with reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		cycles: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cycles_total",
			Help:      "Reconciliation cycles by result.",
		}, []string{"result"}),
		cycleDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "cycle_duration_seconds",
			Help:      "Wall time of reconciliation cycles.",
			Buckets:   prometheus.ExponentialBuckets(0.25, 2, 10),
		}),
		actions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "actions_total",
			Help:      "Device actions by kind and outcome.",
		}, []string{"action", "outcome"}),
		driftUnits: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "drift_units",
			Help:      "Units whose desired and actual state differed in the last cycle.",
		}),
		unknownUnits: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "unknown_units",
			Help:      "Units whose device state could not be read in the last cycle.",
		}),
		terminalFailures: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "terminal_failures_total",
			Help:      "Actions that exhausted their attempts and were surfaced as alerts.",
		}),
		ticketsForwarded: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tickets_forwarded_total",
			Help:      "Maintenance tickets forwarded to the network side.",
		}),
		schedulerState: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "scheduler_state",
			Help:      "Scheduler state: 0 idle, 1 running, 2 backoff.",
		}),
		collaboratorCalls: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "collaborator_requests_total",
			Help:      "HTTP requests to collaborators by service and result.",
		}, []string{"service", "result"}),
	}
}

func (m *Metrics) CycleFinished(result string, d time.Duration) {
	if m == nil {
		return
	}
	m.cycles.WithLabelValues(result).Inc()
	m.cycleDuration.Observe(d.Seconds())
}

func (m *Metrics) Action(action, outcome string) {
	if m == nil {
		return
	}
	m.actions.WithLabelValues(action, outcome).Inc()
}

// Drift sets the per-cycle drift and unknown gauges.
func (m *Metrics) Drift(drift, unknown int) {
	if m == nil {
		return
	}
	m.driftUnits.Set(float64(drift))
	m.unknownUnits.Set(float64(unknown))
}

func (m *Metrics) TerminalFailure() {
	if m == nil {
		return
	}
	m.terminalFailures.Inc()
}

func (m *Metrics) TicketForwarded() {
	if m == nil {
		return
	}
	m.ticketsForwarded.Inc()
}

func (m *Metrics) SchedulerState(v int) {
	if m == nil {
		return
	}
	m.schedulerState.Set(float64(v))
}

// CollaboratorCall counts one HTTP exchange; result is "ok", "retry" or "error".
func (m *Metrics) CollaboratorCall(service, result string) {
	if m == nil {
		return
	}
	m.collaboratorCalls.WithLabelValues(service, result).Inc()
}
