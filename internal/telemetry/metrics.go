// Package telemetry holds the Prometheus instrumentation shared by the
// validator and the background workers.
package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics is the gateway's metric registry. All components receive the same
// instance; a nil *Metrics disables instrumentation.
type Metrics struct {
	registry *prometheus.Registry

	scansTotal      *prometheus.CounterVec
	admissionsTotal *prometheus.CounterVec
	unsyncedGauge   *prometheus.GaugeVec

	cycleTotal    *prometheus.CounterVec
	cycleDuration *prometheus.HistogramVec
	pushedTotal   prometheus.Counter
	fetchedTotal  prometheus.Counter
	breakerState  *prometheus.GaugeVec
}

// New creates and registers the full metric set on a private registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),

		scansTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gateguard_scans_total",
			Help: "Barcode scans processed, by gate and result",
		}, []string{"gate", "result"}),

		admissionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gateguard_admissions_total",
			Help: "Successful admissions, by gate",
		}, []string{"gate"}),

		unsyncedGauge: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "gateguard_unsynced_tickets",
			Help: "Tickets with pending local writes, by gate store",
		}, []string{"gate"}),

		cycleTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gateguard_worker_cycles_total",
			Help: "Worker cycles, by worker and outcome",
		}, []string{"worker", "outcome"}),

		cycleDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "gateguard_worker_cycle_seconds",
			Help:    "Worker cycle duration in seconds",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 15, 60},
		}, []string{"worker"}),

		pushedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gateguard_tickets_pushed_total",
			Help: "Tickets accepted by the central service",
		}),

		fetchedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gateguard_manifest_tickets_total",
			Help: "Manifest tickets applied to the local stores",
		}),

		breakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "gateguard_breaker_state",
			Help: "Circuit breaker state (0 closed, 1 half-open, 2 open)",
		}, []string{"endpoint"}),
	}

	m.registry.MustRegister(
		m.scansTotal, m.admissionsTotal, m.unsyncedGauge,
		m.cycleTotal, m.cycleDuration, m.pushedTotal, m.fetchedTotal,
		m.breakerState,
	)
	return m
}

// Registry exposes the underlying registry for the /metrics handler.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// ScanRecorded counts one processed scan.
func (m *Metrics) ScanRecorded(gate, result string) {
	m.scansTotal.WithLabelValues(gate, result).Inc()
}

// AdmissionRecorded counts one successful admission.
func (m *Metrics) AdmissionRecorded(gate string) {
	m.admissionsTotal.WithLabelValues(gate).Inc()
}

// SetUnsynced publishes the pending-write backlog of one store.
func (m *Metrics) SetUnsynced(gate string, n int) {
	m.unsyncedGauge.WithLabelValues(gate).Set(float64(n))
}

// CycleDone records one worker cycle and its duration.
func (m *Metrics) CycleDone(worker, outcome string, seconds float64) {
	m.cycleTotal.WithLabelValues(worker, outcome).Inc()
	m.cycleDuration.WithLabelValues(worker).Observe(seconds)
}

// TicketsPushed counts refs accepted by the central service.
func (m *Metrics) TicketsPushed(n int) {
	m.pushedTotal.Add(float64(n))
}

// ManifestApplied counts manifest tickets applied locally.
func (m *Metrics) ManifestApplied(n int) {
	m.fetchedTotal.Add(float64(n))
}

// BreakerState publishes a circuit breaker state change.
func (m *Metrics) BreakerState(endpoint string, state float64) {
	m.breakerState.WithLabelValues(endpoint).Set(state)
}
