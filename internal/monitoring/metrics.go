package monitoring

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds Prometheus counters and gauges for one imager. A nil
// *Metrics is valid and records nothing.
type Metrics struct {
	registry       *prometheus.Registry
	transitions    *prometheus.CounterVec
	verifications  *prometheus.CounterVec
	registerWrites prometheus.Counter
	bursts         prometheus.Counter
	reconfigs      *prometheus.CounterVec
	safeWindow     prometheus.Gauge
}

// NewMetrics creates and registers the imager metrics on a private registry.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()

	transitions := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "tofseq_state_transitions_total",
		Help: "Imager lifecycle transitions, by target state",
	}, []string{"state"})
	verifications := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "tofseq_verifications_total",
		Help: "Use case verifications, by result",
	}, []string{"status"})
	registerWrites := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "tofseq_register_writes_total",
		Help: "Registers written to the sensor",
	})
	bursts := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "tofseq_register_bursts_total",
		Help: "Burst transfers issued to the sensor",
	})
	reconfigs := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "tofseq_reconfigurations_total",
		Help: "Reconfigurations while capturing, by kind",
	}, []string{"kind"})
	safeWindow := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "tofseq_safe_reconfig_window_milliseconds",
		Help: "Longest delay before a reconfiguration takes effect for the executing use case",
	})

	registry.MustRegister(transitions, verifications, registerWrites, bursts, reconfigs, safeWindow)

	return &Metrics{
		registry:       registry,
		transitions:    transitions,
		verifications:  verifications,
		registerWrites: registerWrites,
		bursts:         bursts,
		reconfigs:      reconfigs,
		safeWindow:     safeWindow,
	}
}

// IncTransition counts a lifecycle transition into state.
func (m *Metrics) IncTransition(state string) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(state).Inc()
}

// IncVerification counts one verification result.
func (m *Metrics) IncVerification(status string) {
	if m == nil {
		return
	}
	m.verifications.WithLabelValues(status).Inc()
}

// AddRegisterWrites counts registers written in bursts transfers.
func (m *Metrics) AddRegisterWrites(registers, bursts int) {
	if m == nil {
		return
	}
	m.registerWrites.Add(float64(registers))
	m.bursts.Add(float64(bursts))
}

// IncReconfig counts one reconfiguration of the given kind.
func (m *Metrics) IncReconfig(kind string) {
	if m == nil {
		return
	}
	m.reconfigs.WithLabelValues(kind).Inc()
}

// SetSafeWindow records the safe reconfiguration window in milliseconds.
func (m *Metrics) SetSafeWindow(ms uint32) {
	if m == nil {
		return
	}
	m.safeWindow.Set(float64(ms))
}

// Registry exposes the underlying registry, mainly for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler returns an http.Handler that serves the metrics.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
