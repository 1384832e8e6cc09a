// Package metrics exposes acquisition counters and gauges to Prometheus.
// The Metrics type doubles as a recorder sink so the acquisition loop feeds
// it the same way it feeds the CSV file and the live ring.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/transport-lab/nanodaq/session"
)

// Metrics holds the instrument acquisition metric set.
type Metrics struct {
	SamplesTotal prometheus.Counter
	InvalidTotal prometheus.Counter
	SoftErrors   prometheus.Counter
	Faults       prometheus.Counter
	LastValue    prometheus.Gauge
	SessionState prometheus.Gauge
}

// New builds the metric set and registers it with reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		SamplesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "nanodaq_samples_total",
			Help: "Samples produced by the acquisition loop, valid or not.",
		}),
		InvalidTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "nanodaq_samples_invalid_total",
			Help: "Samples declared invalid after exhausting read retries.",
		}),
		SoftErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "nanodaq_soft_errors_total",
			Help: "Read attempts that failed softly (timeout or malformed bytes).",
		}),
		Faults: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "nanodaq_session_faults_total",
			Help: "Hard session faults (instrument unresponsive).",
		}),
		LastValue: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "nanodaq_last_reading",
			Help: "Most recent valid reading, instrument-native units.",
		}),
		SessionState: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "nanodaq_session_state",
			Help: "Session lifecycle state as its enum value.",
		}),
	}
	reg.MustRegister(m.SamplesTotal, m.InvalidTotal, m.SoftErrors, m.Faults,
		m.LastValue, m.SessionState)
	return m
}

// Record implements recorder.Sink.
func (m *Metrics) Record(s session.Sample) error {
	m.SamplesTotal.Inc()
	if s.Valid {
		m.LastValue.Set(s.Value)
	} else {
		m.InvalidTotal.Inc()
	}
	return nil
}

// Close implements recorder.Sink.
func (m *Metrics) Close() error { return nil }

// SoftError counts one soft read failure.
func (m *Metrics) SoftError(error) { m.SoftErrors.Inc() }

// Fault counts one hard session fault.
func (m *Metrics) Fault(error) { m.Faults.Inc() }

// ObserveState publishes the session state.
func (m *Metrics) ObserveState(st session.State) {
	m.SessionState.Set(float64(st))
}
