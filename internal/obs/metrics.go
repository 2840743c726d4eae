// Package obs holds the Prometheus collectors for wfsync binaries.
package obs

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics collects client-side lock traffic. All collectors register on the
// registry passed to New, so each binary decides what it exposes.
type Metrics struct {
	signalWithStartTotal   *prometheus.CounterVec
	signalWithStartSeconds *prometheus.HistogramVec
}

// New builds and registers the collectors.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		signalWithStartTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "wfsync",
			Subsystem: "lock",
			Name:      "signal_with_start_total",
			Help:      "Acquire requests delivered via signal-with-start, by coordinator kind and result.",
		}, []string{"kind", "result"}),
		signalWithStartSeconds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "wfsync",
			Subsystem: "lock",
			Name:      "signal_with_start_seconds",
			Help:      "Latency of signal-with-start deliveries.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"kind"}),
	}
	reg.MustRegister(m.signalWithStartTotal, m.signalWithStartSeconds)
	return m
}

// ObserveSignalWithStart records one delivery attempt. Safe on a nil
// receiver, so metrics stay optional for library users.
func (m *Metrics) ObserveSignalWithStart(kind string, d time.Duration, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.signalWithStartTotal.WithLabelValues(kind, result).Inc()
	m.signalWithStartSeconds.WithLabelValues(kind).Observe(d.Seconds())
}
