// Package metrics exposes Prometheus counters for dispatch outcomes,
// per-provider calls and open sockets.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "avacore"

// Metrics owns its own registry so tests can build as many as they like
// without tripping duplicate-registration panics on the global one.
//
// All Record methods are safe on a nil *Metrics, which lets callers treat
// metrics as optional.
type Metrics struct {
	registry *prometheus.Registry

	dispatchTotal    *prometheus.CounterVec
	providerRequests *prometheus.CounterVec
	providerDuration *prometheus.HistogramVec
	wsConnections    prometheus.Gauge
}

// New creates a Metrics with Go runtime and process collectors attached.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,

		dispatchTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "dispatch_total",
				Help:      "Chat dispatches by outcome and error kind",
			},
			[]string{"outcome", "kind"},
		),

		providerRequests: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "provider_requests_total",
				Help:      "Outbound provider calls by provider and outcome",
			},
			[]string{"provider", "outcome"},
		),

		providerDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "provider_request_duration_seconds",
				Help:      "Outbound provider call latency",
				Buckets:   []float64{0.25, 0.5, 1, 2.5, 5, 10, 20, 30, 60},
			},
			[]string{"provider"},
		),

		wsConnections: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "ws_connections",
				Help:      "Open WebSocket connections",
			},
		),
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry (tests gather from it).
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// RecordDispatch counts one finished dispatch. kind is empty on success.
func (m *Metrics) RecordDispatch(success bool, kind string) {
	if m == nil {
		return
	}
	outcome := "success"
	if !success {
		outcome = "failure"
	}
	m.dispatchTotal.WithLabelValues(outcome, kind).Inc()
}

// RecordProviderCall counts one outbound call and its latency. outcome is
// "success" or the error kind.
func (m *Metrics) RecordProviderCall(provider, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.providerRequests.WithLabelValues(provider, outcome).Inc()
	m.providerDuration.WithLabelValues(provider).Observe(d.Seconds())
}

// SocketOpened increments the open-socket gauge.
func (m *Metrics) SocketOpened() {
	if m == nil {
		return
	}
	m.wsConnections.Inc()
}

// SocketClosed decrements the open-socket gauge.
func (m *Metrics) SocketClosed() {
	if m == nil {
		return
	}
	m.wsConnections.Dec()
}
