// Package metrics defines the Prometheus collectors for token refresh and device handshakes.
//
// All methods are safe on a nil *Metrics so components can run without instrumentation.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "cloudauth"

// Refresh outcomes.
const (
	RefreshOK            = "ok"
	RefreshTransport     = "transport_error"
	RefreshMissingTokens = "missing_tokens"
	RefreshStale         = "stale"
)

// Handshake outcomes.
const (
	HandshakeOK            = "ok"
	HandshakeDesync        = "protocol_desync"
	HandshakeCommunication = "communication_error"
	HandshakeKeyExchange   = "key_exchange_error"
	HandshakeRemote        = "remote_error"
	HandshakeCanceled      = "canceled"
)

// Metrics groups the collectors. Construct with New.
type Metrics struct {
	refreshTotal      *prometheus.CounterVec
	refreshDuration   prometheus.Histogram
	workerRestarts    prometheus.Counter
	accessExpiry      prometheus.Gauge
	handshakeTotal    *prometheus.CounterVec
	handshakeDuration *prometheus.HistogramVec
}

// New creates the collectors and registers them with reg.
// A nil reg leaves them unregistered (useful in tests).
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)

	return &Metrics{
		refreshTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "refresher",
			Name:      "refresh_total",
			Help:      "Refresh exchanges by outcome.",
		}, []string{"outcome"}),
		refreshDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "refresher",
			Name:      "refresh_duration_seconds",
			Help:      "Latency of refresh exchanges with the auth server.",
			Buckets:   prometheus.DefBuckets,
		}),
		workerRestarts: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "refresher",
			Name:      "worker_restarts_total",
			Help:      "Times the refresher worker was restarted after a panic.",
		}),
		accessExpiry: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "refresher",
			Name:      "access_token_expiry_timestamp_seconds",
			Help:      "Expiry of the cached access token (0 when none is held).",
		}),
		handshakeTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "devices",
			Name:      "handshake_total",
			Help:      "Device PAKE handshakes by flow and outcome.",
		}, []string{"flow", "outcome"}),
		handshakeDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "devices",
			Name:      "handshake_duration_seconds",
			Help:      "Duration of device PAKE handshakes.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"flow"}),
	}
}

// ObserveRefresh records one refresh exchange.
func (m *Metrics) ObserveRefresh(outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.refreshTotal.WithLabelValues(outcome).Inc()
	if d > 0 {
		m.refreshDuration.Observe(d.Seconds())
	}
}

// WorkerRestarted counts a supervised worker restart.
func (m *Metrics) WorkerRestarted() {
	if m == nil {
		return
	}
	m.workerRestarts.Inc()
}

// SetAccessExpiry publishes the expiry of the held access token; zero clears it.
func (m *Metrics) SetAccessExpiry(exp time.Time) {
	if m == nil {
		return
	}
	if exp.IsZero() {
		m.accessExpiry.Set(0)
		return
	}
	m.accessExpiry.Set(float64(exp.Unix()))
}

// ObserveHandshake records one handshake attempt.
func (m *Metrics) ObserveHandshake(flow, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.handshakeTotal.WithLabelValues(flow, outcome).Inc()
	m.handshakeDuration.WithLabelValues(flow).Observe(d.Seconds())
}
