package proxy

import (
	"errors"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/die-net/bitproxy/internal/dialer"
)

// Metrics counts sessions per listener. A nil *Metrics records nothing.
type Metrics struct {
	sessionsTotal  *prometheus.CounterVec
	activeSessions *prometheus.GaugeVec
	dialSeconds    *prometheus.HistogramVec
	dialFailures   *prometheus.CounterVec
}

// NewMetrics creates the proxy collectors and registers them on registerer.
func NewMetrics(registerer prometheus.Registerer) *Metrics {
	sessionsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "bitproxy",
			Subsystem: "sessions",
			Name:      "total",
			Help:      "Finished proxy sessions by listener and result.",
		},
		[]string{"listener", "result"},
	)
	registerer.MustRegister(sessionsTotal)

	activeSessions := prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "bitproxy",
			Subsystem: "sessions",
			Name:      "active",
			Help:      "Proxy sessions currently open.",
		},
		[]string{"listener"},
	)
	registerer.MustRegister(activeSessions)

	dialSeconds := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "bitproxy",
			Subsystem: "upstream",
			Name:      "dial_seconds",
			Help:      "Time spent connecting to the origin or upstream proxy.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 4, 8),
		},
		[]string{"listener"},
	)
	registerer.MustRegister(dialSeconds)

	dialFailures := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "bitproxy",
			Subsystem: "upstream",
			Name:      "dial_failures_total",
			Help:      "Failed origin or upstream proxy dials by listener and reason.",
		},
		[]string{"listener", "reason"},
	)
	registerer.MustRegister(dialFailures)

	return &Metrics{
		sessionsTotal:  sessionsTotal,
		activeSessions: activeSessions,
		dialSeconds:    dialSeconds,
		dialFailures:   dialFailures,
	}
}

func (m *Metrics) sessionStarted(listener string) {
	if m == nil {
		return
	}
	m.activeSessions.WithLabelValues(listener).Inc()
}

func (m *Metrics) sessionFinished(listener string, err error) {
	if m == nil {
		return
	}
	m.activeSessions.WithLabelValues(listener).Dec()
	m.sessionsTotal.WithLabelValues(listener, resultLabel(err)).Inc()
}

func (m *Metrics) observeDial(listener string, seconds float64) {
	if m == nil {
		return
	}
	m.dialSeconds.WithLabelValues(listener).Observe(seconds)
}

func (m *Metrics) dialFailed(listener string, reason dialer.Reason) {
	if m == nil {
		return
	}
	m.dialFailures.WithLabelValues(listener, reason.String()).Inc()
}

func resultLabel(err error) string {
	if err == nil {
		return "ok"
	}
	if errors.Is(err, errClientGone) {
		return "client_gone"
	}
	var se *statusError
	if errors.As(err, &se) {
		switch se.code {
		case http.StatusBadRequest, http.StatusRequestHeaderFieldsTooLarge:
			return "bad_request"
		case http.StatusProxyAuthRequired:
			return "auth_failed"
		case http.StatusBadGateway:
			return "upstream_error"
		case http.StatusGatewayTimeout:
			return "upstream_timeout"
		}
	}
	if errors.Is(err, errIdle) {
		return "idle_timeout"
	}
	return "error"
}
