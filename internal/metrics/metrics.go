package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Collector holds all Prometheus metrics for pgtermd. New creates an
// isolated registry each time, so repeated construction (tests, config
// reload) never panics on duplicate registration.
type Collector struct {
	Registry *prometheus.Registry

	connectionsActive *prometheus.GaugeVec
	connectionsTotal  *prometheus.CounterVec
	handshakeDuration *prometheus.HistogramVec
	relayBytesTotal   *prometheus.CounterVec
	acceptErrorsTotal *prometheus.CounterVec
}

// New creates and registers all Prometheus metrics on an independent
// registry — never the global default one.
func New() *Collector {
	reg := prometheus.NewRegistry()

	c := &Collector{
		Registry: reg,
		connectionsActive: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "pgtermd_connections_active",
				Help: "Number of connections currently being relayed, per route",
			},
			[]string{"route"},
		),
		connectionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pgtermd_connections_total",
				Help: "Total connections handled per route, labeled by terminal outcome",
			},
			[]string{"route", "outcome"},
		),
		handshakeDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "pgtermd_tls_handshake_duration_seconds",
				Help:    "Duration of the server-side TLS handshake",
				Buckets: prometheus.ExponentialBuckets(0.001, 2, 14),
			},
			[]string{"route"},
		),
		relayBytesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pgtermd_relay_bytes_total",
				Help: "Bytes relayed per route and direction",
			},
			[]string{"route", "direction"},
		),
		acceptErrorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pgtermd_accept_errors_total",
				Help: "Accept-loop errors per route, labeled by kind",
			},
			[]string{"route", "kind"},
		),
	}

	reg.MustRegister(
		c.connectionsActive,
		c.connectionsTotal,
		c.handshakeDuration,
		c.relayBytesTotal,
		c.acceptErrorsTotal,
	)

	return c
}

// ConnectionOpened marks a connection as entering the Relaying state.
func (c *Collector) ConnectionOpened(route string) {
	c.connectionsActive.WithLabelValues(route).Inc()
}

// ConnectionClosed marks a connection as having left the Relaying state with
// the given terminal outcome (ok, tls_failed, upstream_unreachable,
// relay_error, rejected, overloaded, preamble_error).
func (c *Collector) ConnectionClosed(route, outcome string) {
	c.connectionsActive.WithLabelValues(route).Dec()
	c.connectionsTotal.WithLabelValues(route, outcome).Inc()
}

// ConnectionRejected records a connection that never reached Relaying (e.g.
// NonSslRejected or Overloaded), without touching the active gauge.
func (c *Collector) ConnectionRejected(route, outcome string) {
	c.connectionsTotal.WithLabelValues(route, outcome).Inc()
}

// HandshakeDuration observes a completed TLS handshake's wall-clock time.
func (c *Collector) HandshakeDuration(route string, d time.Duration) {
	c.handshakeDuration.WithLabelValues(route).Observe(d.Seconds())
}

// RelayBytes adds n bytes to the running total for route/direction.
// direction is "c2s" (client to server/upstream) or "s2c".
func (c *Collector) RelayBytes(route, direction string, n int64) {
	if n <= 0 {
		return
	}
	c.relayBytesTotal.WithLabelValues(route, direction).Add(float64(n))
}

// AcceptError increments the accept-error counter for a transient or fatal
// accept-loop error.
func (c *Collector) AcceptError(route, kind string) {
	c.acceptErrorsTotal.WithLabelValues(route, kind).Inc()
}
